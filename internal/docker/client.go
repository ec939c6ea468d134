// Package docker 管理代码沙箱的容器生命周期：
// 确保执行镜像存在、创建一次性执行容器、等待退出并回收。
// 沙箱层只经由本包触达 Docker Engine。
package docker

import (
	"fmt"
	"sync"

	"github.com/docker/docker/client"
)

var (
	dockerCli *client.Client
	once      sync.Once
)

// GetClient 获取 Docker Client 单例，懒加载。
// 通过 FromEnv 读取 DOCKER_HOST 等环境变量，并做 API 版本协商。
func GetClient() (*client.Client, error) {
	var err error
	once.Do(func() {
		dockerCli, err = client.NewClientWithOpts(
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return dockerCli, nil
}

// CloseClient 关闭 Docker Client 连接，进程退出时调用。
func CloseClient() error {
	if dockerCli != nil {
		return dockerCli.Close()
	}
	return nil
}
