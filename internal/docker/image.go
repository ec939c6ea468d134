package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// EnsureImage 确保沙箱执行镜像在本地可用，缺失时拉取。
// 返回是否发生了拉取，便于调用方记日志。
func EnsureImage(ctx context.Context, ref string) (pulled bool, err error) {
	cli, err := GetClient()
	if err != nil {
		return false, err
	}

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false, fmt.Errorf("image ref is required")
	}

	_, _, err = cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return false, nil
	}
	if !client.IsErrNotFound(err) {
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// 拉取进度流必须读完，否则拉取可能被中断
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return false, fmt.Errorf("failed to read image pull output: %w", err)
	}
	return true, nil
}
