package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// RunOptions 一次性执行容器的参数。
type RunOptions struct {
	// Image 执行镜像（需预装 python3 与分析依赖）。
	Image string
	// HostDir 挂载到容器 /workspace 的宿主目录，执行脚本与
	// 输入输出文件都放在这里。
	HostDir string
	// Cmd 容器内执行的命令，如 ["python3", "/workspace/harness.py"]。
	Cmd []string
	// Timeout 整体执行超时，超时后容器被强杀。
	Timeout time.Duration
	// MemoryBytes 内存上限（0 表示不限制）。
	MemoryBytes int64
	// NanoCPUs CPU 配额，单位 1e-9 核（0 表示不限制）。
	NanoCPUs int64
}

// RunResult 容器执行结果。
type RunResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
}

// RunOnce 创建容器、等待退出、收集输出、删除容器。
// 生成代码在无网络的容器里执行，容器用完即弃，绝不复用。
func RunOnce(ctx context.Context, opts RunOptions) (*RunResult, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cfg := &container.Config{
		Image:           opts.Image,
		Cmd:             opts.Cmd,
		WorkingDir:      "/workspace",
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{opts.HostDir + ":/workspace"},
		Resources: container.Resources{
			Memory:   opts.MemoryBytes,
			NanoCPUs: opts.NanoCPUs,
		},
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	// 无论成功失败都删除容器
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = cli.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	waitCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-waitCh:
		if status.Error != nil {
			return nil, fmt.Errorf("sandbox container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		return nil, fmt.Errorf("sandbox container wait: %w", err)
	}

	stdout, stderr, err := collectOutput(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	return &RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

const maxCapturedOutput = 10000

func collectOutput(ctx context.Context, containerID string) (string, string, error) {
	cli, err := GetClient()
	if err != nil {
		return "", "", err
	}

	reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to get logs for %s: %w", containerID, err)
	}
	defer reader.Close()

	var outBuf, errBuf strings.Builder
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return "", "", fmt.Errorf("failed to demux container output: %w", err)
	}
	return truncateTail(outBuf.String(), maxCapturedOutput),
		truncateTail(errBuf.String(), maxCapturedOutput), nil
}

func truncateTail(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return "...(truncated)...\n" + s[len(s)-maxLen:]
}
