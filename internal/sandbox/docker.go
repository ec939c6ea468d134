package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/docker"
)

// DockerConfig 容器执行配置
type DockerConfig struct {
	// Image 执行镜像，需预装 pandas/numpy/matplotlib。
	Image string `mapstructure:"image" json:"image" yaml:"image"`
	// Timeout 单次执行超时。
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	// MemoryLimitMB 容器内存上限（MB），0 表示不限制。
	MemoryLimitMB int64 `mapstructure:"memory_limit_mb" json:"memory_limit_mb" yaml:"memory_limit_mb"`
	// CPULimit CPU 核数上限，0 表示不限制。
	CPULimit float64 `mapstructure:"cpu_limit" json:"cpu_limit" yaml:"cpu_limit"`
}

// DockerRunner 在一次性无网络容器里执行，生产环境默认实现。
// 工作目录通过 bind mount 进出：输入文件由宿主写入，
// 结果文件由执行壳写回同一目录。
type DockerRunner struct {
	cfg DockerConfig
	log *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

func NewDockerRunner(cfg DockerConfig, log *zap.Logger) *DockerRunner {
	if cfg.Image == "" {
		cfg.Image = "python:3.11-slim"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &DockerRunner{cfg: cfg, log: log}
}

func (r *DockerRunner) ensureImage(ctx context.Context) error {
	r.ensureOnce.Do(func() {
		pulled, err := docker.EnsureImage(ctx, r.cfg.Image)
		if err != nil {
			r.ensureErr = err
			return
		}
		if pulled {
			r.log.Info("sandbox image pulled", zap.String("image", r.cfg.Image))
		}
	})
	return r.ensureErr
}

func (r *DockerRunner) Run(ctx context.Context, code string, namespace map[string]any) (*Result, error) {
	if err := r.ensureImage(ctx); err != nil {
		return nil, fmt.Errorf("ensure sandbox image: %w", err)
	}

	dir, err := os.MkdirTemp("", "sandbox-run-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := stageRun(dir, code, namespace); err != nil {
		return nil, err
	}

	res, err := docker.RunOnce(ctx, docker.RunOptions{
		Image:       r.cfg.Image,
		HostDir:     dir,
		Cmd:         []string{"python3", "/workspace/harness.py", "/workspace/input.json", "/workspace/output.json"},
		Timeout:     r.cfg.Timeout,
		MemoryBytes: r.cfg.MemoryLimitMB * 1024 * 1024,
		NanoCPUs:    int64(r.cfg.CPULimit * 1e9),
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug("docker sandbox run finished",
		zap.Int64("exit_code", res.ExitCode))
	return readRunResult(dir, res.Stdout+res.Stderr)
}
