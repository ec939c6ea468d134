package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// LocalConfig 本地解释器执行配置
type LocalConfig struct {
	// PythonBin 解释器路径，空值用 PATH 里的 python3。
	PythonBin string        `mapstructure:"python_bin" json:"python_bin" yaml:"python_bin"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// LocalRunner 直接用宿主机解释器执行，供开发环境和测试使用。
// 每次执行都是独立进程加独立临时目录，进程间互不可见。
type LocalRunner struct {
	pythonBin string
	timeout   time.Duration
	log       *zap.Logger
}

func NewLocalRunner(cfg LocalConfig, log *zap.Logger) *LocalRunner {
	bin := cfg.PythonBin
	if bin == "" {
		bin = "python3"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalRunner{pythonBin: bin, timeout: timeout, log: log}
}

func (r *LocalRunner) Run(ctx context.Context, code string, namespace map[string]any) (*Result, error) {
	dir, err := os.MkdirTemp("", "sandbox-run-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := stageRun(dir, code, namespace); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.pythonBin, "harness.py", "input.json", "output.json")
	cmd.Dir = dir
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	start := time.Now()
	runErr := cmd.Run()
	r.log.Debug("local sandbox run finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("process_failed", runErr != nil))

	if ctx.Err() != nil {
		return nil, fmt.Errorf("sandbox execution timed out after %s", r.timeout)
	}
	// 解释器非零退出不直接判为设施故障：
	// 结果文件在就以结果为准，不在才是设施问题。
	return readRunResult(dir, combined.String())
}
