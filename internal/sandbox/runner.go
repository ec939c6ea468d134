// Package sandbox 负责生成代码的隔离执行与有界修复循环。
//
// 执行模型是整命名空间进出：每次执行把完整的持久化变量命名空间
// 注入一个全新的解释器环境，执行后拿回过滤干净的输出命名空间。
// 输入命名空间永不被原地修改，失败的执行不产生任何命名空间变更。
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Result 一次代码执行的结果。
// Fault 非空表示代码抛了异常，这是修复循环的输入数据，不是 error；
// error 只用于执行设施本身的故障（解释器/容器起不来之类）。
type Result struct {
	Namespace map[string]any
	Stdout    string
	Fault     string
}

// Faulted 报告本次执行是否以代码异常收场。
func (r *Result) Faulted() bool {
	return r.Fault != ""
}

// Runner 是隔离执行器。实现必须保证 namespace 入参不被修改。
type Runner interface {
	Run(ctx context.Context, code string, namespace map[string]any) (*Result, error)
}

// harnessRequest / harnessResult 是与执行壳之间的文件协议。
type harnessRequest struct {
	Code      string         `json:"code"`
	Namespace map[string]any `json:"namespace"`
}

type harnessResult struct {
	OK        bool           `json:"ok"`
	Namespace map[string]any `json:"namespace"`
	Stdout    string         `json:"stdout"`
	Fault     string         `json:"fault"`
}

// stageRun 在 dir 下铺好执行壳与输入文件，返回容器/进程可见的文件名。
func stageRun(dir, code string, namespace map[string]any) error {
	raw, err := json.Marshal(harnessRequest{Code: code, Namespace: namespace})
	if err != nil {
		return fmt.Errorf("encode sandbox request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "harness.py"), []byte(harnessScript), 0o644); err != nil {
		return fmt.Errorf("write sandbox harness: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write sandbox input: %w", err)
	}
	return nil
}

// readRunResult 读取执行壳写出的结果文件。
// infraOutput 是结果文件缺失时用于报错的进程/容器原始输出。
func readRunResult(dir, infraOutput string) (*Result, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "output.json"))
	if err != nil {
		return nil, fmt.Errorf("sandbox produced no result: %s", infraOutput)
	}
	var hr harnessResult
	if err := json.Unmarshal(raw, &hr); err != nil {
		return nil, fmt.Errorf("decode sandbox result: %w", err)
	}
	if !hr.OK {
		return &Result{Fault: hr.Fault, Stdout: hr.Stdout}, nil
	}
	ns := hr.Namespace
	if ns == nil {
		ns = map[string]any{}
	}
	return &Result{Namespace: ns, Stdout: hr.Stdout}, nil
}
