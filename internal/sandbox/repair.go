package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/gateway"
	"github.com/hzliu/datapilot/internal/storage"
)

// DefaultMaxRepairs 是修复调用次数的默认上限。
// 首次执行不计入：上限为 5 时最多执行 6 次代码。
const DefaultMaxRepairs = 5

// Attempt 是修复循环中一次执行的记录。
type Attempt struct {
	// Attempt 0 为首次执行，之后每修复一轮加一。
	Attempt int
	Code    string
	Fault   string
}

// ExhaustedError 表示修复预算用尽仍未成功。
// Attempts 保存完整的失败抄本，供兜底回答节点向用户解释。
type ExhaustedError struct {
	Subtask  string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	last := ""
	if n := len(e.Attempts); n > 0 {
		last = strings.TrimSpace(e.Attempts[n-1].Fault)
	}
	return fmt.Sprintf("repair budget exhausted after %d attempts: %s", len(e.Attempts), last)
}

// AttemptRecorder 落审计行。*storage.Storage 即实现。
type AttemptRecorder interface {
	InsertExecutionAttempt(ctx context.Context, att *storage.ExecutionAttempt) error
}

// LoopConfig 修复循环配置
type LoopConfig struct {
	// MaxRepairs 修复调用次数上限（不含首次执行），<=0 用默认值。
	MaxRepairs int `mapstructure:"max_repairs" json:"max_repairs" yaml:"max_repairs"`
}

// Loop 是有界修复循环：执行候选代码，失败则携带故障信息向
// 推理端请求修正版，再执行，直到成功或修复预算用尽。
//
// 循环对外是一次原子执行：要么返回成功那次的输出命名空间，
// 要么返回 ExhaustedError，中间态不外泄。
type Loop struct {
	runner     Runner
	gw         gateway.Client
	recorder   AttemptRecorder
	maxRepairs int
	log        *zap.Logger
}

func NewLoop(runner Runner, gw gateway.Client, recorder AttemptRecorder, cfg LoopConfig, log *zap.Logger) *Loop {
	max := cfg.MaxRepairs
	if max <= 0 {
		max = DefaultMaxRepairs
	}
	return &Loop{runner: runner, gw: gw, recorder: recorder, maxRepairs: max, log: log}
}

// ExecRequest 一次子任务执行请求。
type ExecRequest struct {
	SessionID string
	FileID    string
	// Subtask 为当前子任务文本，进入审计行与修复提示词。
	Subtask string
	// Code 为推理端生成的初始代码候选。
	Code string
	// Namespace 为执行前的持久化变量命名空间，只读。
	Namespace map[string]any
	// DatasetSummary 供修复提示词引用的数据集概况。
	DatasetSummary string
}

// ExecOutcome 成功执行的结果。
type ExecOutcome struct {
	// Code 最终成功执行的代码（可能是修复后的版本）。
	Code string
	// Namespace 执行后的输出命名空间。
	Namespace map[string]any
	Stdout    string
	// Attempts 全部尝试记录，最后一条是成功那次。
	Attempts []Attempt
}

// Execute 运行修复循环。
//
// 代码故障走修复路径；执行设施故障（容器/解释器起不来）与
// 推理调用故障直接上抛为 error，不消耗修复预算。
func (l *Loop) Execute(ctx context.Context, req ExecRequest) (*ExecOutcome, error) {
	code := req.Code
	attempts := make([]Attempt, 0, l.maxRepairs+1)

	for attempt := 0; ; attempt++ {
		res, err := l.runner.Run(ctx, code, req.Namespace)
		if err != nil {
			return nil, fmt.Errorf("sandbox run: %w", err)
		}

		if !res.Faulted() {
			attempts = append(attempts, Attempt{Attempt: attempt, Code: code})
			l.audit(ctx, req, attempts[len(attempts)-1], storage.AttemptStatusSucceeded)
			l.log.Info("sandbox execution succeeded",
				zap.String("session", req.SessionID),
				zap.Int("attempt", attempt))
			return &ExecOutcome{
				Code:      code,
				Namespace: res.Namespace,
				Stdout:    res.Stdout,
				Attempts:  attempts,
			}, nil
		}

		attempts = append(attempts, Attempt{Attempt: attempt, Code: code, Fault: res.Fault})
		l.log.Warn("sandbox execution faulted",
			zap.String("session", req.SessionID),
			zap.Int("attempt", attempt),
			zap.String("fault", faultSummary(res.Fault)))

		// attempt 即已消耗的修复次数：attempt==maxRepairs 时预算用尽
		if attempt >= l.maxRepairs {
			l.audit(ctx, req, attempts[len(attempts)-1], storage.AttemptStatusExhausted)
			return nil, &ExhaustedError{Subtask: req.Subtask, Attempts: attempts}
		}
		l.audit(ctx, req, attempts[len(attempts)-1], storage.AttemptStatusFaulted)

		repaired, err := l.gw.Invoke(ctx, gateway.TemplateCodeRepair, map[string]any{
			"code":            code,
			"fault":           res.Fault,
			"variable_names":  variableNames(req.Namespace),
			"dataset_summary": req.DatasetSummary,
		})
		if err != nil {
			return nil, fmt.Errorf("request code repair: %w", err)
		}
		// 空候选执行起来必然「成功」，等于凭空捏造一次成功执行
		code = gateway.ExtractCode(repaired)
		if code == "" {
			return nil, fmt.Errorf("model returned empty repair candidate")
		}
	}
}

func (l *Loop) audit(ctx context.Context, req ExecRequest, att Attempt, status string) {
	if l.recorder == nil {
		return
	}
	err := l.recorder.InsertExecutionAttempt(ctx, &storage.ExecutionAttempt{
		SessionID: req.SessionID,
		FileID:    req.FileID,
		Subtask:   req.Subtask,
		Attempt:   att.Attempt,
		Code:      att.Code,
		Fault:     att.Fault,
		Status:    status,
	})
	if err != nil {
		// 审计失败不影响执行语义
		l.log.Warn("execution attempt audit failed",
			zap.String("session", req.SessionID), zap.Error(err))
	}
}

func variableNames(namespace map[string]any) string {
	names := make([]string, 0, len(namespace))
	for name := range namespace {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// faultSummary 取 traceback 的最后一行（异常本体）用于日志。
func faultSummary(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
