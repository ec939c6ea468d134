package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/gateway"
	"github.com/hzliu/datapilot/internal/memory"
)

type sinkKeyType struct{}

var sinkKey sinkKeyType

func withTokenSink(ctx context.Context, sink func(string)) context.Context {
	return context.WithValue(ctx, sinkKey, sink)
}

// sinkFrom 取出本轮的流式输出槽，非流式调用返回 nil。
func sinkFrom(ctx context.Context) func(string) {
	sink, _ := ctx.Value(sinkKey).(func(string))
	return sink
}

// TurnRequest 一轮对话的输入。
type TurnRequest struct {
	Question       string
	UserID         int64
	SessionID      uuid.UUID
	FileID         string
	StorageURI     string
	DatasetSummary string
}

func (r TurnRequest) validate() error {
	if r.Question == "" {
		return fmt.Errorf("question is required")
	}
	if r.SessionID == uuid.Nil {
		return fmt.Errorf("session id is required")
	}
	if r.FileID == "" {
		return fmt.Errorf("file id is required")
	}
	return nil
}

// TurnResult 一轮对话的输出。
type TurnResult struct {
	Answer string `json:"answer"`
	Mode   Mode   `json:"mode"`
	// Results 各子任务的成果文本，按执行顺序。
	Results []string `json:"results,omitempty"`
	// Charts 本轮产出的图表路径。
	Charts []string `json:"charts,omitempty"`
	// Committed 记忆是否已提交（兜底路径为 false）。
	Committed bool `json:"committed"`
}

// Service 是回合编排层：按模式选择编译好的图变体，保证同一
// 会话键同一时刻只有一轮在途，跨会话完全并行。
type Service struct {
	deep compose.Runnable[AgentState, AgentState]
	fast compose.Runnable[AgentState, AgentState]
	gw   gateway.Client
	log  *zap.Logger

	locks sync.Map // memory.SessionKey 字符串 → *sync.Mutex
}

// NewService 装配两套节点实例并各自编译一次，之后所有回合复用。
func NewService(ctx context.Context, deps Deps) (*Service, error) {
	deep, err := BuildGraph(ctx, DeepModeNodes(deps))
	if err != nil {
		return nil, fmt.Errorf("build deep graph: %w", err)
	}
	fast, err := BuildGraph(ctx, FastModeNodes(deps))
	if err != nil {
		return nil, fmt.Errorf("build fast graph: %w", err)
	}
	return &Service{deep: deep, fast: fast, gw: deps.Gateway, log: deps.Log}, nil
}

// RunTurn 执行一轮对话，阻塞到回答完整产出。
func (s *Service) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return s.run(ctx, req)
}

// RunTurnStream 同 RunTurn，但把面向用户的回答 token 实时交给 sink。
// 状态变更仍在各节点流结束后才生效。
func (s *Service) RunTurnStream(ctx context.Context, req TurnRequest, sink func(token string)) (*TurnResult, error) {
	if sink != nil {
		ctx = withTokenSink(ctx, sink)
	}
	return s.run(ctx, req)
}

func (s *Service) run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := memory.SessionKey{SessionID: req.SessionID, FileID: req.FileID}
	mu := s.sessionLock(key)
	mu.Lock()
	defer mu.Unlock()

	mode, err := s.classifyMode(ctx, req.Question)
	if err != nil {
		return nil, err
	}
	graph := s.fast
	if mode == ModeDeep {
		graph = s.deep
	}

	initial := AgentState{
		SessionID:      req.SessionID,
		FileID:         req.FileID,
		UserID:         req.UserID,
		StorageURI:     req.StorageURI,
		Question:       req.Question,
		DatasetSummary: req.DatasetSummary,
	}

	s.log.Info("turn started",
		zap.String("session", key.String()),
		zap.String("mode", string(mode)))

	final, err := graph.Invoke(ctx, initial)
	if err != nil {
		return nil, fmt.Errorf("run turn: %w", err)
	}

	return &TurnResult{
		Answer:    final.Answer,
		Mode:      mode,
		Results:   final.Results,
		Charts:    final.Charts,
		Committed: final.Committed,
	}, nil
}

// classifyMode 决定本轮走深度还是快速图变体。
func (s *Service) classifyMode(ctx context.Context, question string) (Mode, error) {
	reply, err := s.gw.Invoke(ctx, gateway.TemplateModeClassifier, map[string]any{
		"question": question,
	})
	if err != nil {
		return "", fmt.Errorf("classify mode: %w", err)
	}
	return parseMode(reply), nil
}

func (s *Service) sessionLock(key memory.SessionKey) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(key.String(), &sync.Mutex{})
	return actual.(*sync.Mutex)
}
