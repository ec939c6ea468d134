// Package server 提供 HTTP 接入层：对话回合（一次性或 SSE 流式）、
// 记忆管理与健康检查。路由之下全部委托给 agent 与 memory 服务。
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/agent"
	"github.com/hzliu/datapilot/internal/memory"
)

// Config HTTP 服务配置
type Config struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout 要容纳最慢的流式回合，默认放得很宽。
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TurnRunner 是对话回合入口，由 agent.Service 实现。
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
	RunTurnStream(ctx context.Context, req agent.TurnRequest, sink func(string)) (*agent.TurnResult, error)
}

// MemoryAdmin 是记忆管理入口，由 memory.Service 实现。
type MemoryAdmin interface {
	Flush(ctx context.Context, key memory.SessionKey) error
	Delete(ctx context.Context, key memory.SessionKey) error
}

type Server struct {
	cfg    Config
	agent  TurnRunner
	memory MemoryAdmin
	log    *zap.Logger
	http   *http.Server
}

func New(cfg Config, turns TurnRunner, mem MemoryAdmin, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, agent: turns, memory: mem, log: log}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agent/chat", s.handleChat)
		r.Post("/memory/save", s.handleMemorySave)
		r.Delete("/memory", s.handleMemoryDelete)
	})
	return r
}

// Handler 暴露路由供测试挂载。
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run 阻塞服务直至 ctx 取消，然后优雅退出。
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}
