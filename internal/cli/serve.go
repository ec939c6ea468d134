package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hzliu/datapilot/internal/agent"
	"github.com/hzliu/datapilot/internal/dataset"
	"github.com/hzliu/datapilot/internal/docker"
	"github.com/hzliu/datapilot/internal/gateway"
	"github.com/hzliu/datapilot/internal/memory"
	"github.com/hzliu/datapilot/internal/sandbox"
	"github.com/hzliu/datapilot/internal/server"
	"github.com/hzliu/datapilot/internal/storage"
)

// serveCmd 代表 serve 命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 DataPilot HTTP 服务",
	Long: `启动 DataPilot 后台服务。
这将初始化数据库与缓存，连接推理网关，并对外提供对话与记忆管理接口。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 2. 组装完整服务栈
		st, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		srv := server.New(cfg.Server, st.agent, st.memory, log)

		// 3. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			fmt.Printf("收到信号: %s, 正在关闭...\n", sig)
			cancel()
		}()

		fmt.Printf("DataPilot 已启动，监听 %s。按 Ctrl+C 停止。\n", cfg.Server.Addr)
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// stack 聚合一次完整组装出的各层服务，serve 与 chat 共用。
type stack struct {
	store       *storage.Storage
	memory      *memory.Service
	agent       *agent.Service
	closeDocker bool
}

// Close 释放持有的连接资源。
func (s *stack) Close() {
	_ = s.store.Close()
	if s.closeDocker {
		_ = docker.CloseClient()
	}
}

func buildStack(ctx context.Context) (*stack, error) {
	var closeDocker bool
	fmt.Println("正在初始化存储...")
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	cache := memory.NewRedisCache(cfg.Cache, log)
	mem := memory.NewService(cache, store, dataset.LocalLoader{}, log)

	fmt.Println("正在连接推理网关...")
	chatModel, err := gateway.NewChatModel(ctx, cfg.Ark)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("创建 chat model 失败: %w", err)
	}
	gw := gateway.New(chatModel, log)

	var runner sandbox.Runner
	switch cfg.Sandbox.Runner {
	case "docker":
		fmt.Println("正在检查 Docker 连接...")
		if _, err := docker.GetClient(); err != nil {
			store.Close()
			return nil, fmt.Errorf("连接 docker 失败: %w", err)
		}
		runner = sandbox.NewDockerRunner(cfg.Sandbox.Docker, log)
		closeDocker = true
	default:
		runner = sandbox.NewLocalRunner(cfg.Sandbox.Local, log)
	}
	loop := sandbox.NewLoop(runner, gw, store, cfg.Sandbox.Loop, log)

	fmt.Println("正在编译工作流图...")
	svc, err := agent.NewService(ctx, agent.Deps{
		Gateway: gw,
		Memory:  mem,
		Sandbox: loop,
		Log:     log,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("构建 Agent 服务失败: %w", err)
	}

	return &stack{store: store, memory: mem, agent: svc, closeDocker: closeDocker}, nil
}
