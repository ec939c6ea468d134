package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hzliu/datapilot/internal/agent"
	"github.com/hzliu/datapilot/internal/dataset"
)

var (
	chatData    string
	chatFileID  string
	chatSession string
	chatUserID  int64
	chatStream  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式数据分析对话",
	Long: `进入一个简单的控制台 REPL，用自然语言分析给定的数据集。
Agent 会按需拆解任务、生成并执行分析代码，多轮对话共享记忆。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		sessionID := uuid.New()
		if chatSession != "" {
			var err error
			sessionID, err = uuid.Parse(chatSession)
			if err != nil {
				return fmt.Errorf("无效的 session id: %w", err)
			}
		}
		fileID := chatFileID
		if fileID == "" {
			fileID = filepath.Base(strings.TrimPrefix(chatData, "file://"))
		}

		// 预读一次数据集，拿到概要供提示词使用；同样的地址
		// 在记忆首建时还会被加载一次以播种 df 变量。
		frame, err := (dataset.LocalLoader{}).Load(chatData)
		if err != nil {
			return fmt.Errorf("读取数据集失败: %w", err)
		}
		summary := frame.Summary(5)

		st, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		return runChatLoop(ctx, st.agent, chatTurnBase{
			sessionID: sessionID,
			fileID:    fileID,
			userID:    chatUserID,
			uri:       chatData,
			summary:   summary,
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatData, "data", "", "数据集地址（CSV 文件路径，支持 file:// 前缀）")
	chatCmd.Flags().StringVar(&chatFileID, "file-id", "", "数据集标识（默认取文件名）")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "会话 ID（UUID，默认新建）")
	chatCmd.Flags().Int64Var(&chatUserID, "user", 1, "用户 ID")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "逐 token 原样输出（默认等待整段回答后渲染 Markdown）")
	_ = chatCmd.MarkFlagRequired("data")
}

type chatTurnBase struct {
	sessionID uuid.UUID
	fileID    string
	userID    int64
	uri       string
	summary   string
}

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

func runChatLoop(ctx context.Context, svc *agent.Service, base chatTurnBase) error {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
	if err != nil {
		return fmt.Errorf("创建渲染器失败: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("进入 DataPilot 对话模式（会话 %s，数据集 %s）。输入 exit/quit 退出。\n", base.sessionID, base.fileID)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("已退出。")
			return nil
		default:
		}

		fmt.Print(promptStyle.Render("你: "))
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		question := strings.TrimSpace(line)
		switch strings.ToLower(question) {
		case "":
			continue
		case "exit", "quit":
			fmt.Println("已退出。")
			return nil
		}

		req := agent.TurnRequest{
			Question:       question,
			UserID:         base.userID,
			SessionID:      base.sessionID,
			FileID:         base.fileID,
			StorageURI:     base.uri,
			DatasetSummary: base.summary,
		}

		fmt.Println(labelStyle.Render("DataPilot:"))
		var res *agent.TurnResult
		if chatStream {
			res, err = svc.RunTurnStream(ctx, req, func(token string) {
				fmt.Print(token)
			})
			fmt.Println()
		} else {
			res, err = svc.RunTurn(ctx, req)
			if err == nil {
				out, rerr := renderer.Render(res.Answer)
				if rerr != nil {
					out = res.Answer + "\n"
				}
				fmt.Print(out)
			}
		}
		if err != nil {
			fmt.Println(faintStyle.Render(fmt.Sprintf("[回合失败: %v]", err)))
			continue
		}

		for _, chart := range res.Charts {
			fmt.Println(faintStyle.Render("图表已保存: " + chart))
		}
		if !res.Committed {
			fmt.Println(faintStyle.Render("[本轮未写入记忆]"))
		}
	}
}
