package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hzliu/datapilot/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "datapilot",
	Short: "DataPilot 是一个对话式数据分析代理",
	Long: `DataPilot 用自然语言驱动数据分析：理解问题、拆解任务、
生成并执行分析代码，在多轮对话中保持对数据集的记忆。`,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.datapilot/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量（如果已设置），并初始化全局日志。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	zc := zap.NewProductionConfig()
	if lvl, perr := zapcore.ParseLevel(cfg.LogLevel); perr == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	log, err = zc.Build()
	if err != nil {
		fmt.Printf("Error initializing logger: %v\n", err)
		os.Exit(1)
	}
}
