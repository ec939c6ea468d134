package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hzliu/datapilot/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、检索执行审计和清理旧记录的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	Run:   runInfo,
}

// attemptsCmd represents the attempts command
var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "检索沙箱执行审计记录",
	Long:  `按会话、数据集或终态检索执行尝试记录，用于排查修复循环的历史。`,
	Run:   runAttempts,
}

// pruneAttemptsCmd represents the prune-attempts command
var pruneAttemptsCmd = &cobra.Command{
	Use:   "prune-attempts",
	Short: "清理执行审计记录",
	Long:  `根据用户指定的保留条数或天数，清理旧的执行审计记录。`,
	Run:   runPruneAttempts,
}

var (
	attemptsSession string
	attemptsFileID  string
	attemptsStatus  string
	attemptsLimit   int

	keepAttemptCount int
	keepAttemptDays  int
)

func init() {
	attemptsCmd.Flags().StringVar(&attemptsSession, "session", "", "按会话 ID 过滤")
	attemptsCmd.Flags().StringVar(&attemptsFileID, "file-id", "", "按数据集标识过滤")
	attemptsCmd.Flags().StringVar(&attemptsStatus, "status", "", "按终态过滤: succeeded/faulted/exhausted")
	attemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 20, "最多显示条数")

	pruneAttemptsCmd.Flags().IntVar(&keepAttemptCount, "keep", 0, "保留最近的 N 条记录")
	pruneAttemptsCmd.Flags().IntVar(&keepAttemptDays, "days", 0, "保留最近 N 天的记录")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(attemptsCmd)
	storageCmd.AddCommand(pruneAttemptsCmd)
}

func runInfo(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}

	// 1. 获取数据库文件信息
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
	}

	var dbSizeStr string
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			dbSizeStr = "Not Found (Will be created on first run)"
		} else {
			dbSizeStr = fmt.Sprintf("Error: %v", err)
		}
	} else {
		sizeMB := float64(info.Size()) / 1024 / 1024
		dbSizeStr = fmt.Sprintf("%.2f MB (%s)", sizeMB, dbPath)
	}

	// 2. 连接数据库
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		fmt.Printf("Error opening database: %v\n", err)
		return
	}
	defer store.Close()

	// 3. 获取统计信息
	memCount, err := store.CountMemoryRecords(ctx)
	if err != nil {
		fmt.Printf("Error counting memory records: %v\n", err)
	}
	attCount, err := store.CountExecutionAttempts(ctx)
	if err != nil {
		fmt.Printf("Error counting execution attempts: %v\n", err)
	}

	// 4. 格式化输出
	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "MemoryRecords\t%d\n", memCount)
	fmt.Fprintf(w, "ExecutionAttempts\t%d\n", attCount)
	w.Flush()
}

func runAttempts(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	atts, err := store.QueryExecutionAttempts(ctx, storage.AttemptQuery{
		SessionID: attemptsSession,
		FileID:    attemptsFileID,
		Status:    attemptsStatus,
		Limit:     attemptsLimit,
		Desc:      true,
	})
	if err != nil {
		fmt.Printf("Error querying attempts: %v\n", err)
		os.Exit(1)
	}
	if len(atts) == 0 {
		fmt.Println("No attempts found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Time\tSession\tAttempt\tStatus\tSubtask\tFault")
	for _, a := range atts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			a.CreatedAt.Local().Format("01-02 15:04:05"),
			truncate(a.SessionID, 12),
			a.Attempt,
			a.Status,
			truncate(a.Subtask, 40),
			truncate(a.Fault, 60),
		)
	}
	w.Flush()
}

func runPruneAttempts(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if keepAttemptCount <= 0 && keepAttemptDays <= 0 {
		fmt.Println("Error: must specify either --keep or --days")
		cmd.Usage()
		os.Exit(1)
	}

	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}

	fmt.Println("Opening database...")
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var deletedCount int64

	if keepAttemptCount > 0 {
		fmt.Printf("Pruning attempts, keeping latest %d records...\n", keepAttemptCount)
		count, err := store.DeleteExecutionAttemptsKeepLatest(ctx, keepAttemptCount)
		if err != nil {
			fmt.Printf("Error pruning by count: %v\n", err)
			os.Exit(1)
		}
		deletedCount += count
	}

	if keepAttemptDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -keepAttemptDays)
		fmt.Printf("Pruning attempts older than %d days (before %s)...\n", keepAttemptDays, before.Format(time.RFC3339))
		count, err := store.DeleteExecutionAttemptsBefore(ctx, before)
		if err != nil {
			fmt.Printf("Error pruning by days: %v\n", err)
			os.Exit(1)
		}
		deletedCount += count
	}

	fmt.Printf("Prune completed. Deleted %d records.\n", deletedCount)

	if count, err := store.CountExecutionAttempts(ctx); err == nil {
		fmt.Printf("Remaining Attempts: %d\n", count)
	}
}

// truncate 压平换行并按 rune 截断，保证 tabwriter 的一行一条。
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
