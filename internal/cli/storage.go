package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/vhostlog/internal/logging"
	"github.com/wwwzy/vhostlog/internal/monitor"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、按保留策略清理旧日志的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "立即按保留策略清理旧日志",
	Long: `忽略定时任务间隔，立即执行一次日志保留策略清理。
默认读取配置文件中的 monitor.retention.retention_days，可用 --days 覆盖。告警与域名不会被删除。`,
	RunE: runPrune,
}

var pruneDays int

func init() {
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "保留最近 N 天的日志（默认使用配置值）")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	retCfg := cfg.Monitor.Retention
	if cmd.Flags().Changed("days") {
		retCfg.RetentionDays = pruneDays
	}
	if retCfg.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", retCfg.RetentionDays)
	}
	retCfg.OnError = logging.ErrorHandler(log, "retention")

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ret, err := monitor.NewRetentionCollector(store, retCfg)
	if err != nil {
		return err
	}

	before := time.Now().UTC().AddDate(0, 0, -retCfg.RetentionDays)
	fmt.Printf("Pruning log entries older than %d days (before %s)...\n", retCfg.RetentionDays, before.Format(time.RFC3339))
	deleted, err := ret.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("prune failed after deleting %d entries: %w", deleted, err)
	}
	fmt.Printf("Prune completed. Deleted %d entries.\n", deleted)

	if count, err := store.CountLogs(ctx, 0); err == nil {
		fmt.Printf("Remaining Log Entries: %d\n", count)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// 1. 获取数据库文件信息
	var dbSizeStr string
	if cfg.Storage.InMemory {
		dbSizeStr = "In Memory"
	} else {
		dbPath := cfg.Storage.Path
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
		info, err := os.Stat(dbPath)
		switch {
		case os.IsNotExist(err):
			dbSizeStr = "Not Found (Will be created on first run)"
		case err != nil:
			dbSizeStr = fmt.Sprintf("Error: %v", err)
		default:
			dbSizeStr = fmt.Sprintf("%.2f MB (%s)", float64(info.Size())/1024/1024, dbPath)
		}
	}

	// 2. 连接数据库
	store, err := openStore(ctx)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		return err
	}
	defer store.Close()

	// 3. 获取统计信息
	domains, err := store.CountDomains(ctx)
	if err != nil {
		return err
	}
	logs, err := store.CountLogs(ctx, 0)
	if err != nil {
		return err
	}
	alerts, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	positions, err := store.ListWatchPositions(ctx)
	if err != nil {
		return err
	}

	// 4. 格式化输出
	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Domains\t%d\n", domains)
	fmt.Fprintf(w, "LogEntries\t%d\n", logs)
	fmt.Fprintf(w, "Alerts\t%d\n", alerts)
	fmt.Fprintf(w, "WatchPositions\t%d\n", len(positions))
	return w.Flush()
}
