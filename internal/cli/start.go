package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwwzy/vhostlog/internal/discovery"
	"github.com/wwwzy/vhostlog/internal/docker"
	"github.com/wwwzy/vhostlog/internal/logging"
	"github.com/wwwzy/vhostlog/internal/monitor"
	"github.com/wwwzy/vhostlog/internal/parser"
	"github.com/wwwzy/vhostlog/internal/plugin"
)

var startPaths []string

// startCmd 代表 start 命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 vhostlog 采集服务",
	Long: `启动 vhostlog 后台采集服务。
这将初始化数据库，加载插件，发现日志文件并开始增量读取、告警与定期清理。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 2. 初始化存储
		log.Info("正在初始化存储...")
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		bus := monitor.NewBus()

		// 3. 加载插件
		var plugins *plugin.Manager
		if cfg.Plugins.Enabled {
			plugins, err = newPluginManager(store, bus)
			if err != nil {
				return err
			}
			defer plugins.Close(context.Background())
			if cfg.Plugins.AutoLoad {
				loaded, err := plugins.LoadAll(ctx)
				if err != nil {
					log.WithError(err).Warn("部分插件加载失败")
				}
				log.WithField("count", len(loaded)).Info("插件已加载")
			}
		}

		// 4. 初始化文件监控
		observer, err := monitor.NewObserver(cfg.Monitor.Watch.Observer, cfg.Monitor.Watch.PollInterval)
		if err != nil {
			return fmt.Errorf("创建文件观察器失败: %w", err)
		}
		watchCfg := cfg.Monitor.Watch
		watchCfg.OnError = logging.ErrorHandler(log, "monitor")
		opts := []monitor.Option{
			monitor.WithBus(bus),
			monitor.WithLogger(log.WithField("component", "monitor")),
		}
		if cfg.Monitor.Alerts.Enabled {
			opts = append(opts, monitor.WithAlertRules(monitor.NewAlertRules(cfg.Monitor.Alerts)))
		}
		if plugins != nil {
			opts = append(opts, monitor.WithLineProcessor(plugins.ProcessFirst))
		}
		p := parser.New(nil, parser.WithMaxLineBytes(watchCfg.MaxLineBytes))
		files, err := monitor.NewFileMonitor(store, p, observer, watchCfg, opts...)
		if err != nil {
			_ = observer.Close()
			return fmt.Errorf("创建文件监控失败: %w", err)
		}

		retCfg := cfg.Monitor.Retention
		retCfg.OnError = logging.ErrorHandler(log, "retention")
		ret, err := monitor.NewRetentionCollector(store, retCfg)
		if err != nil {
			return fmt.Errorf("创建 retention 采集器失败: %w", err)
		}

		// 5. 初始化监控管理器（流式接口挂载组件）
		mgr, err := monitor.NewManager(cfg.Monitor)
		if err != nil {
			return fmt.Errorf("创建监控管理器失败: %w", err)
		}
		mgr.WithFiles(files).WithRetention(ret).WithDomains(store).WithLogger(log)
		if plugins != nil {
			mgr.WithDispatcher(plugins)
		}

		// 6. 启动管理器
		log.Info("正在启动采集服务...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动管理器失败: %w", err)
		}

		// 7. 发现日志文件并开始监控
		dcfg := cfg.Discovery
		dcfg.Paths = append(append([]string(nil), dcfg.Paths...), startPaths...)
		if err := dcfg.Validate(); err != nil {
			mgr.Stop()
			_ = mgr.Wait()
			return err
		}
		if dcfg.Docker.Enabled {
			defer docker.CloseClient()
		}
		targets, err := discovery.Discover(ctx, dcfg, log)
		if err != nil {
			log.WithError(err).Warn("日志文件发现失败")
		}
		if err := mgr.AddTargets(ctx, targets); err != nil {
			log.WithError(err).Warn("部分文件无法监控")
		}
		log.WithField("files", len(files.GetWatchedFiles())).Info("vhostlog 已启动。按 Ctrl+C 停止。")

		// 8. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			log.Infof("收到信号: %s, 正在关闭...", sig)
		case <-ctx.Done():
			log.Info("上下文已取消, 正在关闭...")
		}

		// 9. 优雅停止
		mgr.Stop()
		if err := mgr.Wait(); err != nil {
			return fmt.Errorf("管理器停止时发生错误: %w", err)
		}

		stats := files.GetStats()
		log.WithField("entries", stats.Entries).WithField("skipped", stats.SkippedLines).Info("关闭完成。")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringSliceVar(&startPaths, "path", nil, "额外监控的日志文件 glob（可重复），与 discovery.paths 合并")
}
