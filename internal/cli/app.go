package cli

import (
	"context"
	"fmt"

	"github.com/wwwzy/vhostlog/internal/logging"
	"github.com/wwwzy/vhostlog/internal/monitor"
	"github.com/wwwzy/vhostlog/internal/plugin"
	"github.com/wwwzy/vhostlog/internal/plugin/builtin"
	"github.com/wwwzy/vhostlog/internal/storage"
)

func openStore(ctx context.Context) (*storage.Storage, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

// newPluginManager 创建插件管理器。store 为 nil 时插件无法产生告警；
// bus 非 nil 时插件错误同时作为 error 事件发布。
func newPluginManager(store *storage.Storage, bus *monitor.Bus) (*plugin.Manager, error) {
	plog := log.WithField("component", "plugins")
	onError := logging.ErrorHandler(log, "plugins")
	opts := []plugin.Option{
		plugin.WithFactories(builtin.Factories()),
		plugin.WithLogger(plog),
		plugin.WithErrorHandler(func(err error) {
			onError(err)
			if bus != nil {
				bus.Publish(monitor.Event{Kind: monitor.EventError, Err: err})
			}
		}),
	}
	if store != nil {
		opts = append(opts, plugin.WithAlertStore(store))
	}
	m, err := plugin.NewManager(cfg.Plugins, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建插件管理器失败: %w", err)
	}
	return m, nil
}
