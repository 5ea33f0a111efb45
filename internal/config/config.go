package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/vhostlog/internal/discovery"
	"github.com/wwwzy/vhostlog/internal/monitor"
	"github.com/wwwzy/vhostlog/internal/plugin"
	"github.com/wwwzy/vhostlog/internal/storage"
)

const envPrefix = "VHOSTLOG"

type Config struct {
	Storage   storage.Config   `mapstructure:"storage"`
	Monitor   monitor.Config   `mapstructure:"monitor"`
	Plugins   plugin.Config    `mapstructure:"plugins"`
	Discovery discovery.Config `mapstructure:"discovery"`
	LogLevel  string           `mapstructure:"log_level"`
}

func Load(cfgFile string) (*Config, error) {
	// 1. 初始化 Viper
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.vhostlog")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// 环境变量：VHOSTLOG_MONITOR_WATCH_OBSERVER 对应 monitor.watch.observer
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只会解码 Viper 已知的 key，所以每个 key 都需要一个默认值，
	// 仅通过环境变量提供的值才能生效。
	setDefaults(v)

	// 2. 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	// 3. 反序列化 (文件/环境变量 覆盖 默认值)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 4. 验证关键配置
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if c.Monitor.Watch.BatchSize <= 0 {
		return fmt.Errorf("monitor.watch.batch_size must be positive, got %d", c.Monitor.Watch.BatchSize)
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if err := c.Plugins.Validate(); err != nil {
		return err
	}
	return c.Discovery.Validate()
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// -------------------------------------------------------------------------
	// Global Defaults (全局默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("log_level", d.LogLevel)

	// -------------------------------------------------------------------------
	// Storage Defaults (存储默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", d.Storage.MaxIdleConns)
	v.SetDefault("storage.conn_max_lifetime", d.Storage.ConnMaxLifetime)

	// -------------------------------------------------------------------------
	// Monitor Watch Defaults (文件监控默认值)
	// -------------------------------------------------------------------------
	m := d.Monitor
	v.SetDefault("monitor.watch.observer", m.Watch.Observer)
	v.SetDefault("monitor.watch.poll_interval", m.Watch.PollInterval)
	v.SetDefault("monitor.watch.batch_size", m.Watch.BatchSize)
	v.SetDefault("monitor.watch.max_line_bytes", m.Watch.MaxLineBytes)
	v.SetDefault("monitor.watch.resume_positions", m.Watch.ResumePositions)
	v.SetDefault("monitor.watch.event_buffer", m.Watch.EventBuffer)
	v.SetDefault("monitor.watch.tail_lines", m.Watch.TailLines)

	// -------------------------------------------------------------------------
	// Monitor Retention Defaults (数据清理默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("monitor.retention.enabled", m.Retention.Enabled)
	v.SetDefault("monitor.retention.interval", m.Retention.Interval)
	v.SetDefault("monitor.retention.retention_days", m.Retention.RetentionDays)
	v.SetDefault("monitor.retention.workers", m.Retention.Workers)
	v.SetDefault("monitor.retention.batch_rows", m.Retention.BatchRows)
	v.SetDefault("monitor.retention.idle_sleep", m.Retention.IdleSleep)

	// -------------------------------------------------------------------------
	// Monitor Alerts Defaults (告警规则默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("monitor.alerts.enabled", m.Alerts.Enabled)
	v.SetDefault("monitor.alerts.error_rate_threshold", m.Alerts.ErrorRateThreshold)
	v.SetDefault("monitor.alerts.min_requests", m.Alerts.MinRequests)
	v.SetDefault("monitor.alerts.window", m.Alerts.Window)
	v.SetDefault("monitor.alerts.cooldown", m.Alerts.Cooldown)

	// -------------------------------------------------------------------------
	// Plugins Defaults (插件默认值)
	// -------------------------------------------------------------------------
	p := d.Plugins
	v.SetDefault("plugins.dir", p.Dir)
	v.SetDefault("plugins.enabled", p.Enabled)
	v.SetDefault("plugins.auto_load", p.AutoLoad)
	v.SetDefault("plugins.hook_timeout", p.HookTimeout)
	v.SetDefault("plugins.max_concurrency", p.MaxConcurrency)
	v.SetDefault("plugins.install_timeout", p.InstallTimeout)
	v.SetDefault("plugins.max_package_bytes", p.MaxPackageBytes)

	// -------------------------------------------------------------------------
	// Discovery Defaults (日志文件发现默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("discovery.paths", d.Discovery.Paths)
	v.SetDefault("discovery.domain_from", d.Discovery.DomainFrom)
	v.SetDefault("discovery.docker.enabled", d.Discovery.Docker.Enabled)
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:        "vhostlog.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		Monitor:   monitor.DefaultConfig(),
		Plugins:   plugin.DefaultConfig(),
		Discovery: discovery.DefaultConfig(),
	}
}
