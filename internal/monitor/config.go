package monitor

import (
	"fmt"
	"runtime"
	"time"
)

type ErrorHandler func(err error)

const (
	ObserverFSNotify = "fsnotify"
	ObserverPoll     = "poll"
)

type WatchConfig struct {
	// Observer 选择文件变化通知来源：fsnotify（系统通知）或 poll（定时 stat）。
	Observer string `mapstructure:"observer"`
	// PollInterval 为 poll 模式下的检查周期。
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BatchSize 为单次写入数据库的最大条数；一次读取的增量会按该大小分批落库。
	BatchSize int `mapstructure:"batch_size"`
	// MaxLineBytes 限制单行长度；超长行被跳过并计数。
	MaxLineBytes int `mapstructure:"max_line_bytes"`
	// ResumePositions 为 true 时，重新监控文件会从持久化的偏移继续读取，而不是从文件末尾开始。
	ResumePositions bool `mapstructure:"resume_positions"`
	// EventBuffer 为每个订阅者的事件队列容量；队列满时丢弃最旧的事件。
	EventBuffer int `mapstructure:"event_buffer"`
	// TailLines 为 TailFile 未指定行数时的默认值。
	TailLines int `mapstructure:"tail_lines"`

	// OnError 为异步错误回调（读取失败、落库失败、观察器错误）；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

type RetentionConfig struct {
	// Enabled 控制保留策略清理是否启用。
	Enabled bool `mapstructure:"enabled"`
	// Interval 为清理周期。
	Interval time.Duration `mapstructure:"interval"`
	// RetentionDays 为日志保留天数；早于 now-RetentionDays 的日志会被删除，告警与域名不受影响。
	RetentionDays int `mapstructure:"retention_days"`
	// Workers 为并发清理的 worker 数量，每个 worker 一次处理一个域名。
	Workers int `mapstructure:"workers"`
	// BatchRows 为单次 DELETE 的最大行数，避免长事务阻塞写入。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的间隔，给写入让出数据库。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`

	OnError ErrorHandler `mapstructure:"-"`
}

type AlertConfig struct {
	// Enabled 控制内置告警规则是否启用。
	Enabled bool `mapstructure:"enabled"`
	// ErrorRateThreshold 为 5xx 占比阈值（0~1），超过即产生 high_error_rate 告警。
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold"`
	// MinRequests 为评估窗口内的最少请求数，避免样本过少时误报。
	MinRequests int `mapstructure:"min_requests"`
	// Window 为统计窗口长度，窗口结束后计数清零。
	Window time.Duration `mapstructure:"window"`
	// Cooldown 为同一域名两次同类告警的最小间隔。
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type Config struct {
	Watch     WatchConfig     `mapstructure:"watch"`
	Retention RetentionConfig `mapstructure:"retention"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
}

func DefaultConfig() Config {
	return Config{
		Watch: WatchConfig{
			Observer:        ObserverFSNotify,
			PollInterval:    time.Second,
			BatchSize:       200,
			MaxLineBytes:    1024 * 1024,
			ResumePositions: true,
			EventBuffer:     1024,
			TailLines:       10,
		},
		Retention: RetentionConfig{
			Enabled:       true,
			Interval:      time.Hour,
			RetentionDays: 30,
			Workers:       2,
			BatchRows:     500,
			IdleSleep:     50 * time.Millisecond,
		},
		Alerts: AlertConfig{
			Enabled:            true,
			ErrorRateThreshold: 0.2,
			MinRequests:        50,
			Window:             5 * time.Minute,
			Cooldown:           15 * time.Minute,
		},
	}
}

// Validate reports settings that withDefaults cannot repair.
func (c Config) Validate() error {
	switch c.Watch.Observer {
	case "", ObserverFSNotify, ObserverPoll:
	default:
		return fmt.Errorf("monitor.watch.observer: unknown observer %q", c.Watch.Observer)
	}
	if c.Watch.BatchSize < 0 {
		return fmt.Errorf("monitor.watch.batch_size must be positive, got %d", c.Watch.BatchSize)
	}
	if c.Retention.RetentionDays < 0 {
		return fmt.Errorf("monitor.retention.retention_days must not be negative, got %d", c.Retention.RetentionDays)
	}
	if c.Alerts.ErrorRateThreshold < 0 || c.Alerts.ErrorRateThreshold > 1 {
		return fmt.Errorf("monitor.alerts.error_rate_threshold must be within [0,1], got %v", c.Alerts.ErrorRateThreshold)
	}
	return nil
}

func (c WatchConfig) withDefaults() WatchConfig {
	if c.Observer == "" {
		c.Observer = ObserverFSNotify
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1024 * 1024
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.TailLines <= 0 {
		c.TailLines = 10
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = max(2, runtime.NumCPU()/2)
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func (c AlertConfig) withDefaults() AlertConfig {
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.2
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 50
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}
