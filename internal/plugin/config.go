package plugin

import (
	"errors"
	"time"
)

const DefaultCoreVersion = "1.0.0"

type Config struct {
	// Dir 为插件根目录：每个子目录是一个插件包，.data 与 .staging-* 为内部使用。
	Dir string `mapstructure:"dir"`
	// Enabled 控制是否启用插件系统。
	Enabled bool `mapstructure:"enabled"`
	// AutoLoad 为 true 时启动阶段加载 Dir 下所有合法插件。
	AutoLoad bool `mapstructure:"auto_load"`
	// HookTimeout 为单个插件处理单个事件的超时，超时视为该插件本次失败。
	HookTimeout time.Duration `mapstructure:"hook_timeout"`
	// MaxConcurrency 为一次广播中同时执行的插件回调数量上限。
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// InstallTimeout 为下载插件包的整体超时。
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	// MaxPackageBytes 限制插件包（压缩后与解压后）大小。
	MaxPackageBytes int64 `mapstructure:"max_package_bytes"`
}

func DefaultConfig() Config {
	return Config{
		Dir:             "plugins",
		Enabled:         true,
		AutoLoad:        true,
		HookTimeout:     5 * time.Second,
		MaxConcurrency:  8,
		InstallTimeout:  time.Minute,
		MaxPackageBytes: 32 << 20,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.Dir == "" {
		return errors.New("plugins.dir is required when plugins are enabled")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HookTimeout <= 0 {
		c.HookTimeout = d.HookTimeout
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = d.InstallTimeout
	}
	if c.MaxPackageBytes <= 0 {
		c.MaxPackageBytes = d.MaxPackageBytes
	}
	return c
}
