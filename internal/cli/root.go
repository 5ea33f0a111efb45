package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wwwzy/vhostlog/internal/config"
	"github.com/wwwzy/vhostlog/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "vhostlog",
	Short: "vhostlog 是一个按域名归档的 Web 访问日志采集与分析工具",
	Long: `vhostlog 监控虚拟主机（域名）的访问日志文件，解析为结构化记录并写入本地数据库，
同时支持告警规则与插件扩展。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.vhostlog/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量（如果已设置），并按 log_level 初始化日志。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log, err = logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
}
