package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "管理插件",
	Long:  `列出、安装与试加载 plugins.dir 下的插件。插件在 start 运行期间才会真正接收事件。`,
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出插件目录下的插件及其校验状态",
	RunE:  runPluginsList,
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <url>",
	Short: "从 URL 下载 .tar.gz 插件包并安装到插件目录",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsInstall,
}

var pluginsLoadCmd = &cobra.Command{
	Use:   "load <dir>",
	Short: "试加载一个插件目录，校验元数据并执行 onLoad/onUnload",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsLoad,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsInstallCmd)
	pluginsCmd.AddCommand(pluginsLoadCmd)
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	m, err := newPluginManager(nil, nil)
	if err != nil {
		return err
	}
	found, err := m.DiscoverPlugins()
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Printf("No plugins in %s.\n", m.Dir())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tVersion\tCore\tMain\tStatus")
	for _, d := range found {
		name, version, core, main := "-", "-", "-", "-"
		if d.Metadata != nil {
			name, version, core, main = d.Metadata.Name, d.Metadata.Version, d.Metadata.CoreVersion, d.Metadata.Main
		}
		status := "ok"
		if d.Err != nil {
			status = d.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, version, core, main, status)
	}
	return w.Flush()
}

func runPluginsInstall(cmd *cobra.Command, args []string) error {
	m, err := newPluginManager(nil, nil)
	if err != nil {
		return err
	}
	meta, err := m.InstallPlugin(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Installed %s %s into %s\n", meta.Name, meta.Version, meta.Dir)
	return nil
}

func runPluginsLoad(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, err := newPluginManager(nil, nil)
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	meta, err := m.LoadPlugin(ctx, args[0])
	if err != nil {
		return err
	}
	for _, info := range m.ListPlugins() {
		if info.Name == meta.Name {
			fmt.Printf("Loaded %s %s (%s)\n", info.Name, info.Version, strings.Join(info.Capabilities, ", "))
		}
	}
	return nil
}
