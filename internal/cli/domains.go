package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wwwzy/vhostlog/internal/model"
	"github.com/wwwzy/vhostlog/internal/storage"
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "查看域名、统计与告警",
}

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出所有域名",
	RunE:  runDomainsList,
}

var domainsStatsCmd = &cobra.Command{
	Use:   "stats <domain>",
	Short: "显示域名在时间窗口内的流量统计",
	Long: `按需聚合指定域名的日志：请求数、流量、状态码分布、Top 客户端与路径。
--window 支持 Go 时长与天数（例如 1h、24h、7d、all）。--plugins 会加载插件并附带各插件的流量分析结果。`,
	Args: cobra.ExactArgs(1),
	RunE: runDomainsStats,
}

var domainsAlertsCmd = &cobra.Command{
	Use:   "alerts <domain>",
	Short: "列出域名最近的告警",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomainsAlerts,
}

var (
	statsWindow  string
	statsPlugins bool
	alertsLimit  int
)

func init() {
	domainsStatsCmd.Flags().StringVar(&statsWindow, "window", "24h", "统计窗口")
	domainsStatsCmd.Flags().BoolVar(&statsPlugins, "plugins", false, "附带插件流量分析结果")
	domainsAlertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "最多显示的告警条数")

	rootCmd.AddCommand(domainsCmd)
	domainsCmd.AddCommand(domainsListCmd)
	domainsCmd.AddCommand(domainsStatsCmd)
	domainsCmd.AddCommand(domainsAlertsCmd)
}

func runDomainsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	domains, err := store.GetDomains(ctx)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		fmt.Println("No domains yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tDomain\tEntries\tFirst Seen\tLast Seen")
	for _, d := range domains {
		n, err := store.CountLogs(ctx, d.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", d.ID, d.Name, n,
			d.FirstSeen.Local().Format(time.DateTime), d.LastSeen.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func lookupDomain(ctx context.Context, store *storage.Storage, name string) (*model.Domain, error) {
	d, err := store.GetDomain(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("unknown domain %q", name)
	}
	return d, err
}

func runDomainsStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	window, err := storage.ParseWindow(statsWindow)
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	d, err := lookupDomain(ctx, store, args[0])
	if err != nil {
		return err
	}
	st, err := store.GetDomainStats(ctx, d.ID, window)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Printf("No entries for %s in the last %s.\n", d.Name, statsWindow)
		return nil
	}
	fmt.Println(renderStats(d.Name, st))

	if !statsPlugins || !cfg.Plugins.Enabled {
		return nil
	}
	plugins, err := newPluginManager(store, nil)
	if err != nil {
		return err
	}
	defer plugins.Close(ctx)
	if _, err := plugins.LoadAll(ctx); err != nil {
		log.WithError(err).Warn("部分插件加载失败")
	}

	entries, err := store.GetLogsByTimeRange(ctx, d.ID, st.From, st.To)
	if err != nil {
		return err
	}
	results := plugins.AnalyzeTraffic(ctx, d.ID, entries)
	fmt.Println(renderAnalyses(results))
	return nil
}

func runDomainsAlerts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	d, err := lookupDomain(ctx, store, args[0])
	if err != nil {
		return err
	}
	alerts, err := store.GetAlerts(ctx, d.ID, alertsLimit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Printf("No alerts for %s.\n", d.Name)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Time\tSeverity\tType\tSource\tMessage")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Timestamp.Local().Format(time.DateTime), a.Severity, a.Type, a.Source, a.Message)
	}
	return w.Flush()
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(18)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func renderStats(name string, st *model.DomainStats) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	rate := fmt.Sprintf("%.2f%%", st.ErrorRate*100)
	if st.ErrorRate >= 0.05 {
		rate = errStyle.Render(rate)
	}

	from := "beginning"
	if !st.From.IsZero() {
		from = st.From.Local().Format(time.DateTime)
	}
	summary := []string{
		titleStyle.Render(name),
		row("Window", from+" .. "+st.To.Local().Format(time.DateTime)),
		row("Requests", fmt.Sprintf("%d", st.TotalRequests)),
		row("Bytes", humanBytes(st.TotalBytes)),
		row("Unique clients", fmt.Sprintf("%d", st.UniqueClients)),
		row("Error rate", rate),
		row("Status classes", formatCounts(st.StatusClasses)),
		row("Methods", formatCounts(st.Methods)),
	}
	if st.InferredTimestamps > 0 {
		summary = append(summary, row("Inferred times", fmt.Sprintf("%d", st.InferredTimestamps)))
	}

	blocks := []string{boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, summary...))}
	if top := renderTop("Top clients", st.TopClients); top != "" {
		blocks = append(blocks, top)
	}
	if top := renderTop("Top paths", st.TopPaths); top != "" {
		blocks = append(blocks, top)
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func renderTop(title string, counts []model.Count) string {
	if len(counts) == 0 {
		return ""
	}
	lines := []string{titleStyle.Render(title)}
	for _, c := range counts {
		lines = append(lines, fmt.Sprintf("%8d  %s", c.Count, c.Key))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderAnalyses(results map[string]any) string {
	if len(results) == 0 {
		return "No plugin analyses."
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := []string{titleStyle.Render("Plugin analyses")}
	for _, name := range names {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(name), fmt.Sprint(results[name])))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatCounts(m map[string]int64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
