package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/vhostlog/internal/monitor"
	"github.com/wwwzy/vhostlog/internal/parser"
)

var (
	tailLines  int
	tailParsed bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <file>",
	Short: "显示日志文件最后 N 行",
	Long:  `直接读取文件末尾若干行，不影响采集偏移。--parse 按识别出的格式显示解析结果。`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := tailLines
		if n <= 0 {
			n = cfg.Monitor.Watch.TailLines
		}
		lines, err := monitor.TailLines(args[0], n)
		if err != nil {
			return err
		}
		if !tailParsed {
			for _, l := range lines {
				fmt.Println(l)
			}
			return nil
		}

		p := parser.New(nil, parser.WithMaxLineBytes(cfg.Monitor.Watch.MaxLineBytes))
		for _, l := range lines {
			format := p.DetectFormat(l)
			e, ok := p.ParseLine(l, 0, format)
			if !ok {
				fmt.Printf("%-8s %s\n", "?", l)
				continue
			}
			status := "-"
			if e.Status != nil {
				status = fmt.Sprint(*e.Status)
			}
			fmt.Printf("%-8s %s %-15s %-6s %s %s\n", format.Name, e.Timestamp.Local().Format(time.DateTime), e.ClientIP, e.Method, status, e.Path)
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 0, "行数（默认 monitor.watch.tail_lines）")
	tailCmd.Flags().BoolVar(&tailParsed, "parse", false, "显示解析后的字段")
	rootCmd.AddCommand(tailCmd)
}
