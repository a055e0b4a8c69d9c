package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tradewind/marketsync/internal/types"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(14)
	numberStyle = lipgloss.NewStyle().Bold(true)
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the store and queue supervision summary",
	Long: `Show a snapshot of the canonical store, queue depths and recent sync
runs.

Examples:
  msync status
  msync status --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStatistics(ctx)
		if err != nil {
			return runtimeErr(err)
		}
		runs, err := store.ListSyncRuns(ctx, types.RunFilter{Limit: 5})
		if err != nil {
			return runtimeErr(err)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"statistics":  stats,
				"recent_runs": runs,
			})
		}

		fmt.Println(titleStyle.Render("Store"))
		fmt.Printf("%s %s\n", labelStyle.Render("products"), numberStyle.Render(fmt.Sprint(stats.Products)))
		fmt.Printf("%s %s\n", labelStyle.Render("suppliers"), numberStyle.Render(fmt.Sprint(stats.Suppliers)))
		fmt.Printf("%s %s\n", labelStyle.Render("images"), numberStyle.Render(fmt.Sprint(stats.Images)))
		fmt.Printf("%s %s\n", labelStyle.Render("versions"), numberStyle.Render(fmt.Sprint(stats.Versions)))
		if len(stats.ProductsByStatus) > 0 {
			fmt.Printf("%s %s\n", labelStyle.Render("by status"), countLine(stats.ProductsByStatus))
		}
		if stats.LastCompletedRun != nil {
			fmt.Printf("%s %s\n", labelStyle.Render("last sync"), stats.LastCompletedRun.Local().Format(time.RFC822))
		}

		fmt.Println()
		fmt.Println(titleStyle.Render("Queues"))
		for _, q := range types.AllQueues() {
			fmt.Printf("%s %s\n", labelStyle.Render(q), numberStyle.Render(fmt.Sprint(stats.QueueDepths[q])))
		}

		if len(runs) > 0 {
			fmt.Println()
			fmt.Println(titleStyle.Render("Recent runs"))
			for _, run := range runs {
				status := okStyle.Render(string(run.Status))
				if run.Status == types.RunFailed {
					status = badStyle.Render(string(run.Status))
				}
				fmt.Printf("  %s  %-14s %-9s %3.0f%%  ok=%d fail=%d skip=%d\n",
					run.TaskID[:8], run.TaskName, status, run.Progress,
					run.Counters.Success, run.Counters.Failed, run.Counters.Skipped)
				for _, rec := range run.Recommendations {
					fmt.Printf("      %s\n", badStyle.Render("! "+rec))
				}
			}
		}
		return nil
	},
}

func countLine(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
	rootCmd.AddCommand(statusCmd)
}
