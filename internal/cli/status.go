package cli

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tenderops/classipipe/internal/control"
	"github.com/tenderops/classipipe/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record counts per status and per source collection",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}
	ctx := cmd.Context()

	counts, err := app.Records().CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to query status counts", "error", err)
		os.Exit(1)
	}
	collections, err := app.Records().CollectionCounts(ctx)
	if err != nil {
		slog.Error("Failed to query collection counts", "error", err)
		os.Exit(1)
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT\tPERCENT")

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		n := counts[domain.Status(status)]
		pct := 0.0
		if total > 0 {
			pct = float64(n) / float64(total) * 100
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.2f%%\n", status, n, pct)
	}
	_, _ = fmt.Fprintf(w, "total\t%d\t\n", total)
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COLLECTION\tCOUNT")
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", name, collections[name])
	}
	_ = w.Flush()
}
