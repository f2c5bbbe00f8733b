package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tenderops/classipipe/internal/control"
)

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Move all failed records back to pending for reprocessing",
	Run:   runResetFailed,
}

func init() {
	rootCmd.AddCommand(resetFailedCmd)
}

func runResetFailed(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}

	n, err := app.Records().ResetFailed(context.Background())
	if err != nil {
		slog.Error("Failed to reset records", "error", err)
		os.Exit(1)
	}

	slog.Info("Failed records reset to pending", "count", n)
}
