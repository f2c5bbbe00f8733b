package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tenderops/classipipe/internal/control"
	"github.com/tenderops/classipipe/internal/infra/storage"
	"github.com/tenderops/classipipe/internal/pipeline/migrate"
)

var migrateResume bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a migration job from the source dataset",
	Long:  `Starts a new migration job, or with --resume picks up the active job, and runs it to completion in the foreground.`,
	Run:   runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateResume, "resume", false, "resume the active job instead of starting a new one")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, stopping migration...", "signal", sig)
		cancel()
	}()

	if migrateResume {
		if err := app.Migrator().RunActive(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	job, err := app.Migrator().Start(ctx)
	if errors.Is(err, storage.ErrJobAlreadyRunning) {
		slog.Error("A migration job is already active, use --resume to continue it")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to start migration", "error", err)
		os.Exit(1)
	}

	if err := app.Migrator().Run(ctx, job.JobID); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, migrate.ErrLockHeld) {
			slog.Error("Another process holds the migration lock")
		} else {
			slog.Error("Migration failed", "job_id", job.JobID, "error", err)
		}
		os.Exit(1)
	}
}
