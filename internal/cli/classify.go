package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tenderops/classipipe/internal/control"
)

var (
	classifyStage    int
	classifyWorkerID string
	classifyWorkers  int
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run classification stage workers",
	Long:  `Runs workers for one classification stage. Stage 1 assigns coarse groups to pending records; stage 2 assigns final codes to classified records.`,
	Run:   runClassify,
}

func init() {
	classifyCmd.Flags().IntVar(&classifyStage, "stage", 1, "classification stage to run (1 or 2)")
	classifyCmd.Flags().StringVar(&classifyWorkerID, "worker-id", "", "worker id (defaults to hostname plus a random suffix)")
	classifyCmd.Flags().IntVar(&classifyWorkers, "workers", 1, "number of worker loops in this process")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}

	if classifyWorkerID == "" {
		host, _ := os.Hostname()
		classifyWorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, stopping workers...", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < classifyWorkers; i++ {
		workerID := classifyWorkerID
		if classifyWorkers > 1 {
			workerID = fmt.Sprintf("%s-%d", classifyWorkerID, i)
		}

		stage, err := app.Stage(classifyStage, workerID)
		if err != nil {
			slog.Error("Failed to build stage worker", "error", err)
			os.Exit(1)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stage.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Stage worker stopped", "worker_id", workerID, "error", err)
			}
		}()
	}

	wg.Wait()
	slog.Info("All workers stopped")
}
