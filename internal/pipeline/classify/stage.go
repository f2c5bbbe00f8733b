package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/coord"
	"github.com/tenderops/classipipe/internal/infra/enrich"
	"github.com/tenderops/classipipe/internal/pipeline/claimer"
	"github.com/tenderops/classipipe/internal/pipeline/executor"
	"github.com/tenderops/classipipe/internal/pipeline/metrics"
)

// StageConfig holds per-stage worker configuration.
type StageConfig struct {
	// Stage is 1 (coarse grouping) or 2 (final code).
	Stage int
	// BatchSize is the number of records claimed per batch.
	BatchSize int
	// Lease is the claim lease; heartbeats extend it while a batch is in flight.
	Lease time.Duration
	// IdleWait is the sleep when no records are claimable.
	IdleWait time.Duration
	// ErrorWait is the sleep after a batch-level failure.
	ErrorWait time.Duration
}

// Stage runs one classification stage: claim a batch, call the enrichment
// service through the executor, map per-record results, release.
type Stage struct {
	cfg      StageConfig
	workerID string
	claimer  *claimer.Claimer
	exec     *executor.Executor
	coord    coord.Store
	log      *slog.Logger
}

// New creates a stage worker.
func New(
	cfg StageConfig,
	workerID string,
	cl *claimer.Claimer,
	exec *executor.Executor,
	cs coord.Store,
	log *slog.Logger,
) (*Stage, error) {
	if cfg.Stage != 1 && cfg.Stage != 2 {
		return nil, fmt.Errorf("unknown stage %d", cfg.Stage)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 10 * time.Second
	}
	if cfg.ErrorWait <= 0 {
		cfg.ErrorWait = 5 * time.Second
	}
	return &Stage{
		cfg:      cfg,
		workerID: workerID,
		claimer:  cl,
		exec:     exec,
		coord:    cs,
		log:      log.With("component", "classify", "stage", cfg.Stage, "worker_id", workerID),
	}, nil
}

func (s *Stage) fromStatus() domain.Status {
	if s.cfg.Stage == 2 {
		return domain.StatusClassified
	}
	return domain.StatusPending
}

func (s *Stage) mode() enrich.Mode {
	if s.cfg.Stage == 2 {
		return enrich.ModeFine
	}
	return enrich.ModeCoarse
}

func (s *Stage) stageLabel() string {
	return fmt.Sprintf("stage%d", s.cfg.Stage)
}

// Run processes batches until the context ends.
func (s *Stage) Run(ctx context.Context) error {
	s.log.Info("stage worker started", "batch_size", s.cfg.BatchSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.ProcessOne(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, claimer.ErrNoPending):
			if err := sleepCtx(ctx, s.cfg.IdleWait); err != nil {
				return err
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			s.log.Error("batch failed", "error", err)
			if err := sleepCtx(ctx, s.cfg.ErrorWait); err != nil {
				return err
			}
		}
	}
}

// ProcessOne claims and processes a single batch. Returns claimer.ErrNoPending
// when nothing is claimable.
func (s *Stage) ProcessOne(ctx context.Context) error {
	if _, err := s.claimer.RecoverExpired(ctx); err != nil {
		s.log.Warn("expired-claim recovery failed", "error", err)
	}

	batch, err := s.claimer.Claim(ctx, s.fromStatus(), s.cfg.BatchSize, s.cfg.Lease, s.workerID)
	if err != nil {
		return err
	}
	metrics.BatchesClaimed.WithLabelValues(s.stageLabel()).Inc()
	s.log.Debug("batch claimed", "batch_id", batch.BatchID, "size", len(batch.Records))

	// Keep the lease alive while the service call is in flight.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(hbCtx, batch)

	items := make([]enrich.Item, len(batch.Records))
	for i, rec := range batch.Records {
		items[i] = enrich.Item{ID: rec.ID, Title: rec.Title}
		if s.cfg.Stage == 2 {
			items[i].Groups = rec.Groups
		}
	}

	results, err := s.exec.Execute(ctx, s.mode(), items)
	stopHeartbeat()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown is not an outcome; hand the records back untouched.
			if reqErr := s.claimer.Requeue(context.Background(), batch); reqErr != nil {
				s.log.Warn("requeue on shutdown failed", "batch_id", batch.BatchID, "error", reqErr)
			}
			return err
		}
		return s.failBatch(ctx, batch, err)
	}

	updates, requeueIDs := s.mapResults(batch, results)
	if err := s.claimer.Release(ctx, batch, updates, requeueIDs); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}

	s.recordOutcomes(ctx, updates, requeueIDs)
	return nil
}

// failBatch marks every record in the batch failed with the error text
// preserved verbatim.
func (s *Stage) failBatch(ctx context.Context, batch *claimer.Batch, cause error) error {
	updates := make([]domain.StatusUpdate, len(batch.Records))
	for i, rec := range batch.Records {
		updates[i] = domain.StatusUpdate{
			ID:           rec.ID,
			Status:       domain.StatusFailed,
			ErrorMessage: cause.Error(),
		}
	}
	if err := s.claimer.Release(ctx, batch, updates, nil); err != nil {
		return fmt.Errorf("release failed batch: %w", err)
	}
	s.recordOutcomes(ctx, updates, nil)
	return fmt.Errorf("batch %s failed: %w", batch.BatchID, cause)
}

// mapResults converts service results into per-record outcomes. Records the
// service did not answer for are requeued, not failed.
func (s *Stage) mapResults(batch *claimer.Batch, results []enrich.Result) ([]domain.StatusUpdate, []string) {
	byID := make(map[string]enrich.Result, len(results))
	for _, res := range results {
		byID[res.ID] = res
	}

	var updates []domain.StatusUpdate
	var requeueIDs []string

	for _, rec := range batch.Records {
		res, ok := byID[rec.ID]
		if !ok {
			requeueIDs = append(requeueIDs, rec.ID)
			continue
		}
		if res.Error != "" {
			updates = append(updates, domain.StatusUpdate{
				ID:           rec.ID,
				Status:       domain.StatusFailed,
				ErrorMessage: res.Error,
			})
			continue
		}

		if s.cfg.Stage == 2 {
			if res.Code == "" {
				updates = append(updates, domain.StatusUpdate{
					ID:           rec.ID,
					Status:       domain.StatusFailed,
					ErrorMessage: "no final code matched",
				})
				continue
			}
			updates = append(updates, domain.StatusUpdate{
				ID:        rec.ID,
				Status:    domain.StatusFinalized,
				FinalCode: res.Code,
				FinalName: res.Name,
			})
			continue
		}

		if len(res.Groups) > 0 {
			updates = append(updates, domain.StatusUpdate{
				ID:     rec.ID,
				Status: domain.StatusClassified,
				Groups: res.Groups,
			})
		} else {
			updates = append(updates, domain.StatusUpdate{
				ID:     rec.ID,
				Status: domain.StatusNoneClassified,
				Groups: []string{},
			})
		}
	}

	return updates, requeueIDs
}

func (s *Stage) recordOutcomes(ctx context.Context, updates []domain.StatusUpdate, requeueIDs []string) {
	for _, u := range updates {
		metrics.RecordsClassified.WithLabelValues(s.stageLabel(), string(u.Status)).Inc()
		stat := s.stageLabel() + ":" + string(u.Status)
		if err := s.coord.IncrStat(ctx, stat, 1); err != nil {
			s.log.Warn("failed to increment stat", "stat", stat, "error", err)
		}
	}
	if len(requeueIDs) > 0 {
		metrics.RecordsRequeued.WithLabelValues(s.stageLabel(), "unanswered").
			Add(float64(len(requeueIDs)))
	}
}

// heartbeat extends the batch lease at a third of its duration until stopped.
func (s *Stage) heartbeat(ctx context.Context, batch *claimer.Batch) {
	interval := batch.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.claimer.Heartbeat(ctx, batch); err != nil {
				s.log.Warn("heartbeat failed", "batch_id", batch.BatchID, "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
