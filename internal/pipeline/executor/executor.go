package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tenderops/classipipe/internal/infra/enrich"
	"github.com/tenderops/classipipe/internal/pipeline/metrics"
)

// Config holds retry and pacing configuration for enrichment calls.
type Config struct {
	// MinInterval is the minimum gap between consecutive service calls made
	// through this executor.
	MinInterval time.Duration
	// RetryDelay is the constant wait before retrying a failed call.
	RetryDelay time.Duration
	// MaxRetries bounds transient-failure retries. A call gets MaxRetries+1
	// transient attempts before its error is returned.
	MaxRetries int
}

// Executor paces and retries enrichment service calls. Transient failures are
// retried up to the configured budget; rate limit rejections are retried
// without limit and never consume the budget; permanent errors return at once.
type Executor struct {
	cfg        Config
	classifier enrich.Classifier
	log        *slog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// New creates an executor wrapping the given classifier.
func New(cfg Config, classifier enrich.Classifier, log *slog.Logger) *Executor {
	return &Executor{
		cfg:        cfg,
		classifier: classifier,
		log:        log.With("component", "executor"),
	}
}

// Execute calls the enrichment service for a batch, honoring pacing and the
// retry budget. The returned error preserves the service's message verbatim.
func (e *Executor) Execute(
	ctx context.Context,
	mode enrich.Mode,
	items []enrich.Item,
) ([]enrich.Result, error) {
	if len(items) == 0 {
		return nil, nil
	}

	attempts := 0
	for {
		if err := e.pace(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		results, err := e.classifier.Classify(ctx, mode, items)
		metrics.EnrichmentLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.EnrichmentCalls.WithLabelValues(string(mode), "ok").Inc()
			return results, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if errors.Is(err, enrich.ErrRateLimited) {
			metrics.EnrichmentRateLimited.WithLabelValues(string(mode)).Inc()
			e.log.Warn("enrichment rate limited, backing off",
				"mode", mode,
				"delay", e.cfg.RetryDelay,
			)
			if err := sleepCtx(ctx, e.cfg.RetryDelay); err != nil {
				return nil, err
			}
			continue
		}

		if enrich.IsPermanent(err) {
			metrics.EnrichmentCalls.WithLabelValues(string(mode), "permanent").Inc()
			e.log.Error("enrichment call failed permanently", "mode", mode, "error", err)
			return nil, err
		}

		metrics.EnrichmentCalls.WithLabelValues(string(mode), "error").Inc()
		attempts++
		if attempts > e.cfg.MaxRetries {
			e.log.Error("enrichment retries exhausted",
				"mode", mode,
				"attempts", attempts,
				"error", err,
			)
			return nil, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
		}

		e.log.Warn("enrichment call failed, retrying",
			"mode", mode,
			"attempt", attempts,
			"max_retries", e.cfg.MaxRetries,
			"error", err,
		)
		if err := sleepCtx(ctx, e.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
}

// pace blocks until MinInterval has passed since the previous call. Callers
// sharing one executor are serialized against the same clock.
func (e *Executor) pace(ctx context.Context) error {
	e.mu.Lock()
	wait := time.Until(e.lastCall.Add(e.cfg.MinInterval))
	if wait > 0 {
		e.lastCall = e.lastCall.Add(e.cfg.MinInterval)
	} else {
		e.lastCall = time.Now()
	}
	e.mu.Unlock()

	if wait > 0 {
		return sleepCtx(ctx, wait)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
