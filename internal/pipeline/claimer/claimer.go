package claimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/coord"
	"github.com/tenderops/classipipe/internal/infra/storage"
	"github.com/tenderops/classipipe/internal/pipeline/metrics"
)

// ErrNoPending is returned when no records are claimable in the requested status.
var ErrNoPending = errors.New("no claimable records")

// Batch is a leased, exclusively owned set of records.
type Batch struct {
	BatchID  string
	WorkerID string
	Records  []*domain.Record
	Lease    time.Duration
}

// IDs returns the record ids in the batch.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Records))
	for i, rec := range b.Records {
		ids[i] = rec.ID
	}
	return ids
}

// Claimer hands out exclusive leased batches of records. Exclusivity comes
// from the coordination store; the record store only reflects what was won
// there, so two claimers on the same candidates never overlap.
type Claimer struct {
	records storage.RecordRepository
	coord   coord.Store
	log     *slog.Logger
}

// New creates a claimer.
func New(records storage.RecordRepository, cs coord.Store, log *slog.Logger) *Claimer {
	return &Claimer{
		records: records,
		coord:   cs,
		log:     log.With("component", "claimer"),
	}
}

// Claim leases up to limit records in the given status for workerID. Candidate
// selection overscans so records claimed by a racing worker do not shrink the
// batch. Returns ErrNoPending when nothing is claimable.
func (c *Claimer) Claim(
	ctx context.Context,
	from domain.Status,
	limit int,
	lease time.Duration,
	workerID string,
) (*Batch, error) {
	candidates, err := c.records.CandidateIDs(ctx, from, limit*2)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoPending
	}

	batchID := uuid.NewString()

	claimed, err := c.coord.Claim(ctx, batchID, workerID, candidates, limit, lease)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(claimed) == 0 {
		return nil, ErrNoPending
	}

	moved, err := c.records.MarkProcessing(ctx, claimed, from, batchID, workerID)
	if err != nil {
		// Claims left behind expire with the lease.
		if relErr := c.coord.Release(ctx, batchID, claimed); relErr != nil {
			c.log.Warn("failed to release claims after error", "batch_id", batchID, "error", relErr)
		}
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	// Release claims on ids whose status moved underneath us; their claim
	// would otherwise block the record until the lease expires.
	if len(moved) < len(claimed) {
		stale := diff(claimed, moved)
		if err := c.coord.Release(ctx, batchID, stale); err != nil {
			c.log.Warn("failed to release stale claims", "batch_id", batchID, "error", err)
		}
	}

	if len(moved) == 0 {
		return nil, ErrNoPending
	}

	records, err := c.records.GetBatch(ctx, moved)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}

	return &Batch{
		BatchID:  batchID,
		WorkerID: workerID,
		Records:  records,
		Lease:    lease,
	}, nil
}

// Release finishes a batch: outcomes are written to the record store first,
// records without an outcome are requeued, and only then are the claims
// dropped. A crash in between leaves claims that simply expire. Both writes
// carry the batch id, so a release arriving after the lease expired and the
// records were reclaimed cannot overwrite the new owner's work.
func (c *Claimer) Release(
	ctx context.Context,
	batch *Batch,
	updates []domain.StatusUpdate,
	requeueIDs []string,
) error {
	if err := c.records.ApplyResults(ctx, batch.BatchID, updates); err != nil {
		return fmt.Errorf("apply results: %w", err)
	}
	if len(requeueIDs) > 0 {
		if err := c.records.Requeue(ctx, batch.BatchID, requeueIDs); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
	}
	if err := c.coord.Release(ctx, batch.BatchID, batch.IDs()); err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

// Requeue abandons a batch without outcomes, returning every record to its
// claimable status.
func (c *Claimer) Requeue(ctx context.Context, batch *Batch) error {
	return c.Release(ctx, batch, nil, batch.IDs())
}

// Heartbeat extends the batch lease while work is still in flight.
func (c *Claimer) Heartbeat(ctx context.Context, batch *Batch) error {
	return c.coord.ExtendLease(ctx, batch.BatchID, batch.IDs(), batch.Lease)
}

// RecoverExpired requeues processing records whose claim lease has expired,
// typically left behind by a crashed worker. Returns the number requeued.
func (c *Claimer) RecoverExpired(ctx context.Context) (int, error) {
	ids, err := c.records.ProcessingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}

	var stale []string
	for _, id := range ids {
		claimed, err := c.coord.Claimed(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("check claim: %w", err)
		}
		if !claimed {
			stale = append(stale, id)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}

	// Requeue per dead batch; a record reclaimed in the meantime carries a
	// newer batch id and is skipped.
	records, err := c.records.GetBatch(ctx, stale)
	if err != nil {
		return 0, fmt.Errorf("load stale records: %w", err)
	}
	byBatch := make(map[string][]string)
	for _, rec := range records {
		byBatch[rec.BatchID] = append(byBatch[rec.BatchID], rec.ID)
	}
	for batchID, batchIDs := range byBatch {
		if err := c.records.Requeue(ctx, batchID, batchIDs); err != nil {
			return 0, fmt.Errorf("requeue stale: %w", err)
		}
	}

	metrics.StuckRecordsRecovered.Add(float64(len(stale)))
	c.log.Info("recovered expired-claim records", "count", len(stale))
	return len(stale), nil
}

func diff(all, subset []string) []string {
	seen := make(map[string]struct{}, len(subset))
	for _, id := range subset {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range all {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
