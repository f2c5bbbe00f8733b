package claimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/storage/memory"
)

func newTestClaimer(t *testing.T, pending int) (*Claimer, *memory.MemoryStorage, *memory.RecordRepo) {
	t.Helper()
	store := memory.NewMemoryStorage()
	records := memory.NewRecordRepo(store)

	recs := make([]*domain.Record, pending)
	for i := range recs {
		recs[i] = &domain.Record{
			ID:               fmt.Sprintf("rec-%03d", i),
			SourceCollection: "products",
			SourceID:         fmt.Sprintf("src-%03d", i),
			Title:            fmt.Sprintf("item %d", i),
			CreatedAt:        time.Unix(int64(i), 0),
		}
	}
	if _, err := records.UpsertBatch(context.Background(), recs); err != nil {
		t.Fatalf("Failed to seed records: %v", err)
	}

	cl := New(records, memory.NewCoordStore(store), slog.Default())
	return cl, store, records
}

func TestClaim_LeasesUpToLimit(t *testing.T) {
	cl, _, records := newTestClaimer(t, 10)
	ctx := context.Background()

	batch, err := cl.Claim(ctx, domain.StatusPending, 4, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(batch.Records) != 4 {
		t.Fatalf("Expected 4 records, got %d", len(batch.Records))
	}

	for _, rec := range batch.Records {
		got, err := records.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != domain.StatusProcessing {
			t.Errorf("Record %s status = %s, want processing", rec.ID, got.Status)
		}
		if got.BatchID != batch.BatchID || got.WorkerID != "w1" {
			t.Errorf("Record %s not stamped with batch/worker", rec.ID)
		}
	}
}

func TestClaim_NoPending(t *testing.T) {
	cl, _, _ := newTestClaimer(t, 0)

	_, err := cl.Claim(context.Background(), domain.StatusPending, 4, time.Minute, "w1")
	if !errors.Is(err, ErrNoPending) {
		t.Fatalf("Expected ErrNoPending, got %v", err)
	}
}

func TestClaim_ConcurrentWorkersAreDisjoint(t *testing.T) {
	cl, _, _ := newTestClaimer(t, 40)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]string)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", w)
			for {
				batch, err := cl.Claim(ctx, domain.StatusPending, 5, time.Minute, workerID)
				if errors.Is(err, ErrNoPending) {
					return
				}
				if err != nil {
					t.Errorf("Claim failed: %v", err)
					return
				}
				mu.Lock()
				for _, rec := range batch.Records {
					if prev, dup := seen[rec.ID]; dup {
						t.Errorf("Record %s claimed by both %s and %s", rec.ID, prev, workerID)
					}
					seen[rec.ID] = workerID
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Errorf("Expected all 40 records claimed exactly once, got %d", len(seen))
	}
}

func TestRelease_AppliesOutcomesAndRequeues(t *testing.T) {
	cl, _, records := newTestClaimer(t, 3)
	ctx := context.Background()

	batch, err := cl.Claim(ctx, domain.StatusPending, 3, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	ids := batch.IDs()

	updates := []domain.StatusUpdate{
		{ID: ids[0], Status: domain.StatusClassified, Groups: []string{"toys"}},
		{ID: ids[1], Status: domain.StatusFailed, ErrorMessage: "service said no"},
	}
	if err := cl.Release(ctx, batch, updates, []string{ids[2]}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	assertStatus(t, records, ids[0], domain.StatusClassified)
	assertStatus(t, records, ids[1], domain.StatusFailed)
	assertStatus(t, records, ids[2], domain.StatusPending)

	rec, _ := records.Get(ctx, ids[1])
	if rec.ErrorMessage != "service said no" {
		t.Errorf("Error message = %q, want verbatim text", rec.ErrorMessage)
	}

	// All claims released; records are claimable again where applicable.
	batch2, err := cl.Claim(ctx, domain.StatusPending, 3, time.Minute, "w2")
	if err != nil {
		t.Fatalf("Claim after release failed: %v", err)
	}
	if len(batch2.Records) != 1 || batch2.Records[0].ID != ids[2] {
		t.Errorf("Expected only the requeued record to be claimable, got %v", batch2.IDs())
	}
}

func TestClaim_StageTwoOnlyClaimsClassified(t *testing.T) {
	cl, _, records := newTestClaimer(t, 2)
	ctx := context.Background()

	batch, err := cl.Claim(ctx, domain.StatusPending, 2, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	ids := batch.IDs()
	updates := []domain.StatusUpdate{
		{ID: ids[0], Status: domain.StatusClassified, Groups: []string{"garden"}},
		{ID: ids[1], Status: domain.StatusNoneClassified, Groups: []string{}},
	}
	if err := cl.Release(ctx, batch, updates, nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	batch2, err := cl.Claim(ctx, domain.StatusClassified, 10, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Stage two claim failed: %v", err)
	}
	if len(batch2.Records) != 1 || batch2.Records[0].ID != ids[0] {
		t.Errorf("Expected only the classified record, got %v", batch2.IDs())
	}
	_ = records
}

func TestRecoverExpired_RequeuesByGroups(t *testing.T) {
	cl, store, records := newTestClaimer(t, 2)
	ctx := context.Background()

	batch, err := cl.Claim(ctx, domain.StatusPending, 2, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	ids := batch.IDs()

	// One record already carries groups from a prior stage one pass.
	if err := records.ApplyResults(ctx, batch.BatchID, []domain.StatusUpdate{
		{ID: ids[0], Status: domain.StatusProcessing, Groups: []string{"books"}},
	}); err != nil {
		t.Fatalf("ApplyResults failed: %v", err)
	}

	// Simulate the worker dying and the lease expiring.
	store.ExpireClaims(batch.BatchID)

	n, err := cl.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 recovered, got %d", n)
	}

	assertStatus(t, records, ids[0], domain.StatusClassified)
	assertStatus(t, records, ids[1], domain.StatusPending)
}

func TestRelease_StaleBatchCannotOverwriteReclaimedRecord(t *testing.T) {
	cl, store, records := newTestClaimer(t, 1)
	ctx := context.Background()

	stale, err := cl.Claim(ctx, domain.StatusPending, 1, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	id := stale.Records[0].ID

	// w1 stalls past its lease and the record is recovered.
	store.ExpireClaims(stale.BatchID)
	if _, err := cl.RecoverExpired(ctx); err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}

	// Another worker reclaims the record and finishes it.
	fresh, err := cl.Claim(ctx, domain.StatusPending, 1, time.Minute, "w2")
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if err := cl.Release(ctx, fresh, []domain.StatusUpdate{
		{ID: id, Status: domain.StatusFinalized, FinalCode: "1234", FinalName: "code 1234"},
	}, nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// w1 wakes up and releases its long-dead batch with a failure.
	if err := cl.Release(ctx, stale, []domain.StatusUpdate{
		{ID: id, Status: domain.StatusFailed, ErrorMessage: "retries exhausted after 4 attempts"},
	}, nil); err != nil {
		t.Fatalf("Stale release failed: %v", err)
	}

	rec, err := records.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.StatusFinalized || rec.FinalCode != "1234" {
		t.Errorf("Record = %s/%q, want the fresh outcome to survive the stale release", rec.Status, rec.FinalCode)
	}
	if rec.ErrorMessage != "" {
		t.Errorf("Error message = %q, want empty", rec.ErrorMessage)
	}

	// Same for a stale requeue: the record must stay terminal.
	if err := cl.Requeue(ctx, stale); err != nil {
		t.Fatalf("Stale requeue failed: %v", err)
	}
	assertStatus(t, records, id, domain.StatusFinalized)
}

func TestRecoverExpired_LeavesLiveClaimsAlone(t *testing.T) {
	cl, _, records := newTestClaimer(t, 2)
	ctx := context.Background()

	batch, err := cl.Claim(ctx, domain.StatusPending, 2, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	n, err := cl.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no recoveries while leases are live, got %d", n)
	}
	for _, id := range batch.IDs() {
		assertStatus(t, records, id, domain.StatusProcessing)
	}
}

func TestHeartbeat_KeepsLeaseAlive(t *testing.T) {
	cl, _, _ := newTestClaimer(t, 1)
	ctx := context.Background()

	batch, err := cl.Claim(ctx, domain.StatusPending, 1, 50*time.Millisecond, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if err := cl.Heartbeat(ctx, batch); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}

	n, err := cl.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Heartbeated lease should not be recovered, got %d", n)
	}
}

func assertStatus(t *testing.T, records *memory.RecordRepo, id string, want domain.Status) {
	t.Helper()
	rec, err := records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	if rec.Status != want {
		t.Errorf("Record %s status = %s, want %s", id, rec.Status, want)
	}
}
