package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/enrich"
	"github.com/tenderops/classipipe/internal/infra/storage/memory"
	"github.com/tenderops/classipipe/internal/pipeline/claimer"
	"github.com/tenderops/classipipe/internal/pipeline/executor"
)

// fakeClassifier answers by record title. Titles it has no answer for are
// silently dropped from the results, like a service under partial outage.
type fakeClassifier struct {
	answers map[string]enrich.Result
	err     error
	calls   int
	gotMode enrich.Mode
}

func (f *fakeClassifier) Classify(ctx context.Context, mode enrich.Mode, items []enrich.Item) ([]enrich.Result, error) {
	f.calls++
	f.gotMode = mode
	if f.err != nil {
		return nil, f.err
	}
	var results []enrich.Result
	for _, item := range items {
		if res, ok := f.answers[item.Title]; ok {
			res.ID = item.ID
			results = append(results, res)
		}
	}
	return results, nil
}

type stageEnv struct {
	store   *memory.MemoryStorage
	records *memory.RecordRepo
	coord   *memory.CoordStore
	fake    *fakeClassifier
}

func newStage(t *testing.T, stageNum int, fake *fakeClassifier, titles ...string) (*Stage, *stageEnv) {
	t.Helper()
	store := memory.NewMemoryStorage()
	env := &stageEnv{
		store:   store,
		records: memory.NewRecordRepo(store),
		coord:   memory.NewCoordStore(store),
		fake:    fake,
	}

	recs := make([]*domain.Record, len(titles))
	for i, title := range titles {
		recs[i] = &domain.Record{
			ID:               fmt.Sprintf("rec-%03d", i),
			SourceCollection: "products",
			SourceID:         fmt.Sprintf("src-%03d", i),
			Title:            title,
			CreatedAt:        time.Unix(int64(i), 0),
		}
	}
	if _, err := env.records.UpsertBatch(context.Background(), recs); err != nil {
		t.Fatalf("Failed to seed records: %v", err)
	}

	exec := executor.New(executor.Config{
		MinInterval: time.Millisecond,
		RetryDelay:  time.Millisecond,
		MaxRetries:  2,
	}, fake, slog.Default())
	cl := claimer.New(env.records, env.coord, slog.Default())

	stage, err := New(StageConfig{
		Stage:     stageNum,
		BatchSize: 10,
		Lease:     time.Minute,
		IdleWait:  time.Millisecond,
		ErrorWait: time.Millisecond,
	}, "w1", cl, exec, env.coord, slog.Default())
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}
	return stage, env
}

func getRecord(t *testing.T, env *stageEnv, id string) *domain.Record {
	t.Helper()
	rec, err := env.records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	return rec
}

func TestProcessOne_StageOneOutcomes(t *testing.T) {
	fake := &fakeClassifier{answers: map[string]enrich.Result{
		"wireless headphones": {Groups: []string{"electronics", "audio"}},
		"unlabelable thing":   {},
		"cursed item":         {Error: "model refused: content policy"},
		// "forgotten item" gets no answer at all.
	}}
	stage, env := newStage(t, 1, fake,
		"wireless headphones", "unlabelable thing", "cursed item", "forgotten item")

	if err := stage.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if fake.gotMode != enrich.ModeCoarse {
		t.Errorf("Mode = %s, want coarse", fake.gotMode)
	}

	classified := getRecord(t, env, "rec-000")
	if classified.Status != domain.StatusClassified {
		t.Errorf("rec-000 status = %s, want classified", classified.Status)
	}
	if len(classified.Groups) != 2 || classified.Groups[0] != "electronics" {
		t.Errorf("rec-000 groups = %v", classified.Groups)
	}

	if got := getRecord(t, env, "rec-001").Status; got != domain.StatusNoneClassified {
		t.Errorf("rec-001 status = %s, want none_classified (present but empty)", got)
	}

	failed := getRecord(t, env, "rec-002")
	if failed.Status != domain.StatusFailed {
		t.Errorf("rec-002 status = %s, want failed", failed.Status)
	}
	if failed.ErrorMessage != "model refused: content policy" {
		t.Errorf("rec-002 error = %q, want verbatim service text", failed.ErrorMessage)
	}

	if got := getRecord(t, env, "rec-003").Status; got != domain.StatusPending {
		t.Errorf("rec-003 status = %s, want pending (unanswered records requeue)", got)
	}
}

func TestProcessOne_StageTwoOutcomes(t *testing.T) {
	fake := &fakeClassifier{answers: map[string]enrich.Result{
		"wireless headphones": {Code: "8518.30", Name: "Headphones and earphones"},
		"odd gadget":          {},
	}}
	stage, env := newStage(t, 2, fake, "wireless headphones", "odd gadget")
	ctx := context.Background()

	// Records enter stage two already carrying coarse groups.
	cl := claimer.New(env.records, env.coord, slog.Default())
	batch, err := cl.Claim(ctx, domain.StatusPending, 10, time.Minute, "seed")
	if err != nil {
		t.Fatalf("Seed claim failed: %v", err)
	}
	updates := make([]domain.StatusUpdate, len(batch.Records))
	for i, rec := range batch.Records {
		updates[i] = domain.StatusUpdate{
			ID:     rec.ID,
			Status: domain.StatusClassified,
			Groups: []string{"electronics"},
		}
	}
	if err := cl.Release(ctx, batch, updates, nil); err != nil {
		t.Fatalf("Seed release failed: %v", err)
	}

	if err := stage.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if fake.gotMode != enrich.ModeFine {
		t.Errorf("Mode = %s, want fine", fake.gotMode)
	}

	finalized := getRecord(t, env, "rec-000")
	if finalized.Status != domain.StatusFinalized {
		t.Errorf("rec-000 status = %s, want finalized", finalized.Status)
	}
	if finalized.FinalCode != "8518.30" || finalized.FinalName != "Headphones and earphones" {
		t.Errorf("rec-000 final = %s/%s", finalized.FinalCode, finalized.FinalName)
	}
	if len(finalized.Groups) != 1 {
		t.Errorf("rec-000 groups should survive finalization, got %v", finalized.Groups)
	}

	noCode := getRecord(t, env, "rec-001")
	if noCode.Status != domain.StatusFailed {
		t.Errorf("rec-001 status = %s, want failed", noCode.Status)
	}
	if noCode.ErrorMessage != "no final code matched" {
		t.Errorf("rec-001 error = %q", noCode.ErrorMessage)
	}
}

func TestProcessOne_CountersAreKeyedByStage(t *testing.T) {
	fake := &fakeClassifier{answers: map[string]enrich.Result{
		"a": {Groups: []string{"g"}},
		"b": {},
	}}
	stage, env := newStage(t, 1, fake, "a", "b")

	if err := stage.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}

	stats, err := env.coord.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["stage1:classified"] != 1 {
		t.Errorf("stage1:classified = %d, want 1; counters = %v", stats["stage1:classified"], stats)
	}
	if stats["stage1:none_classified"] != 1 {
		t.Errorf("stage1:none_classified = %d, want 1; counters = %v", stats["stage1:none_classified"], stats)
	}
	if _, ok := stats["classified"]; ok {
		t.Errorf("Counters must carry the stage prefix, got %v", stats)
	}
}

func TestProcessOne_NoPending(t *testing.T) {
	stage, _ := newStage(t, 1, &fakeClassifier{})

	err := stage.ProcessOne(context.Background())
	if !errors.Is(err, claimer.ErrNoPending) {
		t.Fatalf("Expected ErrNoPending, got %v", err)
	}
}

func TestProcessOne_ExhaustedRetriesFailBatchVerbatim(t *testing.T) {
	fake := &fakeClassifier{err: errors.New("http 502: upstream down")}
	stage, env := newStage(t, 1, fake, "a", "b")

	err := stage.ProcessOne(context.Background())
	if err == nil {
		t.Fatal("Expected batch failure")
	}
	// MaxRetries=2 in the test executor means three attempts.
	if fake.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", fake.calls)
	}

	for _, id := range []string{"rec-000", "rec-001"} {
		rec := getRecord(t, env, id)
		if rec.Status != domain.StatusFailed {
			t.Errorf("%s status = %s, want failed", id, rec.Status)
		}
		if rec.ErrorMessage == "" {
			t.Errorf("%s error message empty, want the cause preserved", id)
		}
	}
}

func TestProcessOne_PermanentErrorFailsBatchImmediately(t *testing.T) {
	fake := &fakeClassifier{err: enrich.Permanentf("http 400: bad request")}
	stage, env := newStage(t, 1, fake, "a")

	if err := stage.ProcessOne(context.Background()); err == nil {
		t.Fatal("Expected batch failure")
	}
	if fake.calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", fake.calls)
	}
	rec := getRecord(t, env, "rec-000")
	if rec.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if rec.ErrorMessage != "http 400: bad request" {
		t.Errorf("Error = %q, want verbatim text", rec.ErrorMessage)
	}
}

func TestProcessOne_CancelRequeuesInsteadOfFailing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeClassifier{err: enrich.ErrRateLimited}
	stage, env := newStage(t, 1, fake, "a")

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := stage.ProcessOne(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	rec := getRecord(t, env, "rec-000")
	if rec.Status != domain.StatusPending {
		t.Errorf("Status = %s, want pending (shutdown is not an outcome)", rec.Status)
	}
}

func TestProcessOne_RecoversExpiredClaimsFirst(t *testing.T) {
	fake := &fakeClassifier{answers: map[string]enrich.Result{
		"a": {Groups: []string{"g"}},
	}}
	stage, env := newStage(t, 1, fake, "a")
	ctx := context.Background()

	// A dead worker left the record in processing with an expired lease.
	cl := claimer.New(env.records, env.coord, slog.Default())
	batch, err := cl.Claim(ctx, domain.StatusPending, 1, time.Minute, "dead-worker")
	if err != nil {
		t.Fatalf("Seed claim failed: %v", err)
	}
	env.store.ExpireClaims(batch.BatchID)

	if err := stage.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}

	rec := getRecord(t, env, "rec-000")
	if rec.Status != domain.StatusClassified {
		t.Errorf("Status = %s, want classified (record recovered and processed)", rec.Status)
	}
}
