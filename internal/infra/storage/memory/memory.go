package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/storage"
)

// MemoryStorage backs the in-memory repositories. Used by tests and as a
// fallback when no database DSN is configured.
type MemoryStorage struct {
	records map[string]*domain.Record
	jobs    map[string]*domain.MigrationJob
	claims  map[string]claim
	locks   map[string]lockEntry
	stats   map[string]int64
	mu      sync.RWMutex
}

type claim struct {
	batchID   string
	expiresAt time.Time
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*domain.Record),
		jobs:    make(map[string]*domain.MigrationJob),
		claims:  make(map[string]claim),
		locks:   make(map[string]lockEntry),
		stats:   make(map[string]int64),
	}
}

// -----------------------------------------------------------------------------
// Record Repository
// -----------------------------------------------------------------------------

type RecordRepo struct {
	store *MemoryStorage
}

func NewRecordRepo(store *MemoryStorage) *RecordRepo {
	return &RecordRepo{store: store}
}

func (r *RecordRepo) UpsertBatch(ctx context.Context, records []*domain.Record) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		if r.bySourceLocked(rec.SourceCollection, rec.SourceID) != nil {
			continue
		}
		cp := *rec
		cp.Status = domain.StatusPending
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		cp.UpdatedAt = cp.CreatedAt
		r.store.records[cp.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (r *RecordRepo) bySourceLocked(collection, sourceID string) *domain.Record {
	for _, rec := range r.store.records {
		if rec.SourceCollection == collection && rec.SourceID == sourceID {
			return rec
		}
	}
	return nil
}

func (r *RecordRepo) CandidateIDs(ctx context.Context, status domain.Status, limit int) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []*domain.Record
	for _, rec := range r.store.records {
		if rec.Status == status {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	ids := make([]string, 0, limit)
	for _, rec := range matched {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (r *RecordRepo) MarkProcessing(
	ctx context.Context,
	ids []string,
	from domain.Status,
	batchID, workerID string,
) ([]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var moved []string
	for _, id := range ids {
		rec, ok := r.store.records[id]
		if !ok || rec.Status != from {
			continue
		}
		rec.Status = domain.StatusProcessing
		rec.BatchID = batchID
		rec.WorkerID = workerID
		rec.UpdatedAt = time.Now()
		moved = append(moved, id)
	}
	return moved, nil
}

// ApplyResults writes batch outcomes, skipping records no longer in
// processing under batchID. A stale release after reclaim is a no-op.
func (r *RecordRepo) ApplyResults(ctx context.Context, batchID string, updates []domain.StatusUpdate) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, u := range updates {
		rec, ok := r.store.records[u.ID]
		if !ok || rec.Status != domain.StatusProcessing || rec.BatchID != batchID {
			continue
		}
		rec.Status = u.Status
		if u.Groups != nil {
			rec.Groups = append([]string(nil), u.Groups...)
		}
		if u.FinalCode != "" {
			rec.FinalCode = u.FinalCode
		}
		if u.FinalName != "" {
			rec.FinalName = u.FinalName
		}
		rec.ErrorMessage = u.ErrorMessage
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (r *RecordRepo) GetBatch(ctx context.Context, ids []string) ([]*domain.Record, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var records []*domain.Record
	for _, id := range ids {
		if rec, ok := r.store.records[id]; ok {
			cp := *rec
			records = append(records, &cp)
		}
	}
	return records, nil
}

func (r *RecordRepo) ProcessingIDs(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var ids []string
	for _, rec := range r.store.records {
		if rec.Status == domain.StatusProcessing {
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RecordRepo) Requeue(ctx context.Context, batchID string, ids []string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, id := range ids {
		rec, ok := r.store.records[id]
		if !ok || rec.Status != domain.StatusProcessing || rec.BatchID != batchID {
			continue
		}
		rec.Status = domain.RequeueTarget(rec.Groups)
		rec.BatchID = ""
		rec.WorkerID = ""
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (r *RecordRepo) ResetFailed(ctx context.Context) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	reset := 0
	for _, rec := range r.store.records {
		if rec.Status != domain.StatusFailed {
			continue
		}
		rec.Status = domain.StatusPending
		rec.Groups = nil
		rec.FinalCode = ""
		rec.FinalName = ""
		rec.ErrorMessage = ""
		rec.BatchID = ""
		rec.WorkerID = ""
		rec.UpdatedAt = time.Now()
		reset++
	}
	return reset, nil
}

func (r *RecordRepo) Get(ctx context.Context, id string) (*domain.Record, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.records[id]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *RecordRepo) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.Status]int64)
	for _, rec := range r.store.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (r *RecordRepo) CollectionCounts(ctx context.Context) (map[string]int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[string]int64)
	for _, rec := range r.store.records {
		counts[rec.SourceCollection]++
	}
	return counts, nil
}

func (r *RecordRepo) ActiveWorkers(ctx context.Context) ([]domain.WorkerActivity, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	byWorker := make(map[string]*domain.WorkerActivity)
	for _, rec := range r.store.records {
		if rec.Status != domain.StatusProcessing || rec.WorkerID == "" {
			continue
		}
		w, ok := byWorker[rec.WorkerID]
		if !ok {
			w = &domain.WorkerActivity{WorkerID: rec.WorkerID}
			byWorker[rec.WorkerID] = w
		}
		w.Processing++
		if rec.UpdatedAt.After(w.LastSeen) {
			w.LastSeen = rec.UpdatedAt
		}
	}
	workers := make([]domain.WorkerActivity, 0, len(byWorker))
	for _, w := range byWorker {
		workers = append(workers, *w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	return workers, nil
}

func (r *RecordRepo) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.records)), nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.MigrationJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, j := range r.store.jobs {
		if j.State.Active() {
			return storage.ErrJobAlreadyRunning
		}
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.store.jobs[cp.JobID] = &cp
	return nil
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*domain.MigrationJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	job, ok := r.store.jobs[jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *JobRepo) GetActive(ctx context.Context) (*domain.MigrationJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, job := range r.store.jobs {
		if job.State.Active() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, storage.ErrJobNotFound
}

func (r *JobRepo) UpdateProgress(ctx context.Context, jobID string, cursor string, migrated int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[jobID]
	if !ok {
		return storage.ErrJobNotFound
	}
	now := time.Now()
	job.Cursor = cursor
	job.MigratedRecords = migrated
	job.UpdatedAt = &now
	return nil
}

func (r *JobRepo) SetState(ctx context.Context, jobID string, state domain.JobState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[jobID]
	if !ok {
		return storage.ErrJobNotFound
	}
	if !domain.CanTransitionJob(job.State, state) {
		return domain.ErrInvalidTransition
	}
	now := time.Now()
	job.State = state
	job.UpdatedAt = &now
	if state == domain.JobStateCompleted {
		job.CompletedAt = &now
	}
	return nil
}

// -----------------------------------------------------------------------------
// Source Reader
// -----------------------------------------------------------------------------

// SourceReader serves a fixed item list, sorted by id.
type SourceReader struct {
	collection string
	items      []domain.SourceItem
}

func NewSourceReader(collection string, items []domain.SourceItem) *SourceReader {
	sorted := append([]domain.SourceItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })
	return &SourceReader{collection: collection, items: sorted}
}

func (r *SourceReader) Collection() string {
	return r.collection
}

func (r *SourceReader) Count(ctx context.Context) (int64, error) {
	return int64(len(r.items)), nil
}

func (r *SourceReader) ReadWindow(ctx context.Context, afterID string, limit int) ([]domain.SourceItem, error) {
	var window []domain.SourceItem
	for _, item := range r.items {
		if item.SourceID <= afterID && afterID != "" {
			continue
		}
		window = append(window, item)
		if len(window) >= limit {
			break
		}
	}
	return window, nil
}

// -----------------------------------------------------------------------------
// Coordination Store
// -----------------------------------------------------------------------------

// CoordStore implements the coordination interface in memory. Claim runs under
// one mutex acquisition, giving the same atomicity as the Lua script. Each
// store instance carries its own lock owner id, so locks behave like their
// Redis counterparts across instances sharing one MemoryStorage.
type CoordStore struct {
	store *MemoryStorage
	id    string
}

func NewCoordStore(store *MemoryStorage) *CoordStore {
	return &CoordStore{store: store, id: uuid.NewString()}
}

func (c *CoordStore) Claim(
	ctx context.Context,
	batchID, workerID string,
	candidates []string,
	limit int,
	lease time.Duration,
) ([]string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	now := time.Now()
	var claimed []string
	for _, id := range candidates {
		if len(claimed) >= limit {
			break
		}
		if cl, ok := c.store.claims[id]; ok && cl.expiresAt.After(now) {
			continue
		}
		c.store.claims[id] = claim{batchID: batchID, expiresAt: now.Add(lease)}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (c *CoordStore) Release(ctx context.Context, batchID string, ids []string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, id := range ids {
		if cl, ok := c.store.claims[id]; ok && cl.batchID == batchID {
			delete(c.store.claims, id)
		}
	}
	return nil
}

func (c *CoordStore) ExtendLease(ctx context.Context, batchID string, ids []string, lease time.Duration) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if cl, ok := c.store.claims[id]; ok && cl.batchID == batchID && cl.expiresAt.After(now) {
			cl.expiresAt = now.Add(lease)
			c.store.claims[id] = cl
		}
	}
	return nil
}

func (c *CoordStore) Claimed(ctx context.Context, id string) (bool, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	cl, ok := c.store.claims[id]
	return ok && cl.expiresAt.After(time.Now()), nil
}

func (c *CoordStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	now := time.Now()
	if l, ok := c.store.locks[name]; ok && l.expiresAt.After(now) {
		return false, nil
	}
	c.store.locks[name] = lockEntry{owner: c.id, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *CoordStore) RefreshLock(ctx context.Context, name string, ttl time.Duration) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if l, ok := c.store.locks[name]; ok && l.owner == c.id {
		l.expiresAt = time.Now().Add(ttl)
		c.store.locks[name] = l
	}
	return nil
}

func (c *CoordStore) ReleaseLock(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if l, ok := c.store.locks[name]; ok && l.owner == c.id {
		delete(c.store.locks, name)
	}
	return nil
}

func (c *CoordStore) IncrStat(ctx context.Context, name string, delta int64) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.stats[name] += delta
	return nil
}

func (c *CoordStore) Stats(ctx context.Context) (map[string]int64, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	stats := make(map[string]int64, len(c.store.stats))
	for k, v := range c.store.stats {
		stats[k] = v
	}
	return stats, nil
}

func (c *CoordStore) Close() error { return nil }

// ExpireClaims drops all claims owned by batchID regardless of expiry. Test
// helper simulating lease expiry without waiting.
func (s *MemoryStorage) ExpireClaims(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cl := range s.claims {
		if cl.batchID == batchID {
			delete(s.claims, id)
		}
	}
}
