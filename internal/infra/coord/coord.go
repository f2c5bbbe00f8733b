package coord

import (
	"context"
	"time"
)

// Store is the narrow coordination interface shared by every worker process.
// Implementations must make Claim atomic across concurrently racing callers:
// two workers may never claim the same key at the same time.
type Store interface {
	// Claim atomically marks up to limit of the candidate record ids as claimed
	// under batchID/workerID with the given lease, skipping ids that already
	// carry a live claim, and returns the claimed ids in candidate order.
	Claim(ctx context.Context, batchID, workerID string, candidates []string, limit int, lease time.Duration) ([]string, error)

	// Release clears the claims on the given ids, but only those still owned by
	// batchID. Safe to call after a lease already expired.
	Release(ctx context.Context, batchID string, ids []string) error

	// ExtendLease pushes out the expiry of the ids still owned by batchID.
	ExtendLease(ctx context.Context, batchID string, ids []string, lease time.Duration) error

	// Claimed reports whether a live claim exists for the id.
	Claimed(ctx context.Context, id string) (bool, error)

	// AcquireLock takes a named mutex with a TTL. Returns false when another
	// process holds it.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// RefreshLock extends the TTL of a held lock.
	RefreshLock(ctx context.Context, name string, ttl time.Duration) error

	// ReleaseLock releases a named mutex.
	ReleaseLock(ctx context.Context, name string) error

	// IncrStat increments a shared counter.
	IncrStat(ctx context.Context, name string, delta int64) error

	// Stats returns all shared counters.
	Stats(ctx context.Context) (map[string]int64, error)

	// Close releases the underlying connection.
	Close() error
}
