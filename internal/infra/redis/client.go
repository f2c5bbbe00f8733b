package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store implements the coordination store on Redis. Claims are plain keys with
// a TTL equal to the lease duration; claiming runs as a single Lua script so
// racing workers can never receive overlapping batches. Locks are keyed by the
// store instance's id, so refresh and release only act on locks this instance
// still holds.
type Store struct {
	rdb *redis.Client
	id  string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewStore creates a new Redis-backed coordination store.
func NewStore(cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{rdb: rdb, id: uuid.NewString()}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key helpers
func claimKey(id string) string {
	return fmt.Sprintf("claim:%s", id)
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func statKey(name string) string {
	return fmt.Sprintf("stats:%s", name)
}

// claimScript claims up to ARGV[1] of KEYS for batch ARGV[2] with a lease of
// ARGV[3] milliseconds, skipping keys that already hold a live claim.
var claimScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local batch = ARGV[2]
local lease = tonumber(ARGV[3])
local claimed = {}
for _, key in ipairs(KEYS) do
  if #claimed >= limit then break end
  if redis.call('SET', key, batch, 'NX', 'PX', lease) then
    claimed[#claimed+1] = key
  end
end
return claimed
`)

// releaseScript deletes each of KEYS whose value still equals ARGV[1], so a
// caller can only ever release keys it still owns.
var releaseScript = redis.NewScript(`
local removed = 0
for _, key in ipairs(KEYS) do
  if redis.call('GET', key) == ARGV[1] then
    redis.call('DEL', key)
    removed = removed + 1
  end
end
return removed
`)

// extendScript pushes the expiry of each of KEYS still owned by ARGV[1] out to
// ARGV[2] milliseconds.
var extendScript = redis.NewScript(`
local extended = 0
for _, key in ipairs(KEYS) do
  if redis.call('GET', key) == ARGV[1] then
    redis.call('PEXPIRE', key, ARGV[2])
    extended = extended + 1
  end
end
return extended
`)

// Claim atomically claims up to limit unclaimed candidate ids for batchID.
// Returns the claimed ids in candidate order.
func (s *Store) Claim(
	ctx context.Context,
	batchID, workerID string,
	candidates []string,
	limit int,
	lease time.Duration,
) ([]string, error) {
	if len(candidates) == 0 || limit <= 0 {
		return nil, nil
	}

	keys := make([]string, len(candidates))
	for i, id := range candidates {
		keys[i] = claimKey(id)
	}

	res, err := claimScript.Run(ctx, s.rdb, keys, limit, batchID, lease.Milliseconds()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim script failed: %w", err)
	}

	_ = workerID // the worker is recorded on the record rows, not in the claim

	claimed := make([]string, 0, len(res))
	for _, key := range res {
		claimed = append(claimed, strings.TrimPrefix(key, "claim:"))
	}
	return claimed, nil
}

// Release clears the claims on ids still owned by batchID.
func (s *Store) Release(ctx context.Context, batchID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = claimKey(id)
	}
	if err := releaseScript.Run(ctx, s.rdb, keys, batchID).Err(); err != nil {
		return fmt.Errorf("release script failed: %w", err)
	}
	return nil
}

// ExtendLease refreshes the lease on ids still owned by batchID.
func (s *Store) ExtendLease(ctx context.Context, batchID string, ids []string, lease time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = claimKey(id)
	}
	if err := extendScript.Run(ctx, s.rdb, keys, batchID, lease.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("extend script failed: %w", err)
	}
	return nil
}

// Claimed reports whether a live claim exists for the id.
func (s *Store) Claimed(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, claimKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}

// AcquireLock attempts to acquire a named processing lock. The lock value is
// this instance's id; a holder whose TTL lapsed cannot touch a successor's lock.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(name), s.id, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// RefreshLock extends the TTL of a lock still held by this instance.
func (s *Store) RefreshLock(ctx context.Context, name string, ttl time.Duration) error {
	if err := extendScript.Run(ctx, s.rdb, []string{lockKey(name)}, s.id, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("refresh lock failed: %w", err)
	}
	return nil
}

// ReleaseLock releases a processing lock still held by this instance.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{lockKey(name)}, s.id).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}

// IncrStat increments a shared statistics counter.
func (s *Store) IncrStat(ctx context.Context, name string, delta int64) error {
	return s.rdb.IncrBy(ctx, statKey(name), delta).Err()
}

// Stats returns all shared statistics counters.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	keys, err := s.rdb.Keys(ctx, "stats:*").Result()
	if err != nil {
		return nil, fmt.Errorf("keys failed: %w", err)
	}
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	stats := make(map[string]int64, len(keys))
	for i, key := range keys {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats[strings.TrimPrefix(key, "stats:")] = v
		}
	}
	return stats, nil
}
