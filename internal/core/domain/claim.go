package domain

import "time"

// BatchClaim is an ephemeral coordination record: an exclusive, leased right for
// one worker to process a set of records. It lives only in the coordination
// store and disappears on release or lease expiry.
type BatchClaim struct {
	BatchID   string
	WorkerID  string
	RecordIDs []string
	ExpiresAt time.Time
}
