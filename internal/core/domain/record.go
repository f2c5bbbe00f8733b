package domain

import "time"

// Record is one product moving through migration and the two classification
// stages. Identified by (SourceCollection, SourceID), which is unique in the
// record store regardless of how many times migration re-reads a window.
type Record struct {
	ID               string    `db:"id"`
	SourceCollection string    `db:"source_collection"`
	SourceID         string    `db:"source_id"`
	Title            string    `db:"title"`
	Groups           []string  `db:"class_groups"` // coarse groups from stage one, ordered
	FinalCode        string    `db:"final_code"`   // final classification code from stage two
	FinalName        string    `db:"final_name"`
	Status           Status    `db:"status"`
	BatchID          string    `db:"batch_id"`  // batch that produced the current status
	WorkerID         string    `db:"worker_id"` // worker that last touched the record
	ErrorMessage     string    `db:"error_message"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// SourceItem is a record as read from the read-only source dataset.
type SourceItem struct {
	SourceID string `db:"id"`
	Title    string `db:"title"`
}

// WorkerActivity summarizes one worker's records currently in processing.
type WorkerActivity struct {
	WorkerID   string    `db:"worker_id"`
	Processing int64     `db:"processing"`
	LastSeen   time.Time `db:"last_seen"`
}

// StatusUpdate carries one record's outcome when a claimed batch is released.
type StatusUpdate struct {
	ID           string
	Status       Status
	Groups       []string
	FinalCode    string
	FinalName    string
	ErrorMessage string
}
