package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/storage"
)

// RecordRepo implements storage.RecordRepository using PostgreSQL.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new PostgreSQL record repository.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

type recordRow struct {
	ID               string         `db:"id"`
	SourceCollection string         `db:"source_collection"`
	SourceID         string         `db:"source_id"`
	Title            string         `db:"title"`
	Groups           pq.StringArray `db:"class_groups"`
	FinalCode        string         `db:"final_code"`
	FinalName        string         `db:"final_name"`
	Status           string         `db:"status"`
	BatchID          string         `db:"batch_id"`
	WorkerID         string         `db:"worker_id"`
	ErrorMessage     string         `db:"error_message"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *recordRow) toDomain() *domain.Record {
	return &domain.Record{
		ID:               r.ID,
		SourceCollection: r.SourceCollection,
		SourceID:         r.SourceID,
		Title:            r.Title,
		Groups:           []string(r.Groups),
		FinalCode:        r.FinalCode,
		FinalName:        r.FinalName,
		Status:           domain.Status(r.Status),
		BatchID:          r.BatchID,
		WorkerID:         r.WorkerID,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const recordColumns = `id, source_collection, source_id, title, class_groups,
	final_code, final_name, status, batch_id, worker_id, error_message,
	created_at, updated_at`

// UpsertBatch inserts records, skipping rows whose (source_collection,
// source_id) already exists. Safe to replay the same window any number of times.
func (r *RecordRepo) UpsertBatch(ctx context.Context, records []*domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO records (id, source_collection, source_id, title, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_collection, source_id) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.SourceCollection,
			rec.SourceID,
			rec.Title,
			string(domain.StatusPending),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert record: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// CandidateIDs returns ids of records in the given status, oldest first.
func (r *RecordRepo) CandidateIDs(
	ctx context.Context,
	status domain.Status,
	limit int,
) ([]string, error) {
	query := `
		SELECT id FROM records
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	return ids, nil
}

// MarkProcessing moves records from `from` to processing and returns the ids
// actually moved. The status predicate skips records claimed stale candidates.
func (r *RecordRepo) MarkProcessing(
	ctx context.Context,
	ids []string,
	from domain.Status,
	batchID, workerID string,
) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE records
		SET status = $1, batch_id = $2, worker_id = $3, updated_at = now()
		WHERE id = ANY($4) AND status = $5
		RETURNING id
	`

	var moved []string
	err := r.db.SelectContext(ctx, &moved, query,
		string(domain.StatusProcessing),
		batchID,
		workerID,
		pq.Array(ids),
		string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark processing: %w", err)
	}
	return moved, nil
}

// ApplyResults writes per-record batch outcomes. A nil Groups slice leaves the
// stored groups untouched. The update is predicated on the record still being
// in processing under batchID: a release from a worker whose lease expired and
// whose records were reclaimed must not overwrite the new owner's outcome.
func (r *RecordRepo) ApplyResults(ctx context.Context, batchID string, updates []domain.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE records
		SET status = $1,
			class_groups = COALESCE($2, class_groups),
			final_code = CASE WHEN $3 <> '' THEN $3 ELSE final_code END,
			final_name = CASE WHEN $4 <> '' THEN $4 ELSE final_name END,
			error_message = $5,
			updated_at = now()
		WHERE id = $6 AND status = $7 AND batch_id = $8
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		var groups interface{}
		if u.Groups != nil {
			groups = pq.Array(u.Groups)
		}
		_, err := stmt.ExecContext(ctx,
			string(u.Status),
			groups,
			u.FinalCode,
			u.FinalName,
			u.ErrorMessage,
			u.ID,
			string(domain.StatusProcessing),
			batchID,
		)
		if err != nil {
			return fmt.Errorf("failed to apply result: %w", err)
		}
	}

	return tx.Commit()
}

// GetBatch retrieves the records with the given ids.
func (r *RecordRepo) GetBatch(ctx context.Context, ids []string) ([]*domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ANY($1)`

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	records := make([]*domain.Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toDomain())
	}
	return records, nil
}

// ProcessingIDs returns ids of all records currently in processing.
func (r *RecordRepo) ProcessingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	query := `SELECT id FROM records WHERE status = $1`
	if err := r.db.SelectContext(ctx, &ids, query, string(domain.StatusProcessing)); err != nil {
		return nil, fmt.Errorf("failed to select processing ids: %w", err)
	}
	return ids, nil
}

// Requeue reverts batchID's processing records back to a claimable status.
// Records already carrying coarse groups return to classified, the rest to
// pending. Records reclaimed under a newer batch are left alone.
func (r *RecordRepo) Requeue(ctx context.Context, batchID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE records
		SET status = CASE
				WHEN cardinality(class_groups) > 0 THEN $1
				ELSE $2
			END,
			batch_id = '', worker_id = '', updated_at = now()
		WHERE id = ANY($3) AND status = $4 AND batch_id = $5
	`

	_, err := r.db.ExecContext(ctx, query,
		string(domain.StatusClassified),
		string(domain.StatusPending),
		pq.Array(ids),
		string(domain.StatusProcessing),
		batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue records: %w", err)
	}
	return nil
}

// ResetFailed moves failed records back to pending, clearing prior output.
func (r *RecordRepo) ResetFailed(ctx context.Context) (int, error) {
	query := `
		UPDATE records
		SET status = $1, class_groups = '{}', final_code = '', final_name = '',
			error_message = '', batch_id = '', worker_id = '', updated_at = now()
		WHERE status = $2
	`

	res, err := r.db.ExecContext(ctx, query,
		string(domain.StatusPending),
		string(domain.StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Get retrieves a record by id.
func (r *RecordRepo) Get(ctx context.Context, id string) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = $1`

	var row recordRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toDomain(), nil
}

// CountByStatus returns record counts grouped by status.
func (r *RecordRepo) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	query := `SELECT status, COUNT(*) AS cnt FROM records GROUP BY status`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			Cnt    int64  `db:"cnt"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		counts[domain.Status(row.Status)] = row.Cnt
	}
	return counts, rows.Err()
}

// CollectionCounts returns record counts grouped by source collection.
func (r *RecordRepo) CollectionCounts(ctx context.Context) (map[string]int64, error) {
	query := `SELECT source_collection, COUNT(*) AS cnt FROM records GROUP BY source_collection`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count by collection: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var row struct {
			Collection string `db:"source_collection"`
			Cnt        int64  `db:"cnt"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		counts[row.Collection] = row.Cnt
	}
	return counts, rows.Err()
}

// ActiveWorkers reports, per worker, the records it holds in processing and
// the most recent touch.
func (r *RecordRepo) ActiveWorkers(ctx context.Context) ([]domain.WorkerActivity, error) {
	query := `
		SELECT worker_id, COUNT(*) AS processing, MAX(updated_at) AS last_seen
		FROM records
		WHERE status = $1 AND worker_id <> ''
		GROUP BY worker_id
		ORDER BY worker_id
	`

	var workers []domain.WorkerActivity
	if err := r.db.SelectContext(ctx, &workers, query, string(domain.StatusProcessing)); err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	return workers, nil
}

// Count returns the total number of records.
func (r *RecordRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM records`); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
