package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tenderops/classipipe/internal/core/domain"
)

// SourceConfig holds the read-only source dataset configuration. The source
// lives in its own database; Table is the collection holding the items.
type SourceConfig struct {
	URL   string `yaml:"url"`
	Table string `yaml:"table"`
}

// SourceRepo implements storage.SourceReader over a read-only PostgreSQL table.
// It never issues anything but SELECTs.
type SourceRepo struct {
	db    *sqlx.DB
	table string
}

// NewSourceRepo opens a connection to the source database.
func NewSourceRepo(ctx context.Context, cfg SourceConfig) (*SourceRepo, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return &SourceRepo{db: db, table: cfg.Table}, nil
}

// Close closes the source connection.
func (r *SourceRepo) Close() error {
	return r.db.Close()
}

// Collection returns the source collection name.
func (r *SourceRepo) Collection() string {
	return r.table
}

// Count returns the total number of items in the source.
func (r *SourceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)
	if err := r.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("failed to count source items: %w", err)
	}
	return n, nil
}

// ReadWindow returns up to limit items with ids strictly after afterID in
// ascending id order. An empty afterID reads from the beginning.
func (r *SourceRepo) ReadWindow(
	ctx context.Context,
	afterID string,
	limit int,
) ([]domain.SourceItem, error) {
	query := fmt.Sprintf(`
		SELECT id, title FROM %s
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, r.table)

	var items []domain.SourceItem
	if err := r.db.SelectContext(ctx, &items, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to read source window: %w", err)
	}
	return items, nil
}
