// Package localstore is the terminal's durable sqlite store: the cached
// catalog, the offline sale queue and a small key/value meta table.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freshfare/freshfare-pos/internal/platform/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - initial layout
// 2 - resume checkpoint columns on offline_sales
const schemaVersion = 2

// Index names accepted by the *ByIndex queries.
const (
	IndexByName      = "by_name"
	IndexByCategory  = "by_category"
	IndexByBarcode   = "by_barcode"
	IndexByStatus    = "by_status"
	IndexByCreatedAt = "by_created_at"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrUnknownIndex reports an index name the queried collection lacks.
	ErrUnknownIndex = errors.New("localstore: unknown index")
	// ErrSaleNotFound reports a missing offline sale.
	ErrSaleNotFound = errors.New("localstore: sale not found")
)

// Store is the sqlite-backed local store.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens the store at path and brings its schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithLogger(ctx, path, nil)
}

// OpenWithLogger is Open with the logger that reports quarantined sales.
func OpenWithLogger(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	version, err := sqlite.UserVersion(ctx, db)
	if err != nil {
		return err
	}
	if version == 1 {
		// v1 files predate the resume checkpoint.
		for _, stmt := range []string{
			"ALTER TABLE offline_sales ADD COLUMN remote_sale_id TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE offline_sales ADD COLUMN items_created INTEGER NOT NULL DEFAULT 0",
			"ALTER TABLE offline_sales ADD COLUMN lines_applied INTEGER NOT NULL DEFAULT 0",
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("localstore: migrate to v2: %w", err)
			}
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("localstore: apply schema: %w", err)
	}
	if version != schemaVersion {
		return sqlite.SetUserVersion(ctx, db, schemaVersion)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
