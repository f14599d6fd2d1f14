package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freshfare/freshfare-pos/internal/offline"
)

const saleColumns = `id, created_at, status, attempt_count, last_error, payload,
	remote_sale_id, items_created, lines_applied, updated_at`

var saleIndexes = map[string]string{
	IndexByStatus:    "status",
	IndexByCreatedAt: "created_at",
}

// PutSale inserts the sale or replaces the stored copy with the same id.
// Replacing keeps the original insertion order.
func (s *Store) PutSale(ctx context.Context, sale offline.OfflineSale) error {
	if !sale.Status.Valid() {
		return fmt.Errorf("localstore: sale %s: unknown status %q", sale.ID, sale.Status)
	}
	payload, err := offline.EncodePayload(sale.Payload)
	if err != nil {
		return fmt.Errorf("localstore: encode sale %s: %w", sale.ID, err)
	}
	updated := sale.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO offline_sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			payload = excluded.payload,
			remote_sale_id = excluded.remote_sale_id,
			items_created = excluded.items_created,
			lines_applied = excluded.lines_applied,
			updated_at = excluded.updated_at`,
		sale.ID, formatTime(sale.CreatedAt), string(sale.Status), sale.AttemptCount, sale.LastError,
		string(payload), sale.RemoteSaleID, sale.ItemsCreated, sale.LinesApplied, formatTime(updated))
	if err != nil {
		return fmt.Errorf("localstore: put sale %s: %w", sale.ID, err)
	}
	return nil
}

// ClaimSale atomically moves a pending sale to syncing. ok is false when the
// sale is no longer pending, which means another pass claimed it first.
func (s *Store) ClaimSale(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE offline_sales SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(offline.StatusSyncing), formatTime(at), id, string(offline.StatusPending))
	if err != nil {
		return false, fmt.Errorf("localstore: claim sale %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("localstore: claim sale %s: %w", id, err)
	}
	return n == 1, nil
}

// GetSale returns the sale with id or ErrSaleNotFound.
func (s *Store) GetSale(ctx context.Context, id string) (offline.OfflineSale, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+saleColumns+" FROM offline_sales WHERE id = ?", id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.OfflineSale{}, fmt.Errorf("%w: %s", ErrSaleNotFound, id)
	}
	return sale, err
}

// AllSales returns every sale in insertion order.
func (s *Store) AllSales(ctx context.Context) ([]offline.OfflineSale, error) {
	return s.querySales(ctx, "SELECT "+saleColumns+" FROM offline_sales ORDER BY seq")
}

// SalesByIndex returns the sales whose indexed column equals value, in
// insertion order. An empty value returns all sales ordered by the index.
func (s *Store) SalesByIndex(ctx context.Context, index, value string) ([]offline.OfflineSale, error) {
	col, ok := saleIndexes[index]
	if !ok {
		return nil, fmt.Errorf("%w: offline_sales.%s", ErrUnknownIndex, index)
	}
	if value == "" {
		return s.querySales(ctx, "SELECT "+saleColumns+" FROM offline_sales ORDER BY "+col+", seq")
	}
	return s.querySales(ctx, "SELECT "+saleColumns+" FROM offline_sales WHERE "+col+" = ? ORDER BY seq", value)
}

// SalesByStatus is SalesByIndex over by_status.
func (s *Store) SalesByStatus(ctx context.Context, status offline.Status) ([]offline.OfflineSale, error) {
	return s.SalesByIndex(ctx, IndexByStatus, string(status))
}

// CountSales counts sales in status, or all sales when status is empty.
func (s *Store) CountSales(ctx context.Context, status offline.Status) (int, error) {
	var (
		n   int
		err error
	)
	if status == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_sales").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_sales WHERE status = ?", string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("localstore: count sales: %w", err)
	}
	return n, nil
}

// CountByStatus counts sales per status. Every status is present in the map.
func (s *Store) CountByStatus(ctx context.Context) (map[offline.Status]int, error) {
	counts := make(map[offline.Status]int, len(offline.Statuses))
	for _, st := range offline.Statuses {
		counts[st] = 0
	}
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM offline_sales GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("localstore: count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("localstore: scan count: %w", err)
		}
		counts[offline.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) querySales(ctx context.Context, query string, args ...any) ([]offline.OfflineSale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: query sales: %w", err)
	}
	defer rows.Close()

	sales := []offline.OfflineSale{}
	var corrupt []*PayloadError
	for rows.Next() {
		sale, err := scanSale(rows)
		var perr *PayloadError
		if errors.As(err, &perr) {
			corrupt = append(corrupt, perr)
			continue
		}
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: query sales: %w", err)
	}
	// The single connection is busy until the rows are closed.
	_ = rows.Close()
	for _, perr := range corrupt {
		s.quarantine(ctx, perr)
	}
	return sales, nil
}

// quarantine fails a queued sale whose payload cannot be decoded, so listings
// skip it and it never blocks the rest of the queue. Synced and failed rows
// are left as they are.
func (s *Store) quarantine(ctx context.Context, perr *PayloadError) {
	if perr.Status != offline.StatusPending && perr.Status != offline.StatusSyncing {
		return
	}
	res, err := s.db.ExecContext(ctx, `UPDATE offline_sales
		SET status = ?, last_error = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(offline.StatusFailed), perr.Error(), formatTime(s.now()), perr.ID, string(perr.Status))
	if err != nil {
		s.logger.Error("localstore: quarantine sale", slog.String("sale_id", perr.ID), slog.Any("error", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.logger.Error("localstore: undecodable sale payload, marked failed",
			slog.String("sale_id", perr.ID),
			slog.Any("error", perr.Err))
	}
}

// PayloadError reports a stored sale whose payload cannot be decoded.
type PayloadError struct {
	ID     string
	Status offline.Status
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("localstore: sale %s: %v", e.ID, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

type scanner interface {
	Scan(dest ...any) error
}

func scanSale(row scanner) (offline.OfflineSale, error) {
	var (
		sale             offline.OfflineSale
		created, updated string
		status, payload  string
	)
	err := row.Scan(&sale.ID, &created, &status, &sale.AttemptCount, &sale.LastError, &payload,
		&sale.RemoteSaleID, &sale.ItemsCreated, &sale.LinesApplied, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.OfflineSale{}, err
	}
	if err != nil {
		return offline.OfflineSale{}, fmt.Errorf("localstore: scan sale: %w", err)
	}
	sale.Status = offline.Status(status)
	if sale.CreatedAt, err = parseTime(created); err != nil {
		return offline.OfflineSale{}, fmt.Errorf("localstore: sale %s created_at: %w", sale.ID, err)
	}
	if sale.UpdatedAt, err = parseTime(updated); err != nil {
		return offline.OfflineSale{}, fmt.Errorf("localstore: sale %s updated_at: %w", sale.ID, err)
	}
	if sale.Payload, err = offline.DecodePayload([]byte(payload)); err != nil {
		return offline.OfflineSale{}, &PayloadError{ID: sale.ID, Status: sale.Status, Err: err}
	}
	return sale, nil
}
