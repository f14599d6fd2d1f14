// Package postgres implements the backend on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freshfare/freshfare-pos/internal/backend"
	"github.com/freshfare/freshfare-pos/internal/catalog"
	"github.com/freshfare/freshfare-pos/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const clientRefConstraint = "sales_client_ref_key"

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ backend.Backend = (*Store)(nil)

// New constructs Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("backend/postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// classify tags transport failures with backend.ErrUnavailable: refused or
// dropped connections and requests that never reached the server. Timeouts
// stay unclassified and count as ordinary failures.
func classify(err error) error {
	if err == nil || errors.Is(err, backend.ErrUnavailable) {
		return err
	}
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || (errors.As(err, &netErr) && !netErr.Timeout()) {
		return fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
	}
	return err
}

// isUniqueViolation reports whether err is a unique violation, optionally on
// a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// ListActiveCategories implements backend.CatalogReader.
func (s *Store) ListActiveCategories(ctx context.Context) ([]catalog.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT id::text, name, color, active, updated_at
		FROM categories WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("backend/postgres: list categories: %w", classify(err))
	}
	defer rows.Close()

	out := []catalog.Category{}
	for rows.Next() {
		var c catalog.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Color, &c.Active, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("backend/postgres: scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActiveProducts implements backend.CatalogReader with the category
// joined in.
func (s *Store) ListActiveProducts(ctx context.Context) ([]catalog.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.id::text, p.name, p.barcode, p.category_id::text, p.sale_type,
			p.price_per_kg::float8, p.unit_price::float8, p.stock::float8, p.min_stock::float8,
			p.active, p.updated_at,
			c.id::text, c.name, c.color, c.active, c.updated_at
		FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE p.active
		ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("backend/postgres: list products: %w", classify(err))
	}
	defer rows.Close()

	out := []catalog.Product{}
	for rows.Next() {
		var (
			p        catalog.Product
			saleType string
			catID    *string
			catName  *string
			catColor *string
			catAct   *bool
			catAt    *time.Time
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.CategoryID, &saleType,
			&p.PricePerKg, &p.UnitPrice, &p.Stock, &p.MinStock, &p.Active, &p.UpdatedAt,
			&catID, &catName, &catColor, &catAct, &catAt); err != nil {
			return nil, fmt.Errorf("backend/postgres: scan product: %w", err)
		}
		p.SaleType = catalog.SaleType(saleType)
		if catID != nil {
			cat := catalog.Category{
				ID:     *catID,
				Name:   deref(catName),
				Color:  deref(catColor),
				Active: catAct != nil && *catAct,
			}
			if catAt != nil {
				cat.UpdatedAt = *catAt
			}
			p.Category = &cat
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CreateSaleHeader implements backend.SaleWriter. A header whose client ref is
// already stored resolves to the existing id.
func (s *Store) CreateSaleHeader(ctx context.Context, h backend.SaleHeader) (string, bool, error) {
	id, err := insertHeader(ctx, s.pool, h)
	if err == nil {
		return id, false, nil
	}
	if !isUniqueViolation(err, clientRefConstraint) {
		return "", false, fmt.Errorf("backend/postgres: create sale header: %w", classify(err))
	}
	id, err = headerByClientRef(ctx, s.pool, h.ClientRef)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func insertHeader(ctx context.Context, q querier, h backend.SaleHeader) (string, error) {
	status := h.Status
	if status == "" {
		status = backend.SaleStatusFinalized
	}
	var id string
	err := q.QueryRow(ctx, `INSERT INTO sales
			(client_ref, terminal_id, subtotal, discount, total, payment_method, status, synchronized, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text`,
		h.ClientRef, h.TerminalID, h.Subtotal, h.Discount, h.Total, h.PaymentMethod, status, h.Synchronized, h.CapturedAt,
	).Scan(&id)
	return id, err
}

func headerByClientRef(ctx context.Context, q querier, ref string) (string, error) {
	var id string
	if err := q.QueryRow(ctx, `SELECT id::text FROM sales WHERE client_ref = $1`, ref).Scan(&id); err != nil {
		return "", fmt.Errorf("backend/postgres: lookup client ref %s: %w", ref, classify(err))
	}
	return id, nil
}

// CreateSaleItems implements backend.SaleWriter. Replayed lines are ignored.
func (s *Store) CreateSaleItems(ctx context.Context, saleID string, items []backend.SaleItem) error {
	if err := insertItems(ctx, s.pool, saleID, items); err != nil {
		return fmt.Errorf("backend/postgres: create sale items: %w", classify(err))
	}
	return nil
}

func insertItems(ctx context.Context, q querier, saleID string, items []backend.SaleItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO sale_items
				(sale_id, sequence, product_id, quantity, net_weight, unit_price, subtotal, line_discount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sale_id, sequence) DO NOTHING`,
			saleID, it.Sequence, it.ProductID, it.Quantity, it.Weight, it.UnitPrice, it.Subtotal, it.LineDiscount)
	}
	return sendBatch(ctx, q, batch)
}

func sendBatch(ctx context.Context, q querier, batch *pgx.Batch) error {
	results := q.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

// ProductStock implements backend.SaleWriter.
func (s *Store) ProductStock(ctx context.Context, productID string) (float64, error) {
	return readStock(ctx, s.pool, productID, false)
}

func readStock(ctx context.Context, q querier, productID string, forUpdate bool) (float64, error) {
	query := `SELECT stock::float8 FROM products WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var stock float64
	err := q.QueryRow(ctx, query, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", backend.ErrProductNotFound, productID)
	}
	if err != nil {
		return 0, fmt.Errorf("backend/postgres: read stock %s: %w", productID, classify(err))
	}
	return stock, nil
}

// SetProductStock implements backend.SaleWriter.
func (s *Store) SetProductStock(ctx context.Context, productID string, stock float64) error {
	return writeStock(ctx, s.pool, productID, stock)
}

func writeStock(ctx context.Context, q querier, productID string, stock float64) error {
	tag, err := q.Exec(ctx, `UPDATE products SET stock = $2, updated_at = now() WHERE id = $1`, productID, stock)
	if err != nil {
		return fmt.Errorf("backend/postgres: write stock %s: %w", productID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", backend.ErrProductNotFound, productID)
	}
	return nil
}

// CreateStockMovement implements backend.SaleWriter.
func (s *Store) CreateStockMovement(ctx context.Context, m backend.StockMovement) error {
	return insertMovement(ctx, s.pool, m)
}

func insertMovement(ctx context.Context, q querier, m backend.StockMovement) error {
	var saleID *string
	if m.SaleID != "" {
		saleID = &m.SaleID
	}
	_, err := q.Exec(ctx, `INSERT INTO stock_movements
			(product_id, movement_type, quantity, previous_stock, new_stock, sale_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ProductID, m.Type, m.Quantity, m.Previous, m.New, saleID)
	if err != nil {
		return fmt.Errorf("backend/postgres: stock movement %s: %w", m.ProductID, classify(err))
	}
	return nil
}

// CountStockMovements implements backend.SaleWriter.
func (s *Store) CountStockMovements(ctx context.Context, saleID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM stock_movements WHERE sale_id = $1 AND movement_type = $2`,
		saleID, backend.MovementTypeSale).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("backend/postgres: count movements %s: %w", saleID, classify(err))
	}
	return n, nil
}

// CreateFullSale implements backend.Backend in one repeatable-read
// transaction. Product rows are locked while their stock changes.
func (s *Store) CreateFullSale(ctx context.Context, sale backend.FullSale) (string, error) {
	var saleID string
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		id, err := insertHeader(ctx, tx, sale.Header)
		if err != nil {
			return fmt.Errorf("backend/postgres: create sale header: %w", classify(err))
		}
		saleID = id
		if err := insertItems(ctx, tx, id, sale.Items); err != nil {
			return fmt.Errorf("backend/postgres: create sale items: %w", classify(err))
		}
		for _, it := range sale.Items {
			deducted := it.Quantity
			if it.Weight != nil {
				deducted = *it.Weight
			}
			prev, err := readStock(ctx, tx, it.ProductID, true)
			if err != nil {
				return err
			}
			next := prev - deducted
			if err := writeStock(ctx, tx, it.ProductID, next); err != nil {
				return err
			}
			if err := insertMovement(ctx, tx, backend.StockMovement{
				ProductID: it.ProductID,
				Type:      backend.MovementTypeSale,
				Quantity:  -deducted,
				Previous:  prev,
				New:       next,
				SaleID:    id,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err, clientRefConstraint) {
		return headerByClientRef(ctx, s.pool, sale.Header.ClientRef)
	}
	if err != nil {
		return "", err
	}
	return saleID, nil
}
