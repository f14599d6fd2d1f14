package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/freshfare/freshfare-pos/internal/catalog"
)

var productIndexes = map[string]string{
	IndexByName:     "name",
	IndexByCategory: "category_id",
	IndexByBarcode:  "barcode",
}

var categoryIndexes = map[string]string{
	IndexByName: "name",
}

// UpsertProducts writes each product by id, replacing any cached copy. The
// batch continues past a failing record; the failures are joined.
func (s *Store) UpsertProducts(ctx context.Context, products []catalog.Product) error {
	refreshed := formatTime(s.now())
	return s.batch(ctx, `INSERT INTO products (id, name, barcode, category_id, active, data, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			barcode = excluded.barcode,
			category_id = excluded.category_id,
			active = excluded.active,
			data = excluded.data,
			refreshed_at = excluded.refreshed_at`,
		len(products), func(i int) ([]any, error) {
			p := products[i]
			data, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("localstore: encode product %s: %w", p.ID, err)
			}
			return []any{p.ID, p.Name, p.Barcode, p.CategoryID, p.Active, string(data), refreshed}, nil
		})
}

// UpsertCategories writes each category by id.
func (s *Store) UpsertCategories(ctx context.Context, categories []catalog.Category) error {
	refreshed := formatTime(s.now())
	return s.batch(ctx, `INSERT INTO categories (id, name, data, refreshed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			data = excluded.data,
			refreshed_at = excluded.refreshed_at`,
		len(categories), func(i int) ([]any, error) {
			c := categories[i]
			data, err := json.Marshal(c)
			if err != nil {
				return nil, fmt.Errorf("localstore: encode category %s: %w", c.ID, err)
			}
			return []any{c.ID, c.Name, string(data), refreshed}, nil
		})
}

// batch runs stmt once per record inside one transaction. A failing record
// does not undo the others.
func (s *Store) batch(ctx context.Context, stmt string, n int, args func(i int) ([]any, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("localstore: prepare: %w", err)
	}
	defer prepared.Close()

	var errs []error
	for i := 0; i < n; i++ {
		values, err := args(i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := prepared.ExecContext(ctx, values...); err != nil {
			errs = append(errs, fmt.Errorf("localstore: upsert %v: %w", values[0], err))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(append(errs, fmt.Errorf("localstore: commit: %w", err))...)
	}
	return errors.Join(errs...)
}

// AllProducts returns every cached product ordered by name.
func (s *Store) AllProducts(ctx context.Context) ([]catalog.Product, error) {
	return s.queryProducts(ctx, "SELECT data FROM products ORDER BY name, id")
}

// ProductsByIndex returns products whose indexed column equals value.
func (s *Store) ProductsByIndex(ctx context.Context, index, value string) ([]catalog.Product, error) {
	col, ok := productIndexes[index]
	if !ok {
		return nil, fmt.Errorf("%w: products.%s", ErrUnknownIndex, index)
	}
	return s.queryProducts(ctx, "SELECT data FROM products WHERE "+col+" = ? ORDER BY name, id", value)
}

// GetProduct returns one cached product.
func (s *Store) GetProduct(ctx context.Context, id string) (catalog.Product, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM products WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("localstore: get product: %w", err)
	}
	var p catalog.Product
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return catalog.Product{}, fmt.Errorf("localstore: decode product %s: %w", id, err)
	}
	return p, nil
}

// AllCategories returns every cached category ordered by name.
func (s *Store) AllCategories(ctx context.Context) ([]catalog.Category, error) {
	return s.queryCategories(ctx, "SELECT data FROM categories ORDER BY name, id")
}

// CategoriesByIndex returns categories whose indexed column equals value.
func (s *Store) CategoriesByIndex(ctx context.Context, index, value string) ([]catalog.Category, error) {
	col, ok := categoryIndexes[index]
	if !ok {
		return nil, fmt.Errorf("%w: categories.%s", ErrUnknownIndex, index)
	}
	return s.queryCategories(ctx, "SELECT data FROM categories WHERE "+col+" = ? ORDER BY name, id", value)
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]catalog.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: query products: %w", err)
	}
	defer rows.Close()

	products := []catalog.Product{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("localstore: scan product: %w", err)
		}
		var p catalog.Product
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("localstore: decode product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) queryCategories(ctx context.Context, query string, args ...any) ([]catalog.Category, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: query categories: %w", err)
	}
	defer rows.Close()

	categories := []catalog.Category{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("localstore: scan category: %w", err)
		}
		var c catalog.Category
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("localstore: decode category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}
