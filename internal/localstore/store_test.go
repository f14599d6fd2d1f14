package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freshfare/freshfare-pos/internal/catalog"
	"github.com/freshfare/freshfare-pos/internal/offline"
	"github.com/freshfare/freshfare-pos/internal/platform/sqlite"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pos.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func strPtr(s string) *string { return &s }

func sampleSale(id string, created time.Time) offline.OfflineSale {
	return offline.OfflineSale{
		ID:        id,
		CreatedAt: created,
		Status:    offline.StatusPending,
		Payload: offline.Payload{
			Items:         []offline.LineItem{{ProductID: "banana", Quantity: 2, UnitPrice: 3, Subtotal: 6, Sequence: 1}},
			Subtotal:      6,
			Total:         6,
			PaymentMethod: "cash",
		},
	}
}

func TestSalesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)
	created := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.PutSale(ctx, sampleSale("a", created)))
	require.NoError(t, s.SetMeta(ctx, "last_cache_refresh", "2026-01-02T09:00:00Z"))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	sale, err := reopened.GetSale(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, offline.StatusPending, sale.Status)
	require.True(t, created.Equal(sale.CreatedAt))
	require.Equal(t, offline.PayloadVersion, sale.Payload.Version)
	require.Equal(t, 6.0, sale.Payload.Total)

	v, ok, err := reopened.GetMeta(ctx, "last_cache_refresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2026-01-02T09:00:00Z", v)
}

func TestPutSaleReplacesAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, s.PutSale(ctx, sampleSale(id, base.Add(time.Duration(i)*time.Minute))))
	}

	first, err := s.GetSale(ctx, "first")
	require.NoError(t, err)
	first.Status = offline.StatusFailed
	first.LastError = "timeout"
	first.AttemptCount = 1
	first.RemoteSaleID = "remote-1"
	first.ItemsCreated = true
	require.NoError(t, s.PutSale(ctx, first))

	all, err := s.AllSales(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"first", "second", "third"}, []string{all[0].ID, all[1].ID, all[2].ID})
	require.Equal(t, "remote-1", all[0].RemoteSaleID)
	require.True(t, all[0].ItemsCreated)

	pending, err := s.SalesByStatus(ctx, offline.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "second", pending[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[offline.StatusPending])
	require.Equal(t, 1, counts[offline.StatusFailed])
	require.Equal(t, 0, counts[offline.StatusSynced])

	n, err := s.CountSales(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestClaimSaleIsExclusive(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.PutSale(ctx, sampleSale("a", time.Now())))
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	ok, err := s.ClaimSale(ctx, "a", at)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimSale(ctx, "a", at)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.ClaimSale(ctx, "missing", at)
	require.NoError(t, err)
	require.False(t, ok)

	sale, err := s.GetSale(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, offline.StatusSyncing, sale.Status)
	require.True(t, at.Equal(sale.UpdatedAt))
}

func TestUndecodableSaleIsQuarantined(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutSale(ctx, sampleSale("before", base)))
	_, err := s.db.ExecContext(ctx, `INSERT INTO offline_sales (id, created_at, status, payload, updated_at)
		VALUES ('broken', ?, 'pending', '{"version":7}', ?)`, formatTime(base), formatTime(base))
	require.NoError(t, err)
	require.NoError(t, s.PutSale(ctx, sampleSale("after", base.Add(time.Minute))))

	pending, err := s.SalesByStatus(ctx, offline.StatusPending)
	require.NoError(t, err)
	require.Equal(t, []string{"before", "after"}, []string{pending[0].ID, pending[1].ID})
	require.Len(t, pending, 2)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[offline.StatusFailed])

	var lastError string
	var attempts int
	require.NoError(t, s.db.QueryRowContext(ctx,
		"SELECT last_error, attempt_count FROM offline_sales WHERE id = 'broken'").Scan(&lastError, &attempts))
	require.Contains(t, lastError, "payload version unsupported")
	require.Equal(t, 1, attempts)

	_, err = s.GetSale(ctx, "broken")
	require.ErrorIs(t, err, offline.ErrUnsupportedPayloadVersion)
	var perr *PayloadError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, offline.StatusFailed, perr.Status)

	// A second listing finds nothing more to quarantine.
	failed, err := s.SalesByStatus(ctx, offline.StatusFailed)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestGetSaleNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetSale(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSaleNotFound)
}

func TestMetaMissing(t *testing.T) {
	s, _ := openTestStore(t)
	_, ok, err := s.GetMeta(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReferenceIndexes(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.UpsertCategories(ctx, []catalog.Category{
		{ID: "fruit", Name: "Fruit", Active: true},
		{ID: "bakery", Name: "Bakery", Active: true},
	}))
	require.NoError(t, s.UpsertProducts(ctx, []catalog.Product{
		{ID: "2", Name: "Banana", CategoryID: strPtr("fruit"), SaleType: catalog.SaleTypeByUnit, Stock: 10, Active: true},
		{ID: "1", Name: "Apple", CategoryID: strPtr("fruit"), Barcode: strPtr("789"), SaleType: catalog.SaleTypeByWeight, Active: true},
		{ID: "3", Name: "Bread", CategoryID: strPtr("bakery"), Active: true},
	}))

	all, err := s.AllProducts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Apple", "Banana", "Bread"}, []string{all[0].Name, all[1].Name, all[2].Name})

	fruit, err := s.ProductsByIndex(ctx, IndexByCategory, "fruit")
	require.NoError(t, err)
	require.Len(t, fruit, 2)

	byBarcode, err := s.ProductsByIndex(ctx, IndexByBarcode, "789")
	require.NoError(t, err)
	require.Len(t, byBarcode, 1)
	require.Equal(t, "1", byBarcode[0].ID)

	cats, err := s.CategoriesByIndex(ctx, IndexByName, "Bakery")
	require.NoError(t, err)
	require.Len(t, cats, 1)

	_, err = s.ProductsByIndex(ctx, IndexByStatus, "x")
	require.ErrorIs(t, err, ErrUnknownIndex)
	_, err = s.SalesByIndex(ctx, IndexByName, "x")
	require.ErrorIs(t, err, ErrUnknownIndex)

	// Upsert replaces by id and keeps rows the update did not mention.
	require.NoError(t, s.UpsertProducts(ctx, []catalog.Product{{ID: "2", Name: "Banana Prata", Stock: 8, Active: true}}))
	p, err := s.GetProduct(ctx, "2")
	require.NoError(t, err)
	require.Equal(t, "Banana Prata", p.Name)
	require.Equal(t, 8.0, p.Stock)
	all, err = s.AllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestOpenMigratesVersionOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE offline_sales (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, sqlite.SetUserVersion(ctx, db, 1))
	require.NoError(t, db.Close())

	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	sale := sampleSale("legacy", time.Now())
	sale.Status = offline.StatusFailed
	sale.RemoteSaleID = "r-9"
	require.NoError(t, s.PutSale(ctx, sale))
	got, err := s.GetSale(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, "r-9", got.RemoteSaleID)

	v, err := sqlite.UserVersion(ctx, s.db)
	require.NoError(t, err)
	require.Equal(t, schemaVersion, v)
}
