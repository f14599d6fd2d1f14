package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticNet bool

func (n staticNet) Online() bool { return bool(n) }

type memoryCatalog struct {
	products   []Product
	categories []Category
	err        error
	calls      int
}

func (m *memoryCatalog) AllProducts(ctx context.Context) ([]Product, error) {
	m.calls++
	return m.products, m.err
}

func (m *memoryCatalog) AllCategories(ctx context.Context) ([]Category, error) {
	m.calls++
	return m.categories, m.err
}

func (m *memoryCatalog) ListActiveProducts(ctx context.Context) ([]Product, error) {
	return m.AllProducts(ctx)
}

func (m *memoryCatalog) ListActiveCategories(ctx context.Context) ([]Category, error) {
	return m.AllCategories(ctx)
}

func strPtr(s string) *string { return &s }

func TestProductsOfflineUsesLocalCache(t *testing.T) {
	local := &memoryCatalog{products: []Product{
		{ID: "1", Name: "Banana Prata", CategoryID: strPtr("fruit")},
		{ID: "2", Name: "Pão Francês", Barcode: strPtr("7891000"), CategoryID: strPtr("bakery")},
	}}
	remote := &memoryCatalog{}
	svc := NewService(local, remote, staticNet(false), nil)

	got, err := svc.Products(context.Background(), "pao", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2", got[0].ID)
	require.Zero(t, remote.calls)

	got, err = svc.Products(context.Background(), "7891", "bakery")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = svc.Products(context.Background(), "", "fruit")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "1", got[0].ID)
}

func TestProductsOnlineFallsBackOnRemoteError(t *testing.T) {
	local := &memoryCatalog{products: []Product{{ID: "1", Name: "Banana"}}}
	remote := &memoryCatalog{err: errors.New("connection refused")}
	svc := NewService(local, remote, staticNet(true), nil)

	got, err := svc.Products(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, remote.calls)
	require.Equal(t, 1, local.calls)
}

func TestCategoriesOnlineUsesBackend(t *testing.T) {
	local := &memoryCatalog{categories: []Category{{ID: "stale"}}}
	remote := &memoryCatalog{categories: []Category{{ID: "fresh"}}}
	svc := NewService(local, remote, staticNet(true), nil)

	got, err := svc.Categories(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Category{{ID: "fresh"}}, got)
	require.Zero(t, local.calls)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "macas", Normalize("  MAÇÃS "))
	require.Equal(t, "cafe", Normalize("Café"))
}

// ctxCatalog fails reads whose context is already done.
type ctxCatalog struct {
	products []Product
	deadline bool
}

func (c *ctxCatalog) ListActiveProducts(ctx context.Context) ([]Product, error) {
	_, c.deadline = ctx.Deadline()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.products, nil
}

func (c *ctxCatalog) ListActiveCategories(ctx context.Context) ([]Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Category{{ID: "fresh"}}, nil
}

func TestRemoteReadOutlivesCancelledRequest(t *testing.T) {
	local := &memoryCatalog{products: []Product{{ID: "stale", Name: "Stale"}}}
	remote := &ctxCatalog{products: []Product{{ID: "fresh", Name: "Fresh"}}}
	svc := NewService(local, remote, staticNet(true), nil)
	svc.timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := svc.Products(ctx, "", "")
	require.NoError(t, err)
	require.Equal(t, "fresh", got[0].ID)
	require.True(t, remote.deadline)
	require.Zero(t, local.calls)

	cats, err := svc.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh", cats[0].ID)
}
