// Package refresh mirrors the backend's active catalog into the local store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freshfare/freshfare-pos/internal/catalog"
	jobmetrics "github.com/freshfare/freshfare-pos/internal/jobs"
)

// MetaKey is where the last complete refresh time is stamped.
const MetaKey = "last_cache_refresh"

// Remote lists the backend's active reference data.
type Remote interface {
	ListActiveCategories(ctx context.Context) ([]catalog.Category, error)
	ListActiveProducts(ctx context.Context) ([]catalog.Product, error)
}

// Local is the store side of a refresh.
type Local interface {
	UpsertCategories(ctx context.Context, categories []catalog.Category) error
	UpsertProducts(ctx context.Context, products []catalog.Product) error
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
}

// Result summarises a completed refresh.
type Result struct {
	Categories int
	Products   int
	At         time.Time
}

// Refresher copies active categories and products into the local store.
type Refresher struct {
	remote  Remote
	local   Local
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New builds Refresher. metrics may be nil.
func New(remote Remote, local Local, metrics *jobmetrics.Metrics, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		remote:  remote,
		local:   local,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refresh fetches both lists concurrently. Nothing is written unless both
// fetches succeed; the refresh time is stamped only when every upsert did.
// Local rows missing from the backend response are kept.
func (r *Refresher) Refresh(ctx context.Context) (Result, error) {
	tracker := r.metrics.Track(jobmetrics.JobCacheRefresh)
	res, err := r.refresh(ctx)
	if err != nil {
		r.logger.Warn("cache refresh failed", slog.Any("error", err))
	} else {
		r.logger.Info("cache refreshed",
			slog.Int("categories", res.Categories),
			slog.Int("products", res.Products))
	}
	return res, tracker.End(err)
}

func (r *Refresher) refresh(ctx context.Context) (Result, error) {
	var (
		categories []catalog.Category
		products   []catalog.Product
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		categories, err = r.remote.ListActiveCategories(gctx)
		if err != nil {
			return fmt.Errorf("refresh: fetch categories: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		products, err = r.remote.ListActiveProducts(gctx)
		if err != nil {
			return fmt.Errorf("refresh: fetch products: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	// Both upserts run even if the first fails; the stamp needs both.
	errCat := r.local.UpsertCategories(ctx, categories)
	errProd := r.local.UpsertProducts(ctx, products)
	if err := errors.Join(errCat, errProd); err != nil {
		return Result{}, fmt.Errorf("refresh: store: %w", err)
	}

	at := r.now()
	if err := r.local.SetMeta(ctx, MetaKey, at.Format(time.RFC3339Nano)); err != nil {
		return Result{}, fmt.Errorf("refresh: stamp: %w", err)
	}
	return Result{Categories: len(categories), Products: len(products), At: at}, nil
}

// LastRefresh returns the last complete refresh time, or the zero time when
// the cache was never filled.
func (r *Refresher) LastRefresh(ctx context.Context) (time.Time, error) {
	v, ok, err := r.local.GetMeta(ctx, MetaKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("refresh: parse stamp %q: %w", v, err)
	}
	return at, nil
}
