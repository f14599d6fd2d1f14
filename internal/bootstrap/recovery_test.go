package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freshfare/freshfare-pos/internal/backend"
	"github.com/freshfare/freshfare-pos/internal/backend/backendtest"
	"github.com/freshfare/freshfare-pos/internal/catalog"
	"github.com/freshfare/freshfare-pos/internal/localstore"
	"github.com/freshfare/freshfare-pos/internal/offline"
	"github.com/freshfare/freshfare-pos/internal/syncer"
)

const testMaxAttempts = 2

type till struct {
	store  *localstore.Store
	remote *backendtest.Backend
	engine *syncer.Engine
	sale   offline.OfflineSale
}

// newTill queues one banana sale against a real engine and local store.
func newTill(t *testing.T) *till {
	t.Helper()
	ctx := context.Background()
	store, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	remote := backendtest.New()
	remote.AddProduct(catalog.Product{ID: "banana", Name: "Banana", Stock: 10, Active: true})

	sale, err := offline.NewQueue(store, nil).Enqueue(ctx, offline.Draft{
		Items:         []offline.LineItem{{ProductID: "banana", Quantity: 2, UnitPrice: 3, Subtotal: 6, Sequence: 1}},
		Subtotal:      6,
		Total:         6,
		PaymentMethod: "cash",
	})
	require.NoError(t, err)
	return &till{
		store:  store,
		remote: remote,
		engine: syncer.New(store, remote, nil, syncer.Config{TerminalID: "till-1"}, nil, nil),
		sale:   sale,
	}
}

func (tl *till) get(t *testing.T) offline.OfflineSale {
	t.Helper()
	sale, err := tl.store.GetSale(context.Background(), tl.sale.ID)
	require.NoError(t, err)
	return sale
}

func (tl *till) start(t *testing.T, online bool) *harness {
	t.Helper()
	cfg := Config{MaxAttempts: testMaxAttempts, PollInterval: 5 * time.Millisecond}
	return startWith(t, tl.engine, &recorder{}, cfg, online)
}

func TestLongOutageThenReconnectDeliversSale(t *testing.T) {
	tl := newTill(t)
	tl.remote.Fail(backendtest.StepHeader, errors.New("no route to host"))

	h := tl.start(t, false)
	h.wait(t, Startup)
	for i := 0; i < testMaxAttempts*3; i++ {
		h.wait(t, Poll)
	}
	sale := tl.get(t)
	require.Equal(t, offline.StatusPending, sale.Status)
	require.Zero(t, sale.AttemptCount)
	require.Zero(t, tl.remote.Calls(backendtest.StepHeader))

	tl.remote.Clear(backendtest.StepHeader)
	h.net.Set(true)
	h.wait(t, Online)

	sale = tl.get(t)
	require.Equal(t, offline.StatusSynced, sale.Status)
	require.Zero(t, sale.AttemptCount)
	require.Len(t, tl.remote.Headers(), 1)
	require.Equal(t, 8.0, tl.remote.Stock("banana"))
}

func TestUnreachableBackendWhileOnlineKeepsAttempts(t *testing.T) {
	tl := newTill(t)
	tl.remote.Fail(backendtest.StepHeader, fmt.Errorf("%w: connection refused", backend.ErrUnavailable))

	h := tl.start(t, true)
	h.wait(t, Startup)
	for i := 0; i < testMaxAttempts*3; i++ {
		h.wait(t, Poll)
	}
	sale := tl.get(t)
	require.Equal(t, offline.StatusPending, sale.Status)
	require.Zero(t, sale.AttemptCount)
	require.Greater(t, tl.remote.Calls(backendtest.StepHeader), testMaxAttempts)

	tl.remote.Clear(backendtest.StepHeader)
	require.Eventually(t, func() bool {
		sale, err := tl.store.GetSale(context.Background(), tl.sale.ID)
		return err == nil && sale.Status == offline.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, tl.get(t).AttemptCount)
}

func TestManualSyncRequeuesRetryableFailure(t *testing.T) {
	tl := newTill(t)
	tl.remote.Fail(backendtest.StepHeader, errors.New("permission denied for table sales"))

	h := startWith(t, tl.engine, &recorder{}, Config{MaxAttempts: testMaxAttempts}, true)
	h.wait(t, Startup)
	sale := tl.get(t)
	require.Equal(t, offline.StatusFailed, sale.Status)
	require.Equal(t, 1, sale.AttemptCount)

	tl.remote.Clear(backendtest.StepHeader)
	require.True(t, h.orch.Trigger(Manual))
	h.wait(t, Manual)

	sale = tl.get(t)
	require.Equal(t, offline.StatusSynced, sale.Status)
	require.Equal(t, 1, sale.AttemptCount)
}
