package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	sales []OfflineSale
	err   error
}

func (m *memoryStore) PutSale(ctx context.Context, sale OfflineSale) error {
	if m.err != nil {
		return m.err
	}
	m.sales = append(m.sales, sale)
	return nil
}

func bananaDraft() Draft {
	return Draft{
		Items: []LineItem{{
			ProductID: "banana",
			Quantity:  2,
			UnitPrice: 3,
			Subtotal:  6,
			Sequence:  1,
		}},
		Subtotal:      45,
		Total:         45,
		PaymentMethod: "cash",
	}
}

func TestEnqueuePersistsPendingSale(t *testing.T) {
	store := &memoryStore{}
	q := NewQueue(store, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	sale, err := q.Enqueue(context.Background(), bananaDraft())
	require.NoError(t, err)
	require.NotEmpty(t, sale.ID)
	require.Equal(t, StatusPending, sale.Status)
	require.Zero(t, sale.AttemptCount)
	require.Equal(t, fixed, sale.CreatedAt)
	require.Equal(t, PayloadVersion, sale.Payload.Version)
	require.Len(t, store.sales, 1)
	require.Equal(t, sale.ID, store.sales[0].ID)

	other, err := q.Enqueue(context.Background(), bananaDraft())
	require.NoError(t, err)
	require.NotEqual(t, sale.ID, other.ID)
}

func TestEnqueueRejectsInvalidDrafts(t *testing.T) {
	cases := map[string]func(d *Draft){
		"no items":       func(d *Draft) { d.Items = nil },
		"zero quantity":  func(d *Draft) { d.Items[0].Quantity = 0 },
		"missing method": func(d *Draft) { d.PaymentMethod = "" },
		"negative total": func(d *Draft) { d.Total = -1 },
		"no product":     func(d *Draft) { d.Items[0].ProductID = "" },
		"duplicate sequence": func(d *Draft) {
			d.Items = append(d.Items, d.Items[0])
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			store := &memoryStore{}
			draft := bananaDraft()
			mutate(&draft)
			_, err := NewQueue(store, nil).Enqueue(context.Background(), draft)
			require.ErrorIs(t, err, ErrInvalidSale)
			require.Empty(t, store.sales)
		})
	}
}

func TestEnqueueAsKeepsCallerID(t *testing.T) {
	store := &memoryStore{}
	q := NewQueue(store, nil)
	id := q.NewID()
	sale, err := q.EnqueueAs(context.Background(), id, bananaDraft())
	require.NoError(t, err)
	require.Equal(t, id, sale.ID)

	_, err = q.EnqueueAs(context.Background(), "", bananaDraft())
	require.ErrorIs(t, err, ErrInvalidSale)
}

func TestEnqueueSnapshotIgnoresCallerEdits(t *testing.T) {
	store := &memoryStore{}
	draft := bananaDraft()
	weight := 1.25
	draft.Items[0].Weight = &weight

	sale, err := NewQueue(store, nil).Enqueue(context.Background(), draft)
	require.NoError(t, err)

	weight = 9
	draft.Items[0].Quantity = 7
	require.Equal(t, 1.25, *sale.Payload.Items[0].Weight)
	require.Equal(t, 1.25, *store.sales[0].Payload.Items[0].Weight)
	require.Equal(t, 2.0, store.sales[0].Payload.Items[0].Quantity)
}

func TestEnqueueReturnsStoreError(t *testing.T) {
	boom := errors.New("disk full")
	_, err := NewQueue(&memoryStore{err: boom}, nil).Enqueue(context.Background(), bananaDraft())
	require.ErrorIs(t, err, boom)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusSyncing))
	require.True(t, StatusSyncing.CanTransition(StatusSynced))
	require.True(t, StatusSyncing.CanTransition(StatusFailed))
	require.True(t, StatusFailed.CanTransition(StatusPending))
	require.False(t, StatusPending.CanTransition(StatusSynced))
	for _, next := range Statuses {
		require.False(t, StatusSynced.CanTransition(next))
	}

	sale := OfflineSale{Status: StatusSynced}
	err := sale.Transition(StatusPending, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusSynced, sale.Status)
}

func TestQuantityDeducted(t *testing.T) {
	weight := 1.25
	require.Equal(t, 1.25, LineItem{Quantity: 1, Weight: &weight}.QuantityDeducted())
	require.Equal(t, 3.0, LineItem{Quantity: 3}.QuantityDeducted())
}

func TestDecodePayloadVersions(t *testing.T) {
	raw, err := EncodePayload(bananaDraft())
	require.NoError(t, err)
	p, err := DecodePayload(raw)
	require.NoError(t, err)
	require.Equal(t, PayloadVersion, p.Version)
	require.Equal(t, 45.0, p.Total)

	legacy := []byte(`{"items":[{"product_id":"x","quantity":1,"unit_price":1,"subtotal":1,"sequence":1}],"total":1,"payment_method":"pix"}`)
	p, err = DecodePayload(legacy)
	require.NoError(t, err)
	require.Equal(t, PayloadVersion, p.Version)
	require.Equal(t, "pix", p.PaymentMethod)

	_, err = DecodePayload([]byte(`{"version":7}`))
	require.ErrorIs(t, err, ErrUnsupportedPayloadVersion)
}
