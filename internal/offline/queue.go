package offline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Store persists queued sales.
type Store interface {
	PutSale(ctx context.Context, sale OfflineSale) error
}

// Queue captures sales made while the backend is unreachable.
type Queue struct {
	store     Store
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewQueue builds Queue.
func NewQueue(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     store,
		validator: validator.New(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

// Validate checks a draft without queueing it.
func (q *Queue) Validate(draft Draft) error {
	if err := q.validator.Struct(draft); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSale, err)
	}
	seen := make(map[int]struct{}, len(draft.Items))
	for _, item := range draft.Items {
		if _, ok := seen[item.Sequence]; ok {
			return fmt.Errorf("%w: duplicate line sequence %d", ErrInvalidSale, item.Sequence)
		}
		seen[item.Sequence] = struct{}{}
	}
	return nil
}

// cloneItems copies lines deep enough that the caller's later edits, weights
// included, never reach the queued snapshot.
func cloneItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	for i, it := range items {
		if it.Weight != nil {
			w := *it.Weight
			it.Weight = &w
		}
		out[i] = it
	}
	return out
}

// NewID returns a fresh sale id.
func (q *Queue) NewID() string {
	return q.newID()
}

// Enqueue durably records the draft as a pending sale under a new id. It
// never touches the network; once it returns nil the sale survives restarts.
func (q *Queue) Enqueue(ctx context.Context, draft Draft) (OfflineSale, error) {
	return q.EnqueueAs(ctx, q.newID(), draft)
}

// EnqueueAs is Enqueue with a caller-chosen id, used when an online attempt
// already sent the id to the backend as its client reference.
func (q *Queue) EnqueueAs(ctx context.Context, id string, draft Draft) (OfflineSale, error) {
	if id == "" {
		return OfflineSale{}, fmt.Errorf("%w: empty id", ErrInvalidSale)
	}
	if err := q.Validate(draft); err != nil {
		return OfflineSale{}, err
	}
	now := q.now()
	payload := draft
	payload.Version = PayloadVersion
	payload.Items = cloneItems(draft.Items)
	sale := OfflineSale{
		ID:        id,
		CreatedAt: now,
		Payload:   payload,
		Status:    StatusPending,
		UpdatedAt: now,
	}
	if err := q.store.PutSale(ctx, sale); err != nil {
		return OfflineSale{}, fmt.Errorf("offline: queue sale: %w", err)
	}
	q.logger.Info("sale queued offline",
		slog.String("sale_id", sale.ID),
		slog.Float64("total", payload.Total),
		slog.Int("items", len(payload.Items)))
	return sale, nil
}
