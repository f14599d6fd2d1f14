// Package syncer delivers queued offline sales to the backend.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freshfare/freshfare-pos/internal/backend"
	jobmetrics "github.com/freshfare/freshfare-pos/internal/jobs"
	"github.com/freshfare/freshfare-pos/internal/lock"
	"github.com/freshfare/freshfare-pos/internal/offline"
)

var (
	// ErrPassInProgress is returned when another pass holds the gate.
	ErrPassInProgress = errors.New("syncer: pass already running")
	// ErrNotFailed is returned when retrying a sale that is not failed.
	ErrNotFailed = errors.New("syncer: sale is not failed")
)

const unknownError = "unknown error"

// interruptedError is recorded on sales a crashed pass left in syncing.
const interruptedError = "sync interrupted before completion"

// Store is the local side of the queue.
type Store interface {
	ClaimSale(ctx context.Context, id string, at time.Time) (bool, error)
	SalesByStatus(ctx context.Context, status offline.Status) ([]offline.OfflineSale, error)
	GetSale(ctx context.Context, id string) (offline.OfflineSale, error)
	PutSale(ctx context.Context, sale offline.OfflineSale) error
	CountByStatus(ctx context.Context) (map[offline.Status]int, error)
}

// Config tunes the engine.
type Config struct {
	TerminalID string
	// StepTimeout bounds every remote call; zero disables the bound.
	StepTimeout time.Duration
}

// Summary counts what a pass did.
type Summary struct {
	Attempted int
	Synced    int
	Failed    int
	// Skipped counts snapshot records that were no longer pending when
	// their turn came.
	Skipped int
	// Deferred counts sales left pending because the backend was
	// unreachable; the pass stops at the first one.
	Deferred int
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeDeferred
)

// Engine applies pending sales to the backend one at a time.
type Engine struct {
	store   Store
	remote  backend.SaleWriter
	gate    lock.Gate
	cfg     Config
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New builds Engine. A nil gate means an in-process gate.
func New(store Store, remote backend.SaleWriter, gate lock.Gate, cfg Config, metrics *jobmetrics.Metrics, logger *slog.Logger) *Engine {
	if gate == nil {
		gate = lock.NewLocalGate()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		remote:  remote,
		gate:    gate,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// storeError marks a local persistence failure, which aborts the pass.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// SyncPending runs one pass over the sales pending at its start, in queue
// order. A failing sale is recorded and the pass moves on. An unreachable
// backend ends the pass with the sale left pending; a local store error ends
// it with that error. Returns ErrPassInProgress without touching the store
// when another pass is running.
func (e *Engine) SyncPending(ctx context.Context) (Summary, error) {
	tracker := e.metrics.Track(jobmetrics.JobSyncPending)
	release, ok, err := e.gate.TryAcquire(ctx)
	if err != nil {
		return Summary{}, tracker.End(fmt.Errorf("syncer: acquire gate: %w", err))
	}
	if !ok {
		tracker.Skip()
		return Summary{}, ErrPassInProgress
	}
	defer release()

	sum, err := e.syncPending(ctx)
	e.metrics.AddSales(jobmetrics.OutcomeSynced, sum.Synced)
	e.metrics.AddSales(jobmetrics.OutcomeFailed, sum.Failed)
	e.metrics.AddSales(jobmetrics.OutcomeDeferred, sum.Deferred)
	e.publishDepth(ctx)
	if sum.Attempted > 0 || err != nil {
		e.logger.Info("sync pass finished",
			slog.Int("attempted", sum.Attempted),
			slog.Int("synced", sum.Synced),
			slog.Int("failed", sum.Failed),
			slog.Int("skipped", sum.Skipped),
			slog.Int("deferred", sum.Deferred),
			slog.Any("error", err))
	}
	return sum, tracker.End(err)
}

func (e *Engine) syncPending(ctx context.Context) (Summary, error) {
	var sum Summary
	snapshot, err := e.store.SalesByStatus(ctx, offline.StatusPending)
	if err != nil {
		return sum, fmt.Errorf("syncer: load pending: %w", err)
	}
	// Claimed sales must reach a recorded state even if ctx ends.
	lctx := context.WithoutCancel(ctx)
	for _, queued := range snapshot {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		claimed, err := e.store.ClaimSale(lctx, queued.ID, e.now())
		if err != nil {
			return sum, fmt.Errorf("syncer: claim %s: %w", queued.ID, err)
		}
		if !claimed {
			sum.Skipped++
			continue
		}
		sale, err := e.store.GetSale(lctx, queued.ID)
		if err != nil {
			return sum, fmt.Errorf("syncer: reload %s: %w", queued.ID, err)
		}
		sum.Attempted++
		result, err := e.syncOne(ctx, &sale)
		if err != nil {
			return sum, err
		}
		switch result {
		case outcomeSynced:
			sum.Synced++
		case outcomeFailed:
			sum.Failed++
		case outcomeDeferred:
			sum.Deferred++
			return sum, nil
		}
	}
	return sum, nil
}

// syncOne drives a claimed sale to synced, failed, or back to pending when
// the backend is unreachable. The returned error is set only for local store
// failures.
func (e *Engine) syncOne(ctx context.Context, sale *offline.OfflineSale) (outcome, error) {
	// Local writes outlive cancellation so an aborted pass still records
	// where the sale stopped.
	lctx := context.WithoutCancel(ctx)

	deliverErr := e.deliver(ctx, lctx, sale)
	var se *storeError
	if errors.As(deliverErr, &se) {
		return outcomeFailed, se.err
	}
	if deliverErr == nil {
		sale.LastError = ""
		if err := e.transition(lctx, sale, offline.StatusSynced); err != nil {
			return outcomeFailed, err
		}
		e.logger.Info("sale synced",
			slog.String("sale_id", sale.ID),
			slog.String("remote_sale_id", sale.RemoteSaleID))
		return outcomeSynced, nil
	}

	sale.LastError = deliverErr.Error()
	if sale.LastError == "" {
		sale.LastError = unknownError
	}
	if errors.Is(deliverErr, backend.ErrUnavailable) {
		// Unreachable is not the sale's fault and costs no attempt.
		if err := e.transition(lctx, sale, offline.StatusPending); err != nil {
			return outcomeDeferred, err
		}
		e.logger.Info("backend unavailable, sale left pending",
			slog.String("sale_id", sale.ID),
			slog.Any("error", deliverErr))
		return outcomeDeferred, nil
	}
	sale.AttemptCount++
	if err := e.transition(lctx, sale, offline.StatusFailed); err != nil {
		return outcomeFailed, err
	}
	e.logger.Warn("sale sync failed",
		slog.String("sale_id", sale.ID),
		slog.Int("attempt", sale.AttemptCount),
		slog.Any("error", deliverErr))
	return outcomeFailed, nil
}

// deliver performs the remote steps not yet checkpointed on the sale.
func (e *Engine) deliver(ctx, lctx context.Context, sale *offline.OfflineSale) error {
	p := sale.Payload
	// A sale with a remote id may already have lines on the backend.
	resumed := sale.RemoteSaleID != ""
	if sale.RemoteSaleID == "" {
		var (
			id      string
			existed bool
		)
		err := e.step(ctx, func(ctx context.Context) error {
			var err error
			id, existed, err = e.remote.CreateSaleHeader(ctx, backend.SaleHeader{
				ClientRef:     sale.ID,
				TerminalID:    e.cfg.TerminalID,
				Subtotal:      p.Subtotal,
				Discount:      p.Discount,
				Total:         p.Total,
				PaymentMethod: p.PaymentMethod,
				Status:        backend.SaleStatusFinalized,
				Synchronized:  true,
				CapturedAt:    sale.CreatedAt,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("create sale header: %w", err)
		}
		if existed {
			resumed = true
			e.logger.Info("sale header already on backend",
				slog.String("sale_id", sale.ID),
				slog.String("remote_sale_id", id))
		}
		sale.RemoteSaleID = id
		if err := e.checkpoint(lctx, sale); err != nil {
			return err
		}
	}

	if !sale.ItemsCreated {
		items := backend.SaleItemsFrom(p.Items)
		err := e.step(ctx, func(ctx context.Context) error {
			return e.remote.CreateSaleItems(ctx, sale.RemoteSaleID, items)
		})
		if err != nil {
			return fmt.Errorf("create sale items: %w", err)
		}
		sale.ItemsCreated = true
		if err := e.checkpoint(lctx, sale); err != nil {
			return err
		}
	}

	if resumed && sale.LinesApplied < len(p.Items) {
		if err := e.reconcileLines(ctx, lctx, sale); err != nil {
			return err
		}
	}

	for i := sale.LinesApplied; i < len(p.Items); i++ {
		if err := e.applyStock(ctx, sale.RemoteSaleID, p.Items[i]); err != nil {
			return err
		}
		sale.LinesApplied = i + 1
		if err := e.checkpoint(lctx, sale); err != nil {
			return err
		}
	}
	return nil
}

// reconcileLines advances LinesApplied to the movements the backend already
// holds for the sale: a checkpoint lost to a crash, or a sale the register
// wrote online before it was queued.
func (e *Engine) reconcileLines(ctx, lctx context.Context, sale *offline.OfflineSale) error {
	var applied int
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		applied, err = e.remote.CountStockMovements(ctx, sale.RemoteSaleID)
		return err
	})
	if err != nil {
		return fmt.Errorf("count stock movements: %w", err)
	}
	if applied > len(sale.Payload.Items) {
		applied = len(sale.Payload.Items)
	}
	if applied <= sale.LinesApplied {
		return nil
	}
	sale.LinesApplied = applied
	return e.checkpoint(lctx, sale)
}

// applyStock deducts one line from the product stock and records the
// movement.
func (e *Engine) applyStock(ctx context.Context, remoteSaleID string, item offline.LineItem) error {
	deducted := item.QuantityDeducted()
	var previous float64
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		previous, err = e.remote.ProductStock(ctx, item.ProductID)
		return err
	})
	if err != nil {
		return fmt.Errorf("read stock %s: %w", item.ProductID, err)
	}
	next := previous - deducted
	err = e.step(ctx, func(ctx context.Context) error {
		return e.remote.SetProductStock(ctx, item.ProductID, next)
	})
	if err != nil {
		return fmt.Errorf("update stock %s: %w", item.ProductID, err)
	}
	err = e.step(ctx, func(ctx context.Context) error {
		return e.remote.CreateStockMovement(ctx, backend.StockMovement{
			ProductID: item.ProductID,
			Type:      backend.MovementTypeSale,
			Quantity:  -deducted,
			Previous:  previous,
			New:       next,
			SaleID:    remoteSaleID,
		})
	})
	if err != nil {
		return fmt.Errorf("record stock movement %s: %w", item.ProductID, err)
	}
	return nil
}

func (e *Engine) step(ctx context.Context, fn func(context.Context) error) error {
	if e.cfg.StepTimeout <= 0 {
		return fn(ctx)
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	return fn(sctx)
}

func (e *Engine) transition(ctx context.Context, sale *offline.OfflineSale, next offline.Status) error {
	if err := sale.Transition(next, e.now()); err != nil {
		return err
	}
	if err := e.store.PutSale(ctx, *sale); err != nil {
		return fmt.Errorf("syncer: persist %s as %s: %w", sale.ID, next, err)
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, sale *offline.OfflineSale) error {
	sale.UpdatedAt = e.now()
	if err := e.store.PutSale(ctx, *sale); err != nil {
		return &storeError{err: fmt.Errorf("syncer: checkpoint %s: %w", sale.ID, err)}
	}
	return nil
}

func (e *Engine) publishDepth(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counts, err := e.store.CountByStatus(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	for status, n := range counts {
		e.metrics.SetQueueDepth(string(status), n)
	}
}
