package syncer

import (
	"context"
	"fmt"
	"log/slog"

	jobmetrics "github.com/freshfare/freshfare-pos/internal/jobs"
	"github.com/freshfare/freshfare-pos/internal/offline"
)

// RequeueFailed moves failed sales below maxAttempts back to pending so the
// next pass retries them. LastError is kept for display until then.
func (e *Engine) RequeueFailed(ctx context.Context, maxAttempts int) (int, error) {
	tracker := e.metrics.Track(jobmetrics.JobRequeueFailed)
	release, ok, err := e.gate.TryAcquire(ctx)
	if err != nil {
		return 0, tracker.End(fmt.Errorf("syncer: acquire gate: %w", err))
	}
	if !ok {
		tracker.Skip()
		return 0, ErrPassInProgress
	}
	defer release()

	failed, err := e.store.SalesByStatus(ctx, offline.StatusFailed)
	if err != nil {
		return 0, tracker.End(fmt.Errorf("syncer: load failed: %w", err))
	}
	n := 0
	for _, sale := range failed {
		if sale.AttemptCount >= maxAttempts {
			continue
		}
		if err := e.transition(ctx, &sale, offline.StatusPending); err != nil {
			return n, tracker.End(err)
		}
		n++
	}
	if n > 0 {
		e.logger.Info("failed sales requeued", slog.Int("count", n))
	}
	return n, tracker.End(nil)
}

// Retry requeues one failed sale regardless of its attempt count.
func (e *Engine) Retry(ctx context.Context, id string) (offline.OfflineSale, error) {
	sale, err := e.store.GetSale(ctx, id)
	if err != nil {
		return offline.OfflineSale{}, err
	}
	if sale.Status != offline.StatusFailed {
		return sale, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, sale.Status)
	}
	if err := e.transition(ctx, &sale, offline.StatusPending); err != nil {
		return offline.OfflineSale{}, err
	}
	e.logger.Info("sale requeued by operator",
		slog.String("sale_id", id),
		slog.Int("attempts", sale.AttemptCount))
	return sale, nil
}

// RecoverInterrupted marks sales left in syncing by a process that stopped
// mid-pass as failed, so the requeue policy picks them up. Their checkpoint
// lets the retry continue where the remote writes stopped.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	release, ok, err := e.gate.TryAcquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncer: acquire gate: %w", err)
	}
	if !ok {
		return 0, ErrPassInProgress
	}
	defer release()

	stuck, err := e.store.SalesByStatus(ctx, offline.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("syncer: load syncing: %w", err)
	}
	for i := range stuck {
		sale := stuck[i]
		sale.LastError = interruptedError
		sale.AttemptCount++
		if err := e.transition(ctx, &sale, offline.StatusFailed); err != nil {
			return i, err
		}
		e.logger.Warn("interrupted sale marked failed", slog.String("sale_id", sale.ID))
	}
	return len(stuck), nil
}

// Status counts sales per status.
func (e *Engine) Status(ctx context.Context) (map[offline.Status]int, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncer: status: %w", err)
	}
	return counts, nil
}
