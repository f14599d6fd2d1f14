// Package checkout accepts finished sales from the register and exposes the
// terminal's local HTTP API.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freshfare/freshfare-pos/internal/backend"
	"github.com/freshfare/freshfare-pos/internal/offline"
)

// Queue is the offline capture queue.
type Queue interface {
	NewID() string
	Validate(draft offline.Draft) error
	EnqueueAs(ctx context.Context, id string, draft offline.Draft) (offline.OfflineSale, error)
}

// Writer writes a whole sale to the backend in one transaction.
type Writer interface {
	CreateFullSale(ctx context.Context, sale backend.FullSale) (string, error)
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	Online() bool
}

// Receipt tells the register where the sale went.
type Receipt struct {
	SaleID       string `json:"sale_id"`
	RemoteSaleID string `json:"remote_sale_id,omitempty"`
	Queued       bool   `json:"queued"`
}

// Config tunes Service.
type Config struct {
	TerminalID string
	// Timeout bounds the online write before falling back to the queue.
	Timeout time.Duration
}

// Service submits sales online when possible and queues them otherwise.
type Service struct {
	queue  Queue
	remote Writer
	net    Connectivity
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(queue Queue, remote Writer, net Connectivity, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		queue:  queue,
		remote: remote,
		net:    net,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a finished sale. Online, the sale is written to the backend
// directly; on a transport failure it is queued under the same id, so a
// write that did land is recognised by its client reference at sync time.
// Backend rejections that a retry cannot fix are returned to the caller.
func (s *Service) Submit(ctx context.Context, draft offline.Draft) (Receipt, error) {
	if err := s.queue.Validate(draft); err != nil {
		return Receipt{}, err
	}
	id := s.queue.NewID()

	if s.remote != nil && s.net != nil && s.net.Online() {
		remoteID, err := s.writeOnline(ctx, id, draft)
		if err == nil {
			s.logger.Info("sale written online",
				slog.String("sale_id", id),
				slog.String("remote_sale_id", remoteID))
			return Receipt{SaleID: id, RemoteSaleID: remoteID}, nil
		}
		if errors.Is(err, backend.ErrProductNotFound) {
			return Receipt{}, err
		}
		s.logger.Warn("online write failed, queueing sale",
			slog.String("sale_id", id),
			slog.Any("error", err))
	}

	sale, err := s.queue.EnqueueAs(ctx, id, draft)
	if err != nil {
		return Receipt{}, fmt.Errorf("checkout: queue sale: %w", err)
	}
	return Receipt{SaleID: sale.ID, Queued: true}, nil
}

func (s *Service) writeOnline(ctx context.Context, id string, draft offline.Draft) (string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return s.remote.CreateFullSale(ctx, backend.FullSale{
		Header: backend.SaleHeader{
			ClientRef:     id,
			TerminalID:    s.cfg.TerminalID,
			Subtotal:      draft.Subtotal,
			Discount:      draft.Discount,
			Total:         draft.Total,
			PaymentMethod: draft.PaymentMethod,
			Status:        backend.SaleStatusFinalized,
			Synchronized:  true,
			CapturedAt:    s.now(),
		},
		Items: backend.SaleItemsFrom(draft.Items),
	})
}
