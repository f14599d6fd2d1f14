package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/freshfare/freshfare-pos/internal/backend"
	"github.com/freshfare/freshfare-pos/internal/catalog"
	"github.com/freshfare/freshfare-pos/internal/localstore"
	"github.com/freshfare/freshfare-pos/internal/offline"
	"github.com/freshfare/freshfare-pos/internal/platform/httpx"
	"github.com/freshfare/freshfare-pos/internal/syncer"
)

// Submitter records finished sales.
type Submitter interface {
	Submit(ctx context.Context, draft offline.Draft) (Receipt, error)
}

// SaleLister reads the local queue.
type SaleLister interface {
	AllSales(ctx context.Context) ([]offline.OfflineSale, error)
	SalesByStatus(ctx context.Context, status offline.Status) ([]offline.OfflineSale, error)
}

// SyncControl is the operator-facing side of the sync engine.
type SyncControl interface {
	Retry(ctx context.Context, id string) (offline.OfflineSale, error)
	Status(ctx context.Context) (map[offline.Status]int, error)
}

// RefreshClock reports the last complete cache refresh.
type RefreshClock interface {
	LastRefresh(ctx context.Context) (time.Time, error)
}

// CatalogReader answers product searches.
type CatalogReader interface {
	Products(ctx context.Context, query, categoryID string) ([]catalog.Product, error)
	Categories(ctx context.Context) ([]catalog.Category, error)
}

// HandlerParams groups the handler's collaborators.
type HandlerParams struct {
	Logger  *slog.Logger
	Submit  Submitter
	Sales   SaleLister
	Sync    SyncControl
	Refresh RefreshClock
	Catalog CatalogReader
	Net     Connectivity
	// TriggerSync schedules a manual sync; false means one is already waiting.
	TriggerSync func() bool
	// SyncRateLimit caps POST /sync per client per minute; zero means 6.
	SyncRateLimit int
}

// Handler serves the terminal's local API.
type Handler struct {
	p HandlerParams
}

// NewHandler constructs Handler.
func NewHandler(p HandlerParams) *Handler {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.SyncRateLimit <= 0 {
		p.SyncRateLimit = 6
	}
	return &Handler{p: p}
}

// MountRoutes registers the sale, sync and catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sales", func(r chi.Router) {
		r.Post("/", h.handleSubmit)
		r.Get("/queue", h.handleQueue)
		r.Post("/{id}/retry", h.handleRetry)
	})
	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.With(httprate.LimitByIP(h.p.SyncRateLimit, time.Minute)).Post("/", h.handleSyncNow)
	})
	r.Route("/catalog", func(r chi.Router) {
		r.Get("/products", h.handleProducts)
		r.Get("/categories", h.handleCategories)
	})
}

type saleView struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	RemoteSaleID  string    `json:"remote_sale_id,omitempty"`
	Total         float64   `json:"total"`
	PaymentMethod string    `json:"payment_method"`
	Items         int       `json:"items"`
}

func toView(s offline.OfflineSale) saleView {
	return saleView{
		ID:            s.ID,
		CreatedAt:     s.CreatedAt,
		Status:        string(s.Status),
		AttemptCount:  s.AttemptCount,
		LastError:     s.LastError,
		RemoteSaleID:  s.RemoteSaleID,
		Total:         s.Payload.Total,
		PaymentMethod: s.Payload.PaymentMethod,
		Items:         len(s.Payload.Items),
	}
}

type statusView struct {
	Counts           map[offline.Status]int `json:"counts"`
	Unsynced         int                    `json:"unsynced"`
	LastCacheRefresh *time.Time             `json:"last_cache_refresh"`
	Online           bool                   `json:"online"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var draft offline.Draft
	if err := httpx.DecodeJSON(w, r, &draft); err != nil {
		httpx.RespondError(w, err)
		return
	}
	receipt, err := h.p.Submit.Submit(r.Context(), draft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	var (
		sales []offline.OfflineSale
		err   error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := offline.Status(raw)
		if !status.Valid() {
			httpx.RespondError(w, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, raw))
			return
		}
		sales, err = h.p.Sales.SalesByStatus(r.Context(), status)
	} else {
		sales, err = h.p.Sales.AllSales(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]saleView, 0, len(sales))
	for _, s := range sales {
		views = append(views, toView(s))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	sale, err := h.p.Sync.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.p.TriggerSync != nil {
		h.p.TriggerSync()
	}
	httpx.JSON(w, http.StatusOK, toView(sale))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.p.Sync.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := statusView{
		Counts:   counts,
		Unsynced: counts[offline.StatusPending] + counts[offline.StatusSyncing] + counts[offline.StatusFailed],
		Online:   h.p.Net != nil && h.p.Net.Online(),
	}
	if h.p.Refresh != nil {
		last, err := h.p.Refresh.LastRefresh(r.Context())
		if err != nil {
			h.p.Logger.Warn("read last cache refresh", slog.Any("error", err))
		} else if !last.IsZero() {
			view.LastCacheRefresh = &last
		}
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	scheduled := false
	if h.p.TriggerSync != nil {
		scheduled = h.p.TriggerSync()
	}
	httpx.JSON(w, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
}

func (h *Handler) handleProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	products, err := h.p.Catalog.Products(r.Context(), q.Get("q"), q.Get("category"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.p.Catalog.Categories(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, categories)
}

// fail maps domain errors onto the httpx sentinels.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, offline.ErrInvalidSale):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, localstore.ErrSaleNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, syncer.ErrNotFailed), errors.Is(err, backend.ErrProductNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	default:
		h.p.Logger.Error("local api request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
