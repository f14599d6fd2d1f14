// Package backend declares the remote surface the terminal syncs against.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/freshfare/freshfare-pos/internal/catalog"
	"github.com/freshfare/freshfare-pos/internal/offline"
)

// MovementTypeSale marks stock movements produced by a sale.
const MovementTypeSale = "sale"

// SaleStatusFinalized is the status every synced sale header carries.
const SaleStatusFinalized = "finalized"

var (
	// ErrProductNotFound reports a stock read for a product the backend lacks.
	ErrProductNotFound = errors.New("backend: product not found")
	// ErrUnavailable marks a call that failed because the backend could not
	// be reached, as opposed to one it rejected.
	ErrUnavailable = errors.New("backend: unavailable")
)

// SaleHeader is the remote sale record.
type SaleHeader struct {
	// ClientRef is the terminal-generated sale id. The backend keeps it
	// unique so replaying a header returns the existing remote id.
	ClientRef     string
	TerminalID    string
	Subtotal      float64
	Discount      float64
	Total         float64
	PaymentMethod string
	Status        string
	Synchronized  bool
	CapturedAt    time.Time
}

// SaleItem is one remote sale line.
type SaleItem struct {
	ProductID    string
	Sequence     int
	Quantity     float64
	Weight       *float64
	UnitPrice    float64
	Subtotal     float64
	LineDiscount float64
}

// StockMovement is the audit row written for every stock change.
type StockMovement struct {
	ProductID string
	Type      string
	Quantity  float64
	Previous  float64
	New       float64
	SaleID    string
}

// FullSale is a sale written in a single backend transaction.
type FullSale struct {
	Header SaleHeader
	Items  []SaleItem
}

// CatalogReader lists active reference data.
type CatalogReader interface {
	ListActiveCategories(ctx context.Context) ([]catalog.Category, error)
	ListActiveProducts(ctx context.Context) ([]catalog.Product, error)
}

// SaleWriter applies a sale step by step. Each call is its own remote
// commit, so a caller can stop and resume between them.
type SaleWriter interface {
	// CreateSaleHeader returns the remote id. existed is true when a header
	// with the same ClientRef was already present.
	CreateSaleHeader(ctx context.Context, header SaleHeader) (id string, existed bool, err error)
	CreateSaleItems(ctx context.Context, saleID string, items []SaleItem) error
	ProductStock(ctx context.Context, productID string) (float64, error)
	SetProductStock(ctx context.Context, productID string, stock float64) error
	CreateStockMovement(ctx context.Context, movement StockMovement) error
	// CountStockMovements reports how many lines of saleID already have a
	// movement. Lines are applied in order, so the count is a resume point.
	CountStockMovements(ctx context.Context, saleID string) (int, error)
}

// Backend is the full remote surface.
type Backend interface {
	CatalogReader
	SaleWriter
	// CreateFullSale writes header, items, stock and movements atomically.
	CreateFullSale(ctx context.Context, sale FullSale) (string, error)
	Ping(ctx context.Context) error
}

// SaleItemsFrom maps captured cart lines onto remote sale lines.
func SaleItemsFrom(lines []offline.LineItem) []SaleItem {
	items := make([]SaleItem, 0, len(lines))
	for _, it := range lines {
		items = append(items, SaleItem{
			ProductID:    it.ProductID,
			Sequence:     it.Sequence,
			Quantity:     it.Quantity,
			Weight:       it.Weight,
			UnitPrice:    it.UnitPrice,
			Subtotal:     it.Subtotal,
			LineDiscount: it.LineDiscount,
		})
	}
	return items
}
