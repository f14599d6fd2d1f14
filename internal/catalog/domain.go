package catalog

import (
	"errors"
	"time"
)

// SaleType tells checkout how a product is priced and measured.
type SaleType string

const (
	// SaleTypeByWeight is sold per kilogram from the scale.
	SaleTypeByWeight SaleType = "by-weight"
	// SaleTypeByUnit is sold per piece.
	SaleTypeByUnit SaleType = "by-unit"
	// SaleTypeHybrid can be sold either way.
	SaleTypeHybrid SaleType = "hybrid"
)

// Valid reports whether the sale type is one of the known tags.
func (t SaleType) Valid() bool {
	switch t {
	case SaleTypeByWeight, SaleTypeByUnit, SaleTypeHybrid:
		return true
	}
	return false
}

// Category mirrors a backend product category.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Product mirrors a backend product. The terminal never mutates it locally.
type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Barcode    *string   `json:"barcode,omitempty"`
	CategoryID *string   `json:"category_id,omitempty"`
	Category   *Category `json:"category,omitempty"`
	SaleType   SaleType  `json:"sale_type"`
	PricePerKg *float64  `json:"price_per_kg,omitempty"`
	UnitPrice  *float64  `json:"unit_price,omitempty"`
	Stock      float64   `json:"stock"`
	MinStock   float64   `json:"min_stock"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BarcodeValue returns the barcode or an empty string.
func (p Product) BarcodeValue() string {
	if p.Barcode == nil {
		return ""
	}
	return *p.Barcode
}

// CategoryValue returns the category id or an empty string.
func (p Product) CategoryValue() string {
	if p.CategoryID == nil {
		return ""
	}
	return *p.CategoryID
}

// ErrProductNotFound indicates a product id unknown to the catalog.
var ErrProductNotFound = errors.New("catalog: product not found")
