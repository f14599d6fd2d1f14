// Package backendtest provides an in-memory backend with per-step failure
// injection for tests.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/freshfare/freshfare-pos/internal/backend"
	"github.com/freshfare/freshfare-pos/internal/catalog"
)

// Step names one backend call.
type Step string

const (
	StepListCategories Step = "list_categories"
	StepListProducts   Step = "list_products"
	StepHeader         Step = "header"
	StepItems          Step = "items"
	StepReadStock      Step = "read_stock"
	StepWriteStock     Step = "write_stock"
	StepMovement       Step = "movement"
	StepCountMovements Step = "count_movements"
	StepFullSale       Step = "full_sale"
	StepPing           Step = "ping"
)

// Hook runs before a step; a non-nil result fails the call.
type Hook func(ctx context.Context) error

// Header is a stored sale header with its remote id.
type Header struct {
	ID string
	backend.SaleHeader
}

// Backend is a thread-safe fake of backend.Backend.
type Backend struct {
	mu         sync.Mutex
	categories []catalog.Category
	products   map[string]catalog.Product
	headers    []Header
	byRef      map[string]string
	items      map[string][]backend.SaleItem
	movements  []backend.StockMovement
	failures   map[Step]error
	hooks      map[Step]Hook
	calls      map[Step]int
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		products: map[string]catalog.Product{},
		byRef:    map[string]string{},
		items:    map[string][]backend.SaleItem{},
		failures: map[Step]error{},
		hooks:    map[Step]Hook{},
		calls:    map[Step]int{},
	}
}

// AddCategory seeds a category.
func (b *Backend) AddCategory(c catalog.Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.categories = append(b.categories, c)
}

// AddProduct seeds or replaces a product.
func (b *Backend) AddProduct(p catalog.Product) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.products[p.ID] = p
}

// Fail makes every call of step return err until Clear.
func (b *Backend) Fail(step Step, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[step] = err
}

// Clear removes the failure and hook of step.
func (b *Backend) Clear(step Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, step)
	delete(b.hooks, step)
}

// OnStep installs a hook that runs, unlocked, before step.
func (b *Backend) OnStep(step Step, hook Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[step] = hook
}

// Calls reports how many times step was invoked.
func (b *Backend) Calls(step Step) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[step]
}

// Headers returns stored headers in creation order.
func (b *Backend) Headers() []Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Header(nil), b.headers...)
}

// Items returns the lines of a remote sale.
func (b *Backend) Items(saleID string) []backend.SaleItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.SaleItem(nil), b.items[saleID]...)
}

// Movements returns every stock movement.
func (b *Backend) Movements() []backend.StockMovement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.StockMovement(nil), b.movements...)
}

// Stock returns the current stock of a product.
func (b *Backend) Stock(productID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.products[productID].Stock
}

func (b *Backend) enter(ctx context.Context, step Step) error {
	b.mu.Lock()
	b.calls[step]++
	hook := b.hooks[step]
	err := b.failures[step]
	b.mu.Unlock()
	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// ListActiveCategories implements backend.CatalogReader.
func (b *Backend) ListActiveCategories(ctx context.Context) ([]catalog.Category, error) {
	if err := b.enter(ctx, StepListCategories); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []catalog.Category{}
	for _, c := range b.categories {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListActiveProducts implements backend.CatalogReader. Products carry their
// joined category.
func (b *Backend) ListActiveProducts(ctx context.Context) ([]catalog.Product, error) {
	if err := b.enter(ctx, StepListProducts); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cats := make(map[string]catalog.Category, len(b.categories))
	for _, c := range b.categories {
		cats[c.ID] = c
	}
	out := []catalog.Product{}
	for _, p := range b.products {
		if !p.Active {
			continue
		}
		if c, ok := cats[p.CategoryValue()]; ok {
			c := c
			p.Category = &c
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateSaleHeader implements backend.SaleWriter.
func (b *Backend) CreateSaleHeader(ctx context.Context, header backend.SaleHeader) (string, bool, error) {
	if err := b.enter(ctx, StepHeader); err != nil {
		return "", false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertHeader(header)
}

func (b *Backend) insertHeader(header backend.SaleHeader) (string, bool, error) {
	if header.ClientRef != "" {
		if id, ok := b.byRef[header.ClientRef]; ok {
			return id, true, nil
		}
	}
	id := uuid.NewString()
	b.headers = append(b.headers, Header{ID: id, SaleHeader: header})
	if header.ClientRef != "" {
		b.byRef[header.ClientRef] = id
	}
	return id, false, nil
}

// CreateSaleItems implements backend.SaleWriter. Lines already stored under
// the same sequence are left untouched.
func (b *Backend) CreateSaleItems(ctx context.Context, saleID string, items []backend.SaleItem) error {
	if err := b.enter(ctx, StepItems); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertItems(saleID, items)
	return nil
}

func (b *Backend) insertItems(saleID string, items []backend.SaleItem) {
	seen := map[int]bool{}
	for _, it := range b.items[saleID] {
		seen[it.Sequence] = true
	}
	for _, it := range items {
		if !seen[it.Sequence] {
			b.items[saleID] = append(b.items[saleID], it)
			seen[it.Sequence] = true
		}
	}
}

// ProductStock implements backend.SaleWriter.
func (b *Backend) ProductStock(ctx context.Context, productID string) (float64, error) {
	if err := b.enter(ctx, StepReadStock); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.products[productID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", backend.ErrProductNotFound, productID)
	}
	return p.Stock, nil
}

// SetProductStock implements backend.SaleWriter.
func (b *Backend) SetProductStock(ctx context.Context, productID string, stock float64) error {
	if err := b.enter(ctx, StepWriteStock); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrProductNotFound, productID)
	}
	p.Stock = stock
	b.products[productID] = p
	return nil
}

// CreateStockMovement implements backend.SaleWriter.
func (b *Backend) CreateStockMovement(ctx context.Context, movement backend.StockMovement) error {
	if err := b.enter(ctx, StepMovement); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.movements = append(b.movements, movement)
	return nil
}

// CountStockMovements implements backend.SaleWriter.
func (b *Backend) CountStockMovements(ctx context.Context, saleID string) (int, error) {
	if err := b.enter(ctx, StepCountMovements); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.movements {
		if m.SaleID == saleID {
			n++
		}
	}
	return n, nil
}

// CreateFullSale implements backend.Backend; all writes apply or none do.
func (b *Backend) CreateFullSale(ctx context.Context, sale backend.FullSale) (string, error) {
	if err := b.enter(ctx, StepFullSale); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range sale.Items {
		if _, ok := b.products[it.ProductID]; !ok {
			return "", fmt.Errorf("%w: %s", backend.ErrProductNotFound, it.ProductID)
		}
	}
	id, existed, err := b.insertHeader(sale.Header)
	if err != nil || existed {
		return id, err
	}
	b.insertItems(id, sale.Items)
	for _, it := range sale.Items {
		p := b.products[it.ProductID]
		deducted := it.Quantity
		if it.Weight != nil {
			deducted = *it.Weight
		}
		prev := p.Stock
		p.Stock = prev - deducted
		b.products[it.ProductID] = p
		b.movements = append(b.movements, backend.StockMovement{
			ProductID: it.ProductID,
			Type:      backend.MovementTypeSale,
			Quantity:  -deducted,
			Previous:  prev,
			New:       p.Stock,
			SaleID:    id,
		})
	}
	return id, nil
}

// Ping implements backend.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	return b.enter(ctx, StepPing)
}
