package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status enumerates the lifecycle of a queued sale.
type Status string

const (
	// StatusPending waits for the next sync pass.
	StatusPending Status = "pending"
	// StatusSyncing is held by the pass currently delivering the sale.
	StatusSyncing Status = "syncing"
	// StatusSynced is terminal; the record is retained for audit.
	StatusSynced Status = "synced"
	// StatusFailed records the last delivery error.
	StatusFailed Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusSyncing, StatusSynced, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the queue permits moving from s to next.
// failed -> pending is the requeue edge and syncing -> pending defers a sale
// the backend could not be reached for; synced accepts nothing.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing
	case StatusSyncing:
		return next == StatusSynced || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// PayloadVersion is the current payload schema version.
const PayloadVersion = 1

// LineItem is one immutable cart line captured at checkout.
type LineItem struct {
	ProductID    string   `json:"product_id" validate:"required"`
	Quantity     float64  `json:"quantity" validate:"gt=0"`
	Weight       *float64 `json:"weight,omitempty" validate:"omitempty,gte=0"`
	UnitPrice    float64  `json:"unit_price" validate:"gte=0"`
	Subtotal     float64  `json:"subtotal" validate:"gte=0"`
	LineDiscount float64  `json:"line_discount" validate:"gte=0"`
	Sequence     int      `json:"sequence" validate:"gte=1"`
}

// QuantityDeducted is the amount removed from stock for the line: the
// weight when the line was weighed, the quantity otherwise.
func (i LineItem) QuantityDeducted() float64 {
	if i.Weight != nil {
		return *i.Weight
	}
	return i.Quantity
}

// Payload is the versioned snapshot of a sale.
type Payload struct {
	Version       int        `json:"version"`
	Items         []LineItem `json:"items" validate:"required,min=1,dive"`
	Subtotal      float64    `json:"subtotal" validate:"gte=0"`
	Discount      float64    `json:"discount" validate:"gte=0"`
	Total         float64    `json:"total" validate:"gte=0"`
	PaymentMethod string     `json:"payment_method" validate:"required"`
}

// Draft is the payload handed over by checkout before it is queued.
type Draft = Payload

// OfflineSale is a captured sale waiting to be reconciled with the backend.
type OfflineSale struct {
	ID           string
	CreatedAt    time.Time
	Payload      Payload
	Status       Status
	LastError    string
	AttemptCount int

	// Resume checkpoint: steps already committed remotely by an earlier attempt.
	RemoteSaleID string
	ItemsCreated bool
	LinesApplied int

	UpdatedAt time.Time
}

var (
	// ErrUnsupportedPayloadVersion reports a payload newer than this build understands.
	ErrUnsupportedPayloadVersion = errors.New("offline: payload version unsupported")
	// ErrInvalidTransition reports a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("offline: invalid status transition")
	// ErrInvalidSale reports a draft that fails validation.
	ErrInvalidSale = errors.New("offline: invalid sale")
)

// Transition moves the sale to next, enforcing the lifecycle.
func (s *OfflineSale) Transition(next Status, at time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = at
	return nil
}

// EncodePayload serializes p with the current version tag.
func EncodePayload(p Payload) ([]byte, error) {
	p.Version = PayloadVersion
	return json.Marshal(p)
}

// DecodePayload parses a stored payload, upgrading older versions.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("offline: decode payload: %w", err)
	}
	switch p.Version {
	case 0:
		// Untagged payloads predate versioning and share the v1 shape.
		p.Version = PayloadVersion
	case PayloadVersion:
	default:
		return Payload{}, fmt.Errorf("%w: %d", ErrUnsupportedPayloadVersion, p.Version)
	}
	return p, nil
}
