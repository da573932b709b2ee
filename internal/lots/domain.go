package lots

import (
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Kind distinguishes raw-material lots from bulk finished-good lots.
type Kind string

const (
	// KindRaw is a raw-material lot created on reception.
	KindRaw Kind = "MATERIA_PRIMA"
	// KindBulk is a bulk finished-good lot created on production completion.
	KindBulk Kind = "GRANEL"
)

// State is the lot lifecycle state. Raw lots are created READY; bulk lots are
// created RETAINED and released to READY after quality checks.
type State string

const (
	StateRetained  State = "RETAINED"
	StateReady     State = "READY"
	StateDelivered State = "DELIVERED"
	StateDiscarded State = "DISCARDED"
	StateExpired   State = "EXPIRED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateDelivered, StateDiscarded, StateExpired:
		return true
	default:
		return false
	}
}

// CanConsume reports whether stock may be drawn from a lot in this state.
func (s State) CanConsume() bool {
	return s == StateReady
}

// Lot is a traceable batch of raw material or bulk finished product.
// CurrentKg is a cached value: it must always equal the signed sum of ledger
// rows referencing the lot, and stay within [0, InitialKg].
type Lot struct {
	ID           int64
	TenantID     shared.TenantID
	Kind         Kind
	ProductID    int64
	Code         string
	LocationID   int64
	InitialKg    float64
	CurrentKg    float64
	ElaboratedAt time.Time
	ExpiresAt    *time.Time
	State        State
	ParentLotID  *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the lot's expiration date has passed.
func (l Lot) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// ReceiveInput describes a raw-material reception.
type ReceiveInput struct {
	Code         string
	ProductID    int64
	LocationID   int64
	WeightKg     float64
	ElaboratedAt time.Time
	ExpiresAt    *time.Time
	Reason       string
	ActorID      int64
}

// ProductionInput describes a bulk lot produced in-house.
type ProductionInput struct {
	Code         string
	ProductID    int64
	LocationID   int64
	WeightKg     float64
	ElaboratedAt time.Time
	ExpiresAt    *time.Time
	RefID        int64
	ActorID      int64
}

// AdjustInput describes a manual signed correction of a lot's quantity.
type AdjustInput struct {
	LotID   int64
	DeltaKg float64
	Reason  string
	ActorID int64
}

// Filter narrows lot listings.
type Filter struct {
	Kind       Kind
	ProductID  int64
	LocationID int64
	State      State
	Limit      int
}

// Reconciliation compares a lot's cached quantity against its ledger sum.
type Reconciliation struct {
	LotID      int64
	CurrentKg  float64
	LedgerKg   float64
	Consistent bool
}
