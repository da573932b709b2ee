// Package transfers relocates stock between locations: whole or partial
// lots of raw and bulk material, and packaged tagged units.
package transfers

import (
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Kind selects what a transfer moves.
type Kind string

const (
	// KindRaw moves raw-material lots.
	KindRaw Kind = "MATERIA_PRIMA"
	// KindBulk moves bulk finished-good lots.
	KindBulk Kind = "GRANEL"
	// KindPackaged moves tagged packaged units.
	KindPackaged Kind = "FRACCIONADO"
)

// IsValid reports whether the kind belongs to the known set.
func (k Kind) IsValid() bool {
	switch k {
	case KindRaw, KindBulk, KindPackaged:
		return true
	default:
		return false
	}
}

// State is the transfer lifecycle state.
type State string

const (
	StateDraft     State = "BORRADOR"
	StateConfirmed State = "CONFIRMADA"
	StateAnnulled  State = "ANULADA"
)

// CanConfirm reports whether the transfer may be confirmed.
func (s State) CanConfirm() bool { return s == StateDraft }

// CanAnnul reports whether the transfer may be annulled.
func (s State) CanAnnul() bool { return s == StateDraft }

// Line is one transfer item. Lot lines carry a lot and a weight; packaged
// lines carry a presentation and a unit count.
type Line struct {
	ID             int64
	TransferID     int64
	LotID          *int64
	PresentationID *int64
	WeightKg       float64
	Units          int64
}

// Transfer relocates stock from a source to a destination location.
// Confirmation applies all movements in one transaction.
type Transfer struct {
	ID                    int64
	TenantID              shared.TenantID
	Kind                  Kind
	State                 State
	SourceLocationID      int64
	DestinationLocationID int64
	Lines                 []Line
	MovedUnitIDs          []int64
	CreatedBy             int64
	CreatedAt             time.Time
	ConfirmedAt           *time.Time
}

// LineResult describes what one confirmed line did to its lot: a move keeps
// the lot id, a split creates a child lot at the destination.
type LineResult struct {
	LotID      int64
	ChildLotID int64
	ChildCode  string
	WeightKg   float64
	Split      bool
}

// ConfirmResult summarizes a confirmed transfer.
type ConfirmResult struct {
	TransferID   int64
	Lots         []LineResult
	MovedUnitIDs []int64
}
