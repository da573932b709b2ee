// Package packaging fractions bulk lots into sellable presentations,
// minting labelled tagged units and maintaining packaged stock.
package packaging

import (
	"fmt"
	"math"
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// SaleUnit describes how a presentation is sold.
type SaleUnit string

const (
	// SaleUnitBulk is loose weight with no individual units.
	SaleUnitBulk SaleUnit = "GRANEL"
	// SaleUnitBag is a fixed-weight bag, each one labelled.
	SaleUnitBag SaleUnit = "BOLSA"
	// SaleUnitPiece is a fixed-weight piece, each one labelled.
	SaleUnitPiece SaleUnit = "UNIDAD"
)

// quantityEpsilon absorbs float64 rounding in kilogram comparisons.
const quantityEpsilon = 1e-9

// Presentation is a sellable SKU of a product.
type Presentation struct {
	ID           int64
	TenantID     shared.TenantID
	ProductID    int64
	SKUCode      string
	Name         string
	SaleUnit     SaleUnit
	UnitWeightKg *float64
	Active       bool
	CreatedAt    time.Time
}

// Tagged reports whether the presentation mints individually labelled units.
func (p Presentation) Tagged() bool {
	return p.SaleUnit == SaleUnitBag || p.SaleUnit == SaleUnitPiece
}

// Validate checks the presentation definition.
func (p Presentation) Validate() error {
	switch p.SaleUnit {
	case SaleUnitBulk:
	case SaleUnitBag, SaleUnitPiece:
		if p.UnitWeightKg == nil || *p.UnitWeightKg <= 0 {
			return shared.ValidationError("unit_weight_kg", "required and positive for bag/piece presentations")
		}
	default:
		return shared.ValidationError("sale_unit", "must be GRANEL, BOLSA or UNIDAD")
	}
	if p.SKUCode == "" {
		return shared.ValidationError("sku_code", "required")
	}
	if p.ProductID == 0 {
		return shared.ValidationError("product_id", "required")
	}
	return nil
}

// UnitsFor converts a packaged weight to a whole unit count. The weight must
// be an exact multiple of the unit weight; rounding noise within the epsilon
// is tolerated, anything beyond is rejected. Bulk presentations mint no units.
func (p Presentation) UnitsFor(weightKg float64) (int64, error) {
	if !p.Tagged() {
		return 0, nil
	}
	if p.UnitWeightKg == nil || *p.UnitWeightKg <= 0 {
		return 0, shared.ValidationError("unit_weight_kg", "not set")
	}
	units := math.Round(weightKg / *p.UnitWeightKg)
	if units < 1 || math.Abs(units**p.UnitWeightKg-weightKg) > quantityEpsilon {
		return 0, shared.ValidationError("weight_kg",
			fmt.Sprintf("%.3f is not a whole multiple of the %.3f kg unit weight", weightKg, *p.UnitWeightKg))
	}
	return int64(units), nil
}

// Stock is the packaged stock of a presentation at a location. Both
// quantities stay non-negative.
type Stock struct {
	TenantID       shared.TenantID `json:"tenant_id"`
	PresentationID int64           `json:"presentation_id"`
	LocationID     int64           `json:"location_id"`
	WeightKg       float64         `json:"weight_kg"`
	Units          int64           `json:"units"`
}

// UnitState is the lifecycle state of a tagged unit.
type UnitState string

const (
	UnitAvailable UnitState = "DISPONIBLE"
	UnitDelivered UnitState = "ENTREGADO"
	UnitAnnulled  UnitState = "ANULADO"
	UnitShrinkage UnitState = "MERMA"
)

// TaggedUnit is one labelled unit minted from a lot. Its label keeps the
// origin lot traceable on the physical package.
type TaggedUnit struct {
	ID             int64
	TenantID       shared.TenantID
	Label          string
	LotID          int64
	PresentationID int64
	LocationID     int64
	WeightKg       float64
	State          UnitState
	CreatedAt      time.Time
}

// UnitLabel composes the printed label: origin lot code, SKU code and a
// per-lot-and-SKU sequence number.
func UnitLabel(lotCode, skuCode string, seq int64) string {
	return fmt.Sprintf("%s-%s-%d", lotCode, skuCode, seq)
}

// OperationState is the lifecycle state of a packaging operation.
type OperationState string

const (
	OperationDraft     OperationState = "BORRADOR"
	OperationConfirmed OperationState = "CONFIRMADA"
	OperationAnnulled  OperationState = "ANULADA"
)

// CanEdit reports whether lines may still change.
func (s OperationState) CanEdit() bool { return s == OperationDraft }

// CanConfirm reports whether the operation may be confirmed.
func (s OperationState) CanConfirm() bool { return s == OperationDraft }

// CanAnnul reports whether the operation may be annulled.
func (s OperationState) CanAnnul() bool { return s == OperationDraft }

// Line is one packaging output: a presentation and the bulk weight it takes.
type Line struct {
	ID             int64
	OperationID    int64
	PresentationID int64
	WeightKg       float64
}

// Operation fractions one bulk lot into presentations at a destination
// location. Confirmation applies all stock effects in a single transaction.
type Operation struct {
	ID                    int64
	TenantID              shared.TenantID
	LotID                 int64
	DestinationLocationID int64
	State                 OperationState
	Lines                 []Line
	CreatedBy             int64
	CreatedAt             time.Time
	ConfirmedAt           *time.Time
}

// TotalWeight sums the bulk weight the operation draws from its lot.
func (o Operation) TotalWeight() float64 {
	var total float64
	for _, l := range o.Lines {
		total += l.WeightKg
	}
	return total
}

// MintedUnit pairs a minted tagged unit with its line, returned by
// confirmation for the response payload.
type MintedUnit struct {
	UnitID         int64
	Label          string
	PresentationID int64
}

// ConfirmResult summarizes a confirmed operation.
type ConfirmResult struct {
	OperationID int64
	LotID       int64
	ConsumedKg  float64
	Units       []MintedUnit
}

// UnitFilter narrows tagged-unit listings.
type UnitFilter struct {
	LotID          int64
	PresentationID int64
	LocationID     int64
	State          UnitState
	Limit          int
}
