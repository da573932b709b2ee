// Package deliveries draws stock out of the system: client deliveries of
// bulk weight or packaged units, production consumption of raw material,
// and unit write-offs.
package deliveries

import (
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Kind describes what a delivery shipped.
type Kind string

const (
	// KindBulk ships loose weight drawn from bulk lots.
	KindBulk Kind = "GRANEL"
	// KindPackaged ships tagged packaged units.
	KindPackaged Kind = "FRACCIONADO"
)

// Delivery is the record of one outbound shipment, summarizing the lot
// allocations that were applied.
type Delivery struct {
	ID         int64
	TenantID   shared.TenantID
	Code       string
	ClientRef  string
	Kind       Kind
	LocationID int64
	Date       time.Time
	Lines      []AppliedLine
	CreatedBy  int64
	CreatedAt  time.Time
}

// AppliedLine is one lot's contribution to a delivery. Packaged lines also
// carry the presentation and unit count.
type AppliedLine struct {
	ID             int64
	DeliveryID     int64
	LotID          int64
	PresentationID *int64
	WeightKg       float64
	Units          int64
}

// BulkLine requests loose weight of a product, optionally pinned to one lot.
type BulkLine struct {
	ProductID int64
	WeightKg  float64
	LotID     int64
}

// BulkInput describes a bulk delivery.
type BulkInput struct {
	Code       string
	ClientRef  string
	LocationID int64
	Date       time.Time
	Lines      []BulkLine
	ActorID    int64
}

// PackagedLine requests whole units of a presentation.
type PackagedLine struct {
	PresentationID int64
	Units          int64
}

// PackagedInput describes a packaged delivery.
type PackagedInput struct {
	Code       string
	ClientRef  string
	LocationID int64
	Date       time.Time
	Lines      []PackagedLine
	ActorID    int64
}

// ConsumeInput describes raw material drawn by a production order.
type ConsumeInput struct {
	ProductID  int64
	WeightKg   float64
	LocationID int64
	OrderID    int64
	ActorID    int64
}

// Consumption is one lot's contribution to a production draw.
type Consumption struct {
	LotID    int64
	LotCode  string
	WeightKg float64
}

// DiscardInput writes off tagged units as shrinkage.
type DiscardInput struct {
	UnitIDs []int64
	Reason  string
	ActorID int64
}
