package ledger

import (
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// MovementType enumerates the supported kinds of physical quantity change.
type MovementType string

const (
	// MovementReception records raw-material intake.
	MovementReception MovementType = "RECEPCION"
	// MovementProductionConsumption records raw material consumed by production.
	MovementProductionConsumption MovementType = "CONSUMO_PRODUCCION"
	// MovementProductionIngress records bulk finished product entering stock.
	MovementProductionIngress MovementType = "INGRESO_PRODUCCION"
	// MovementPackagingConsumption records bulk or supply quantity consumed while packaging.
	MovementPackagingConsumption MovementType = "CONSUMO_FRACCIONAMIENTO"
	// MovementPackagingIngress records packaged stock produced while packaging.
	MovementPackagingIngress MovementType = "INGRESO_FRACCIONAMIENTO"
	// MovementDelivery records outbound stock for a delivery.
	MovementDelivery MovementType = "ENTREGA"
	// MovementTransferOut records stock leaving a location in a transfer.
	MovementTransferOut MovementType = "TRANSFERENCIA_SALIDA"
	// MovementTransferIn records stock arriving at a location in a transfer.
	MovementTransferIn MovementType = "TRANSFERENCIA_ENTRADA"
	// MovementAdjustment records a manual signed correction.
	MovementAdjustment MovementType = "AJUSTE"
	// MovementShrinkage records loss or discarded stock.
	MovementShrinkage MovementType = "MERMA"
)

// IsValid reports whether the movement type belongs to the known set.
func (t MovementType) IsValid() bool {
	switch t {
	case MovementReception, MovementProductionConsumption, MovementProductionIngress,
		MovementPackagingConsumption, MovementPackagingIngress, MovementDelivery,
		MovementTransferOut, MovementTransferIn, MovementAdjustment, MovementShrinkage:
		return true
	default:
		return false
	}
}

// Movement is one immutable row of the append-only ledger. One row exists per
// physical quantity change; rows are never updated or deleted.
type Movement struct {
	ID             int64
	TenantID       shared.TenantID
	Type           MovementType
	WeightKg       float64
	Units          *int64
	LocationID     int64
	LotID          *int64
	PresentationID *int64
	UnitID         *int64
	SupplyID       *int64
	Reason         string
	ActorID        int64
	RefType        string
	RefID          int64
	Evidence       map[string]any
	CreatedAt      time.Time
}

// Filter narrows ledger listings.
type Filter struct {
	LotID          *int64
	PresentationID *int64
	LocationID     *int64
	RefType        string
	RefID          int64
	Limit          int
}
