package lots

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error)
	ListLots(ctx context.Context, tenant shared.TenantID, filter Filter) ([]Lot, error)
	SumForLot(ctx context.Context, tenant shared.TenantID, lotID int64) (float64, error)
}

// Service coordinates lot lifecycle operations.
type Service struct {
	repo   RepositoryPort
	audit  audit.Recorder
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(repo RepositoryPort, recorder audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: recorder, logger: logger}
}

// quantityEpsilon absorbs float64 rounding in kilogram comparisons.
const quantityEpsilon = 1e-9

// Receive registers a raw-material lot and its RECEPCION ledger entry.
func (s *Service) Receive(ctx context.Context, tenant shared.TenantID, input ReceiveInput) (Lot, error) {
	if !tenant.Valid() {
		return Lot{}, shared.ErrTenantRequired
	}
	if input.Code == "" {
		return Lot{}, shared.ValidationError("code", "required")
	}
	if input.ProductID == 0 || input.LocationID == 0 {
		return Lot{}, shared.ValidationError("product_id/location_id", "required")
	}
	if input.WeightKg <= 0 {
		return Lot{}, shared.ValidationError("weight_kg", "must be positive")
	}

	lot := Lot{
		TenantID:     tenant,
		Kind:         KindRaw,
		ProductID:    input.ProductID,
		Code:         input.Code,
		LocationID:   input.LocationID,
		InitialKg:    input.WeightKg,
		CurrentKg:    input.WeightKg,
		ElaboratedAt: input.ElaboratedAt,
		ExpiresAt:    input.ExpiresAt,
		State:        StateReady,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		lotID := id
		_, err = tx.AppendMovement(ctx, ledger.Movement{
			TenantID:   tenant,
			Type:       ledger.MovementReception,
			WeightKg:   input.WeightKg,
			LocationID: input.LocationID,
			LotID:      &lotID,
			Reason:     input.Reason,
			ActorID:    input.ActorID,
			RefType:    "lot",
			RefID:      id,
		})
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.record(ctx, audit.Entry{
		TenantID: tenant,
		ActorID:  input.ActorID,
		Action:   "lots:receive",
		Entity:   "lot",
		EntityID: strconv.FormatInt(lot.ID, 10),
		Meta:     map[string]any{"code": lot.Code, "weight_kg": input.WeightKg},
	})
	return lot, nil
}

// RegisterProduction registers a bulk finished-good lot produced in-house.
// The lot starts RETAINED until released.
func (s *Service) RegisterProduction(ctx context.Context, tenant shared.TenantID, input ProductionInput) (Lot, error) {
	if !tenant.Valid() {
		return Lot{}, shared.ErrTenantRequired
	}
	if input.Code == "" {
		return Lot{}, shared.ValidationError("code", "required")
	}
	if input.ProductID == 0 || input.LocationID == 0 {
		return Lot{}, shared.ValidationError("product_id/location_id", "required")
	}
	if input.WeightKg <= 0 {
		return Lot{}, shared.ValidationError("weight_kg", "must be positive")
	}

	lot := Lot{
		TenantID:     tenant,
		Kind:         KindBulk,
		ProductID:    input.ProductID,
		Code:         input.Code,
		LocationID:   input.LocationID,
		InitialKg:    input.WeightKg,
		CurrentKg:    input.WeightKg,
		ElaboratedAt: input.ElaboratedAt,
		ExpiresAt:    input.ExpiresAt,
		State:        StateRetained,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		lotID := id
		_, err = tx.AppendMovement(ctx, ledger.Movement{
			TenantID:   tenant,
			Type:       ledger.MovementProductionIngress,
			WeightKg:   input.WeightKg,
			LocationID: input.LocationID,
			LotID:      &lotID,
			ActorID:    input.ActorID,
			RefType:    "production_order",
			RefID:      input.RefID,
		})
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.record(ctx, audit.Entry{
		TenantID: tenant,
		ActorID:  input.ActorID,
		Action:   "lots:production",
		Entity:   "lot",
		EntityID: strconv.FormatInt(lot.ID, 10),
		Meta:     map[string]any{"code": lot.Code, "weight_kg": input.WeightKg},
	})
	return lot, nil
}

// Release transitions a RETAINED bulk lot to READY.
func (s *Service) Release(ctx context.Context, tenant shared.TenantID, lotID, actorID int64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, tenant, lotID)
		if err != nil {
			return err
		}
		if lot.State != StateRetained {
			return &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lot.State),
				Allowed: []string{string(StateRetained)},
			}
		}
		return tx.SetLotState(ctx, tenant, lotID, StateReady)
	})
	if err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		TenantID: tenant,
		ActorID:  actorID,
		Action:   "lots:release",
		Entity:   "lot",
		EntityID: strconv.FormatInt(lotID, 10),
	})
	return nil
}

// Discard transitions a lot to DISCARDED, writing off its remaining quantity
// as shrinkage.
func (s *Service) Discard(ctx context.Context, tenant shared.TenantID, lotID int64, reason string, actorID int64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	if reason == "" {
		return shared.ValidationError("reason", "required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, tenant, lotID)
		if err != nil {
			return err
		}
		if lot.State.IsTerminal() {
			return &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lot.State),
				Allowed: []string{string(StateRetained), string(StateReady)},
			}
		}
		if lot.CurrentKg > 0 {
			id := lot.ID
			_, err = tx.AppendMovement(ctx, ledger.Movement{
				TenantID:   tenant,
				Type:       ledger.MovementShrinkage,
				WeightKg:   -lot.CurrentKg,
				LocationID: lot.LocationID,
				LotID:      &id,
				Reason:     reason,
				ActorID:    actorID,
				RefType:    "lot",
				RefID:      lot.ID,
			})
			if err != nil {
				return err
			}
			if err := tx.UpdateLotQuantity(ctx, tenant, lotID, 0); err != nil {
				return err
			}
		}
		return tx.SetLotState(ctx, tenant, lotID, StateDiscarded)
	})
	if err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		TenantID: tenant,
		ActorID:  actorID,
		Action:   "lots:discard",
		Entity:   "lot",
		EntityID: strconv.FormatInt(lotID, 10),
		Meta:     map[string]any{"reason": reason},
	})
	return nil
}

// Adjust applies a manual signed correction, keeping the lot within
// [0, initial] and its ledger in step.
func (s *Service) Adjust(ctx context.Context, tenant shared.TenantID, input AdjustInput) (Lot, error) {
	if !tenant.Valid() {
		return Lot{}, shared.ErrTenantRequired
	}
	if math.Abs(input.DeltaKg) < quantityEpsilon {
		return Lot{}, shared.ValidationError("delta_kg", "must be non-zero")
	}
	if input.Reason == "" {
		return Lot{}, shared.ValidationError("reason", "required")
	}
	var adjusted Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, tenant, input.LotID)
		if err != nil {
			return err
		}
		if lot.State.IsTerminal() {
			return &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lot.State),
				Allowed: []string{string(StateRetained), string(StateReady)},
			}
		}
		newKg := lot.CurrentKg + input.DeltaKg
		if newKg < -quantityEpsilon {
			return &shared.InsufficientStockError{
				Resource:  fmt.Sprintf("lot %s", lot.Code),
				Requested: -input.DeltaKg,
				Available: lot.CurrentKg,
			}
		}
		if newKg > lot.InitialKg+quantityEpsilon {
			return shared.ValidationError("delta_kg", "would exceed the lot's initial quantity")
		}
		if newKg < 0 {
			newKg = 0
		}
		id := lot.ID
		_, err = tx.AppendMovement(ctx, ledger.Movement{
			TenantID:   tenant,
			Type:       ledger.MovementAdjustment,
			WeightKg:   input.DeltaKg,
			LocationID: lot.LocationID,
			LotID:      &id,
			Reason:     input.Reason,
			ActorID:    input.ActorID,
			RefType:    "lot",
			RefID:      lot.ID,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateLotQuantity(ctx, tenant, input.LotID, newKg); err != nil {
			return err
		}
		adjusted = lot
		adjusted.CurrentKg = newKg
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.record(ctx, audit.Entry{
		TenantID: tenant,
		ActorID:  input.ActorID,
		Action:   "lots:adjust",
		Entity:   "lot",
		EntityID: strconv.FormatInt(input.LotID, 10),
		Meta:     map[string]any{"delta_kg": input.DeltaKg, "reason": input.Reason},
	})
	return adjusted, nil
}

// Get fetches one lot.
func (s *Service) Get(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	if !tenant.Valid() {
		return Lot{}, shared.ErrTenantRequired
	}
	return s.repo.GetLot(ctx, tenant, id)
}

// List returns lots matching the filter.
func (s *Service) List(ctx context.Context, tenant shared.TenantID, filter Filter) ([]Lot, error) {
	if !tenant.Valid() {
		return nil, shared.ErrTenantRequired
	}
	return s.repo.ListLots(ctx, tenant, filter)
}

// Reconcile compares the lot's cached quantity with its ledger sum. The two
// must agree; a mismatch means the materialized quantity has drifted.
func (s *Service) Reconcile(ctx context.Context, tenant shared.TenantID, lotID int64) (Reconciliation, error) {
	if !tenant.Valid() {
		return Reconciliation{}, shared.ErrTenantRequired
	}
	lot, err := s.repo.GetLot(ctx, tenant, lotID)
	if err != nil {
		return Reconciliation{}, err
	}
	sum, err := s.repo.SumForLot(ctx, tenant, lotID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		LotID:      lotID,
		CurrentKg:  lot.CurrentKg,
		LedgerKg:   sum,
		Consistent: math.Abs(lot.CurrentKg-sum) < quantityEpsilon,
	}, nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", entry.Action), slog.Any("error", err))
	}
}
