package deliveries

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/fefo"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// quantityEpsilon absorbs float64 rounding in kilogram comparisons.
const quantityEpsilon = 1e-9

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, tenant shared.TenantID, id int64) (Delivery, error)
	MarkLotExpired(ctx context.Context, tenant shared.TenantID, lotID int64) error
}

// Service coordinates outbound stock operations.
type Service struct {
	repo   RepositoryPort
	cache  *packaging.StockCache
	audit  audit.Recorder
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(repo RepositoryPort, cache *packaging.StockCache, recorder audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: recorder, logger: logger}
}

// CreateBulk delivers loose weight drawn from bulk lots. Unpinned lines
// allocate first-expired-first-out across READY lots at the location; a
// pinned line draws from its named lot only. An expired pinned lot aborts
// the whole delivery, and its expiry transition survives the rollback.
func (s *Service) CreateBulk(ctx context.Context, tenant shared.TenantID, input BulkInput) (Delivery, error) {
	if !tenant.Valid() {
		return Delivery{}, shared.ErrTenantRequired
	}
	if err := validateHeader(input.Code, input.LocationID, len(input.Lines)); err != nil {
		return Delivery{}, err
	}
	var (
		delivery    Delivery
		markExpired []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := time.Now()
		delivery = Delivery{
			TenantID:   tenant,
			Code:       input.Code,
			ClientRef:  input.ClientRef,
			Kind:       KindBulk,
			LocationID: input.LocationID,
			Date:       deliveryDate(input.Date),
			CreatedBy:  input.ActorID,
		}
		id, err := tx.InsertDelivery(ctx, delivery)
		if err != nil {
			return err
		}
		delivery.ID = id

		for _, line := range input.Lines {
			if line.WeightKg <= 0 {
				return shared.ValidationError("weight_kg", "must be positive")
			}
			allocations, err := s.allocateBulk(ctx, tx, tenant, input.LocationID, line, now, &markExpired)
			if err != nil {
				return err
			}
			for _, a := range allocations {
				applied, err := s.applyLotDraw(ctx, tx, tenant, a.lot, a.takeKg, ledger.Movement{
					TenantID:   tenant,
					Type:       ledger.MovementDelivery,
					WeightKg:   -a.takeKg,
					LocationID: input.LocationID,
					ActorID:    input.ActorID,
					RefType:    "delivery",
					RefID:      id,
				})
				if err != nil {
					return err
				}
				applied.DeliveryID = id
				lineID, err := tx.InsertDeliveryLine(ctx, tenant, applied)
				if err != nil {
					return err
				}
				applied.ID = lineID
				delivery.Lines = append(delivery.Lines, applied)
			}
		}
		return nil
	})
	s.markExpiredLots(ctx, tenant, markExpired)
	if err != nil {
		return Delivery{}, err
	}
	s.record(ctx, tenant, input.ActorID, "deliveries:bulk", delivery.ID, map[string]any{
		"code": delivery.Code, "lines": len(delivery.Lines),
	})
	return delivery, nil
}

type bulkAllocation struct {
	lot    lots.Lot
	takeKg float64
}

func (s *Service) allocateBulk(ctx context.Context, tx TxRepository, tenant shared.TenantID, locationID int64, line BulkLine, now time.Time, markExpired *[]int64) ([]bulkAllocation, error) {
	if line.LotID != 0 {
		lot, err := tx.GetLotForUpdate(ctx, tenant, line.LotID)
		if err != nil {
			return nil, err
		}
		if lot.Expired(now) && !lot.State.IsTerminal() {
			*markExpired = append(*markExpired, lot.ID)
			return nil, &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lots.StateExpired),
				Allowed: []string{string(lots.StateReady)},
			}
		}
		if !lot.State.CanConsume() {
			return nil, &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lot.State),
				Allowed: []string{string(lots.StateReady)},
			}
		}
		if lot.LocationID != locationID {
			return nil, shared.ValidationError("lot_id", "lot is not at the delivery location")
		}
		if lot.CurrentKg+quantityEpsilon < line.WeightKg {
			return nil, &shared.InsufficientStockError{
				Resource:  fmt.Sprintf("lot %s", lot.Code),
				Requested: line.WeightKg,
				Available: lot.CurrentKg,
			}
		}
		return []bulkAllocation{{lot: lot, takeKg: line.WeightKg}}, nil
	}

	if line.ProductID == 0 {
		return nil, shared.ValidationError("product_id", "required when no lot is pinned")
	}
	locked, err := tx.LockReadyLots(ctx, tenant, lots.KindBulk, line.ProductID, locationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]lots.Lot, len(locked))
	candidates := make([]fefo.Candidate, 0, len(locked))
	for _, lot := range locked {
		if lot.Expired(now) {
			// Expired stock never ships; flag it and allocate around it.
			*markExpired = append(*markExpired, lot.ID)
			continue
		}
		byID[lot.ID] = lot
		candidates = append(candidates, fefo.Candidate{
			LotID:        lot.ID,
			ExpiresAt:    lot.ExpiresAt,
			ElaboratedAt: lot.ElaboratedAt,
			AvailableKg:  lot.CurrentKg,
		})
	}
	plan, err := fefo.PlanBulk(fmt.Sprintf("producto %d", line.ProductID), candidates, line.WeightKg)
	if err != nil {
		return nil, err
	}
	out := make([]bulkAllocation, 0, len(plan))
	for _, a := range plan {
		out = append(out, bulkAllocation{lot: byID[a.LotID], takeKg: a.TakeKg})
	}
	return out, nil
}

// applyLotDraw appends the movement, decrements the lot and transitions it to
// DELIVERED when it hits zero.
func (s *Service) applyLotDraw(ctx context.Context, tx TxRepository, tenant shared.TenantID, lot lots.Lot, takeKg float64, mov ledger.Movement) (AppliedLine, error) {
	lotID := lot.ID
	mov.LotID = &lotID
	if _, err := tx.AppendMovement(ctx, mov); err != nil {
		return AppliedLine{}, err
	}
	remaining := lot.CurrentKg - takeKg
	if remaining < quantityEpsilon {
		remaining = 0
	}
	if err := tx.UpdateLotQuantity(ctx, tenant, lot.ID, remaining); err != nil {
		return AppliedLine{}, err
	}
	if remaining == 0 {
		if err := tx.SetLotState(ctx, tenant, lot.ID, lots.StateDelivered); err != nil {
			return AppliedLine{}, err
		}
	}
	return AppliedLine{LotID: lot.ID, WeightKg: takeKg}, nil
}

// CreatePackaged delivers tagged units picked first-expired-first-out by
// origin lot. Units transition to ENTREGADO and ledger entries group by
// origin lot.
func (s *Service) CreatePackaged(ctx context.Context, tenant shared.TenantID, input PackagedInput) (Delivery, error) {
	if !tenant.Valid() {
		return Delivery{}, shared.ErrTenantRequired
	}
	if err := validateHeader(input.Code, input.LocationID, len(input.Lines)); err != nil {
		return Delivery{}, err
	}
	var (
		delivery    Delivery
		markExpired []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := time.Now()
		delivery = Delivery{
			TenantID:   tenant,
			Code:       input.Code,
			ClientRef:  input.ClientRef,
			Kind:       KindPackaged,
			LocationID: input.LocationID,
			Date:       deliveryDate(input.Date),
			CreatedBy:  input.ActorID,
		}
		id, err := tx.InsertDelivery(ctx, delivery)
		if err != nil {
			return err
		}
		delivery.ID = id

		for _, line := range input.Lines {
			if line.Units <= 0 {
				return shared.ValidationError("units", "must be positive")
			}
			pres, err := tx.GetPresentation(ctx, tenant, line.PresentationID)
			if err != nil {
				return err
			}
			available, err := tx.LockAvailableUnits(ctx, tenant, pres.ID, input.LocationID)
			if err != nil {
				return err
			}
			candidates := make([]fefo.UnitCandidate, 0, len(available))
			byID := make(map[int64]packaging.UnitWithLot, len(available))
			seen := make(map[int64]bool)
			for _, u := range available {
				if u.LotExpiresAt != nil && u.LotExpiresAt.Before(now) {
					if !seen[u.LotID] {
						markExpired = append(markExpired, u.LotID)
						seen[u.LotID] = true
					}
					continue
				}
				candidates = append(candidates, fefo.UnitCandidate{
					UnitID:          u.ID,
					LotID:           u.LotID,
					LotExpiresAt:    u.LotExpiresAt,
					LotElaboratedAt: u.LotElaboratedAt,
					WeightKg:        u.WeightKg,
				})
				byID[u.ID] = u
			}
			picked, err := fefo.PlanUnits(fmt.Sprintf("presentation %s", pres.SKUCode), candidates, int(line.Units))
			if err != nil {
				return err
			}
			if _, err := tx.LockStocks(ctx, tenant, pres.ID, []int64{input.LocationID}); err != nil {
				return err
			}

			var totalKg float64
			type lotGroup struct {
				lotID    int64
				weightKg float64
				units    int64
			}
			var groups []lotGroup
			for _, p := range picked {
				u := byID[p.UnitID]
				if err := tx.SetUnitState(ctx, tenant, u.ID, packaging.UnitDelivered); err != nil {
					return err
				}
				totalKg += u.WeightKg
				if len(groups) > 0 && groups[len(groups)-1].lotID == u.LotID {
					groups[len(groups)-1].weightKg += u.WeightKg
					groups[len(groups)-1].units++
				} else {
					groups = append(groups, lotGroup{lotID: u.LotID, weightKg: u.WeightKg, units: 1})
				}
			}
			if err := tx.DecrementStock(ctx, tenant, pres.ID, input.LocationID, totalKg, line.Units); err != nil {
				return err
			}

			presID := pres.ID
			for _, g := range groups {
				lotID := g.lotID
				units := g.units
				if _, err := tx.AppendMovement(ctx, ledger.Movement{
					TenantID:       tenant,
					Type:           ledger.MovementDelivery,
					WeightKg:       -g.weightKg,
					Units:          &units,
					LocationID:     input.LocationID,
					LotID:          &lotID,
					PresentationID: &presID,
					ActorID:        input.ActorID,
					RefType:        "delivery",
					RefID:          id,
				}); err != nil {
					return err
				}
				applied := AppliedLine{
					DeliveryID:     id,
					LotID:          g.lotID,
					PresentationID: &presID,
					WeightKg:       g.weightKg,
					Units:          g.units,
				}
				lineID, err := tx.InsertDeliveryLine(ctx, tenant, applied)
				if err != nil {
					return err
				}
				applied.ID = lineID
				delivery.Lines = append(delivery.Lines, applied)
			}
		}
		return nil
	})
	s.markExpiredLots(ctx, tenant, markExpired)
	if err != nil {
		return Delivery{}, err
	}
	s.bump(ctx)
	s.record(ctx, tenant, input.ActorID, "deliveries:packaged", delivery.ID, map[string]any{
		"code": delivery.Code, "lines": len(delivery.Lines),
	})
	return delivery, nil
}

// ConsumeForProduction draws raw material for a production order,
// first-expired-first-out across READY raw lots at the location.
func (s *Service) ConsumeForProduction(ctx context.Context, tenant shared.TenantID, input ConsumeInput) ([]Consumption, error) {
	if !tenant.Valid() {
		return nil, shared.ErrTenantRequired
	}
	if input.ProductID == 0 || input.LocationID == 0 {
		return nil, shared.ValidationError("product_id/location_id", "required")
	}
	if input.WeightKg <= 0 {
		return nil, shared.ValidationError("weight_kg", "must be positive")
	}
	var (
		consumed    []Consumption
		markExpired []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := time.Now()
		locked, err := tx.LockReadyLots(ctx, tenant, lots.KindRaw, input.ProductID, input.LocationID)
		if err != nil {
			return err
		}
		byID := make(map[int64]lots.Lot, len(locked))
		candidates := make([]fefo.Candidate, 0, len(locked))
		for _, lot := range locked {
			if lot.Expired(now) {
				markExpired = append(markExpired, lot.ID)
				continue
			}
			byID[lot.ID] = lot
			candidates = append(candidates, fefo.Candidate{
				LotID:        lot.ID,
				ExpiresAt:    lot.ExpiresAt,
				ElaboratedAt: lot.ElaboratedAt,
				AvailableKg:  lot.CurrentKg,
			})
		}
		plan, err := fefo.PlanBulk(fmt.Sprintf("producto %d", input.ProductID), candidates, input.WeightKg)
		if err != nil {
			return err
		}
		for _, a := range plan {
			lot := byID[a.LotID]
			_, err := s.applyLotDraw(ctx, tx, tenant, lot, a.TakeKg, ledger.Movement{
				TenantID:   tenant,
				Type:       ledger.MovementProductionConsumption,
				WeightKg:   -a.TakeKg,
				LocationID: input.LocationID,
				ActorID:    input.ActorID,
				RefType:    "production_order",
				RefID:      input.OrderID,
			})
			if err != nil {
				return err
			}
			consumed = append(consumed, Consumption{LotID: lot.ID, LotCode: lot.Code, WeightKg: a.TakeKg})
		}
		return nil
	})
	s.markExpiredLots(ctx, tenant, markExpired)
	if err != nil {
		return nil, err
	}
	s.record(ctx, tenant, input.ActorID, "deliveries:consume", input.OrderID, map[string]any{
		"product_id": input.ProductID, "weight_kg": input.WeightKg,
	})
	return consumed, nil
}

// DiscardUnits writes off DISPONIBLE tagged units as shrinkage, keeping the
// stock rows and the ledger in step.
func (s *Service) DiscardUnits(ctx context.Context, tenant shared.TenantID, input DiscardInput) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	if len(input.UnitIDs) == 0 {
		return shared.ValidationError("unit_ids", "at least one unit required")
	}
	if input.Reason == "" {
		return shared.ValidationError("reason", "required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		units, err := tx.GetUnitsForUpdate(ctx, tenant, input.UnitIDs)
		if err != nil {
			return err
		}
		if len(units) != len(input.UnitIDs) {
			return shared.ErrNotFound
		}
		for _, u := range units {
			if u.State != packaging.UnitAvailable {
				return &shared.StateConflictError{
					Entity:  fmt.Sprintf("unit %s", u.Label),
					Current: string(u.State),
					Allowed: []string{string(packaging.UnitAvailable)},
				}
			}
		}
		for _, u := range units {
			if err := tx.SetUnitState(ctx, tenant, u.ID, packaging.UnitShrinkage); err != nil {
				return err
			}
			if err := tx.DecrementStock(ctx, tenant, u.PresentationID, u.LocationID, u.WeightKg, 1); err != nil {
				return err
			}
			unitID := u.ID
			lotID := u.LotID
			presID := u.PresentationID
			one := int64(1)
			if _, err := tx.AppendMovement(ctx, ledger.Movement{
				TenantID:       tenant,
				Type:           ledger.MovementShrinkage,
				WeightKg:       -u.WeightKg,
				Units:          &one,
				LocationID:     u.LocationID,
				LotID:          &lotID,
				PresentationID: &presID,
				UnitID:         &unitID,
				Reason:         input.Reason,
				ActorID:        input.ActorID,
				RefType:        "unit_discard",
				RefID:          unitID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.record(ctx, tenant, input.ActorID, "deliveries:discard_units", 0, map[string]any{
		"units": len(input.UnitIDs), "reason": input.Reason,
	})
	return nil
}

// Get fetches a delivery with its applied lines.
func (s *Service) Get(ctx context.Context, tenant shared.TenantID, id int64) (Delivery, error) {
	if !tenant.Valid() {
		return Delivery{}, shared.ErrTenantRequired
	}
	return s.repo.GetDelivery(ctx, tenant, id)
}

func validateHeader(code string, locationID int64, lines int) error {
	if code == "" {
		return shared.ValidationError("code", "required")
	}
	if locationID == 0 {
		return shared.ValidationError("location_id", "required")
	}
	if lines == 0 {
		return shared.ValidationError("lines", "at least one line required")
	}
	return nil
}

func deliveryDate(d time.Time) time.Time {
	if d.IsZero() {
		return time.Now().UTC()
	}
	return d
}

func (s *Service) markExpiredLots(ctx context.Context, tenant shared.TenantID, lotIDs []int64) {
	for _, id := range lotIDs {
		if err := s.repo.MarkLotExpired(ctx, tenant, id); err != nil {
			s.logger.Error("mark lot expired failed", slog.Int64("lot_id", id), slog.Any("error", err))
		}
	}
}

func (s *Service) bump(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("stock cache bump failed", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, tenant shared.TenantID, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, audit.Entry{
		TenantID: tenant,
		ActorID:  actorID,
		Action:   action,
		Entity:   "delivery",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
