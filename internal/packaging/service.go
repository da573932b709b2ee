package packaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/supplies"
)

// labelRetryLimit bounds attempts per unit when the generated label collides
// with an existing one.
const labelRetryLimit = 5

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOperation(ctx context.Context, tenant shared.TenantID, id int64) (Operation, error)
	GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (Presentation, error)
	InsertPresentation(ctx context.Context, p Presentation) (int64, error)
	ListPresentations(ctx context.Context, tenant shared.TenantID, productID int64) ([]Presentation, error)
	SetPresentationActive(ctx context.Context, tenant shared.TenantID, id int64, active bool) error
	ListStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]Stock, error)
	ListUnits(ctx context.Context, tenant shared.TenantID, filter UnitFilter) ([]TaggedUnit, error)
	MarkLotExpired(ctx context.Context, tenant shared.TenantID, lotID int64) error
}

// Service coordinates packaging operations.
type Service struct {
	repo   RepositoryPort
	cache  *StockCache
	audit  audit.Recorder
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(repo RepositoryPort, cache *StockCache, recorder audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: recorder, logger: logger}
}

// CreatePresentation registers a sellable SKU.
func (s *Service) CreatePresentation(ctx context.Context, tenant shared.TenantID, p Presentation) (int64, error) {
	if !tenant.Valid() {
		return 0, shared.ErrTenantRequired
	}
	p.TenantID = tenant
	p.Active = true
	return s.repo.InsertPresentation(ctx, p)
}

// ListPresentations returns the tenant's presentations.
func (s *Service) ListPresentations(ctx context.Context, tenant shared.TenantID, productID int64) ([]Presentation, error) {
	if !tenant.Valid() {
		return nil, shared.ErrTenantRequired
	}
	return s.repo.ListPresentations(ctx, tenant, productID)
}

// DeactivatePresentation stops a presentation from accepting new lines.
func (s *Service) DeactivatePresentation(ctx context.Context, tenant shared.TenantID, id int64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	return s.repo.SetPresentationActive(ctx, tenant, id, false)
}

// CreateInput describes a new draft operation.
type CreateInput struct {
	LotID                 int64
	DestinationLocationID int64
	Lines                 []LineInput
	ActorID               int64
}

// LineInput is one requested packaging output.
type LineInput struct {
	PresentationID int64
	WeightKg       float64
}

// Create opens a draft operation against a bulk lot.
func (s *Service) Create(ctx context.Context, tenant shared.TenantID, input CreateInput) (Operation, error) {
	if !tenant.Valid() {
		return Operation{}, shared.ErrTenantRequired
	}
	if input.LotID == 0 || input.DestinationLocationID == 0 {
		return Operation{}, shared.ValidationError("lot_id/destination_location_id", "required")
	}
	var op Operation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, tenant, input.LotID)
		if err != nil {
			return err
		}
		if lot.Kind != lots.KindBulk {
			return shared.ValidationError("lot_id", "packaging draws from bulk lots only")
		}
		op = Operation{
			TenantID:              tenant,
			LotID:                 input.LotID,
			DestinationLocationID: input.DestinationLocationID,
			State:                 OperationDraft,
			CreatedBy:             input.ActorID,
		}
		id, err := tx.InsertOperation(ctx, op)
		if err != nil {
			return err
		}
		op.ID = id
		for _, li := range input.Lines {
			line, err := s.validatedLine(ctx, tx, tenant, lot.ProductID, id, li)
			if err != nil {
				return err
			}
			lineID, err := tx.InsertLine(ctx, tenant, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			op.Lines = append(op.Lines, line)
		}
		return nil
	})
	if err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (s *Service) validatedLine(ctx context.Context, tx TxRepository, tenant shared.TenantID, productID, operationID int64, li LineInput) (Line, error) {
	if li.WeightKg <= 0 {
		return Line{}, shared.ValidationError("weight_kg", "must be positive")
	}
	pres, err := tx.GetPresentation(ctx, tenant, li.PresentationID)
	if err != nil {
		return Line{}, err
	}
	if !pres.Active {
		return Line{}, shared.ValidationError("presentation_id", "presentation is inactive")
	}
	if pres.ProductID != productID {
		return Line{}, shared.ValidationError("presentation_id", "presentation belongs to a different product")
	}
	return Line{OperationID: operationID, PresentationID: li.PresentationID, WeightKg: li.WeightKg}, nil
}

// AddLine appends a line to a draft operation.
func (s *Service) AddLine(ctx context.Context, tenant shared.TenantID, operationID int64, li LineInput) (Line, error) {
	if !tenant.Valid() {
		return Line{}, shared.ErrTenantRequired
	}
	var line Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		op, err := tx.GetOperationForUpdate(ctx, tenant, operationID)
		if err != nil {
			return err
		}
		if !op.State.CanEdit() {
			return s.stateConflict(op)
		}
		lot, err := tx.GetLotForUpdate(ctx, tenant, op.LotID)
		if err != nil {
			return err
		}
		line, err = s.validatedLine(ctx, tx, tenant, lot.ProductID, operationID, li)
		if err != nil {
			return err
		}
		id, err := tx.InsertLine(ctx, tenant, line)
		if err != nil {
			return err
		}
		line.ID = id
		return nil
	})
	return line, err
}

// RemoveLine deletes a line from a draft operation.
func (s *Service) RemoveLine(ctx context.Context, tenant shared.TenantID, operationID, lineID int64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		op, err := tx.GetOperationForUpdate(ctx, tenant, operationID)
		if err != nil {
			return err
		}
		if !op.State.CanEdit() {
			return s.stateConflict(op)
		}
		return tx.DeleteLine(ctx, tenant, operationID, lineID)
	})
}

// Annul cancels a draft operation. Confirmed operations are immutable.
func (s *Service) Annul(ctx context.Context, tenant shared.TenantID, operationID, actorID int64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		op, err := tx.GetOperationForUpdate(ctx, tenant, operationID)
		if err != nil {
			return err
		}
		if !op.State.CanAnnul() {
			return s.stateConflict(op)
		}
		return tx.SetOperationState(ctx, tenant, operationID, OperationAnnulled, nil)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenant, actorID, "packaging:annul", operationID, nil)
	return nil
}

// Confirm applies a draft operation in one transaction: consume the source
// lot, mint stock and tagged units per line, and consume secondary supplies.
// Any failure rolls the whole operation back.
func (s *Service) Confirm(ctx context.Context, tenant shared.TenantID, operationID, actorID int64) (ConfirmResult, error) {
	if !tenant.Valid() {
		return ConfirmResult{}, shared.ErrTenantRequired
	}
	var (
		result     ConfirmResult
		expiredLot int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		op, err := tx.GetOperationForUpdate(ctx, tenant, operationID)
		if err != nil {
			return err
		}
		if !op.State.CanConfirm() {
			return s.stateConflict(op)
		}
		if len(op.Lines) == 0 {
			return shared.ValidationError("lines", "operation has no lines")
		}

		lot, err := tx.GetLotForUpdate(ctx, tenant, op.LotID)
		if err != nil {
			return err
		}
		if lot.Expired(time.Now()) && !lot.State.IsTerminal() {
			expiredLot = lot.ID
			return &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lots.StateExpired),
				Allowed: []string{string(lots.StateReady)},
			}
		}
		if !lot.State.CanConsume() {
			return &shared.StateConflictError{
				Entity:  fmt.Sprintf("lot %s", lot.Code),
				Current: string(lot.State),
				Allowed: []string{string(lots.StateReady)},
			}
		}

		total := op.TotalWeight()
		if lot.CurrentKg+quantityEpsilon < total {
			return &shared.InsufficientStockError{
				Resource:  fmt.Sprintf("lot %s", lot.Code),
				Requested: total,
				Available: lot.CurrentKg,
			}
		}

		// One trace id ties together every ledger row this confirmation writes.
		evidence := map[string]any{"trace_id": uuid.NewString()}

		lotID := lot.ID
		if _, err := tx.AppendMovement(ctx, ledger.Movement{
			TenantID:   tenant,
			Type:       ledger.MovementPackagingConsumption,
			WeightKg:   -total,
			LocationID: lot.LocationID,
			LotID:      &lotID,
			ActorID:    actorID,
			RefType:    "packaging_operation",
			RefID:      op.ID,
			Evidence:   evidence,
		}); err != nil {
			return err
		}
		remaining := lot.CurrentKg - total
		if remaining < quantityEpsilon {
			remaining = 0
		}
		if err := tx.UpdateLotQuantity(ctx, tenant, lot.ID, remaining); err != nil {
			return err
		}

		rules, err := tx.RulesForProduct(ctx, tenant, lot.ProductID)
		if err != nil {
			return err
		}

		var reqs []supplies.Requirement
		for _, line := range op.Lines {
			pres, err := tx.GetPresentation(ctx, tenant, line.PresentationID)
			if err != nil {
				return err
			}
			if !pres.Active {
				return shared.ValidationError("presentation_id", "presentation is inactive")
			}
			if pres.ProductID != lot.ProductID {
				return shared.ValidationError("presentation_id", "presentation belongs to a different product")
			}
			units, err := pres.UnitsFor(line.WeightKg)
			if err != nil {
				return err
			}

			mov := ledger.Movement{
				TenantID:       tenant,
				Type:           ledger.MovementPackagingIngress,
				WeightKg:       line.WeightKg,
				LocationID:     op.DestinationLocationID,
				LotID:          &lotID,
				PresentationID: &line.PresentationID,
				ActorID:        actorID,
				RefType:        "packaging_operation",
				RefID:          op.ID,
				Evidence:       evidence,
			}
			if units > 0 {
				u := units
				mov.Units = &u
			}
			if _, err := tx.AppendMovement(ctx, mov); err != nil {
				return err
			}

			if pres.Tagged() {
				minted, err := s.mintUnits(ctx, tx, tenant, lot, pres, op.DestinationLocationID, units)
				if err != nil {
					return err
				}
				result.Units = append(result.Units, minted...)
			}
			if err := tx.AddStock(ctx, tenant, pres.ID, op.DestinationLocationID, line.WeightKg, units); err != nil {
				return err
			}
			reqs = append(reqs, supplies.Requirements(supplies.Resolve(rules, pres.ID), units, line.WeightKg)...)
		}

		if err := s.consumeSupplies(ctx, tx, tenant, actorID, op, supplies.Merge(reqs), evidence); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.SetOperationState(ctx, tenant, op.ID, OperationConfirmed, &now); err != nil {
			return err
		}
		result.OperationID = op.ID
		result.LotID = lot.ID
		result.ConsumedKg = total
		return nil
	})
	if expiredLot != 0 {
		// The expiry transition must survive the rollback.
		if markErr := s.repo.MarkLotExpired(ctx, tenant, expiredLot); markErr != nil {
			s.logger.Error("mark lot expired failed", slog.Int64("lot_id", expiredLot), slog.Any("error", markErr))
		}
	}
	if err != nil {
		return ConfirmResult{}, err
	}
	s.bump(ctx)
	s.record(ctx, tenant, actorID, "packaging:confirm", operationID, map[string]any{
		"lot_id": result.LotID, "consumed_kg": result.ConsumedKg, "units": len(result.Units),
	})
	return result, nil
}

// mintUnits inserts the line's tagged units, numbering labels from the
// per-lot-and-SKU count. A collision moves to the next sequence; the unique
// index is the backstop and retries are bounded.
func (s *Service) mintUnits(ctx context.Context, tx TxRepository, tenant shared.TenantID, lot lots.Lot, pres Presentation, locationID int64, units int64) ([]MintedUnit, error) {
	seq, err := tx.CountUnits(ctx, tenant, lot.ID, pres.ID)
	if err != nil {
		return nil, err
	}
	seq++
	minted := make([]MintedUnit, 0, units)
	for i := int64(0); i < units; i++ {
		var (
			id    int64
			label string
		)
		attempts := 0
		for {
			label = UnitLabel(lot.Code, pres.SKUCode, seq)
			id, err = tx.InsertUnit(ctx, TaggedUnit{
				TenantID:       tenant,
				Label:          label,
				LotID:          lot.ID,
				PresentationID: pres.ID,
				LocationID:     locationID,
				WeightKg:       *pres.UnitWeightKg,
				State:          UnitAvailable,
			})
			if err == nil {
				break
			}
			if !errors.Is(err, ErrDuplicateLabel) {
				return nil, err
			}
			attempts++
			if attempts >= labelRetryLimit {
				return nil, fmt.Errorf("label for lot %s sku %s: %w", lot.Code, pres.SKUCode, shared.ErrIntegrity)
			}
			seq++
		}
		seq++
		minted = append(minted, MintedUnit{UnitID: id, Label: label, PresentationID: pres.ID})
	}
	return minted, nil
}

// consumeSupplies checks every merged requirement under row locks and only
// then decrements, so a shortfall reports the complete list and leaves
// nothing consumed.
func (s *Service) consumeSupplies(ctx context.Context, tx TxRepository, tenant shared.TenantID, actorID int64, op Operation, reqs []supplies.Requirement, evidence map[string]any) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.SupplyID)
	}
	available, err := tx.LockSupplyStock(ctx, tenant, ids)
	if err != nil {
		return err
	}
	var shortfalls []shared.SupplyShortfall
	for _, r := range reqs {
		if available[r.SupplyID]+quantityEpsilon < r.Qty {
			shortfalls = append(shortfalls, shared.SupplyShortfall{
				SupplyID:  r.SupplyID,
				Required:  r.Qty,
				Available: available[r.SupplyID],
			})
		}
	}
	if len(shortfalls) > 0 {
		shortIDs := make([]int64, 0, len(shortfalls))
		for _, sf := range shortfalls {
			shortIDs = append(shortIDs, sf.SupplyID)
		}
		names, err := tx.SupplyNames(ctx, tenant, shortIDs)
		if err != nil {
			return err
		}
		for i := range shortfalls {
			shortfalls[i].Name = names[shortfalls[i].SupplyID]
		}
		return &shared.SupplyShortfallError{Shortfalls: shortfalls}
	}
	for _, r := range reqs {
		if err := tx.DecrementSupplyStock(ctx, tenant, r.SupplyID, r.Qty); err != nil {
			return err
		}
		supplyID := r.SupplyID
		if _, err := tx.AppendMovement(ctx, ledger.Movement{
			TenantID:   tenant,
			Type:       ledger.MovementPackagingConsumption,
			WeightKg:   -r.Qty,
			LocationID: op.DestinationLocationID,
			SupplyID:   &supplyID,
			ActorID:    actorID,
			RefType:    "packaging_operation",
			RefID:      op.ID,
			Evidence:   evidence,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches an operation with its lines.
func (s *Service) Get(ctx context.Context, tenant shared.TenantID, id int64) (Operation, error) {
	if !tenant.Valid() {
		return Operation{}, shared.ErrTenantRequired
	}
	return s.repo.GetOperation(ctx, tenant, id)
}

// Stock reads one packaged stock row through the versioned cache.
func (s *Service) Stock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) (Stock, error) {
	if !tenant.Valid() {
		return Stock{}, shared.ErrTenantRequired
	}
	key, err := s.cache.BuildKey(ctx, int64(tenant), presentationID, locationID)
	if err != nil {
		return Stock{}, err
	}
	var st Stock
	err = s.cache.FetchJSON(ctx, key, &st, func(ctx context.Context) (any, error) {
		rows, err := s.repo.ListStock(ctx, tenant, presentationID, locationID)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return Stock{TenantID: tenant, PresentationID: presentationID, LocationID: locationID}, nil
		}
		return rows[0], nil
	})
	return st, err
}

// ListStock returns packaged stock rows without caching, for listings.
func (s *Service) ListStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]Stock, error) {
	if !tenant.Valid() {
		return nil, shared.ErrTenantRequired
	}
	return s.repo.ListStock(ctx, tenant, presentationID, locationID)
}

// ListUnits returns tagged units matching the filter.
func (s *Service) ListUnits(ctx context.Context, tenant shared.TenantID, filter UnitFilter) ([]TaggedUnit, error) {
	if !tenant.Valid() {
		return nil, shared.ErrTenantRequired
	}
	return s.repo.ListUnits(ctx, tenant, filter)
}

func (s *Service) stateConflict(op Operation) error {
	return &shared.StateConflictError{
		Entity:  fmt.Sprintf("packaging operation %d", op.ID),
		Current: string(op.State),
		Allowed: []string{string(OperationDraft)},
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
		Entity:   "packaging_operation",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
