package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/fefo"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

const (
	// codeRetryLimit bounds attempts when a generated child-lot code collides.
	codeRetryLimit = 5
	// quantityEpsilon absorbs float64 rounding in kilogram comparisons.
	quantityEpsilon = 1e-9
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, tenant shared.TenantID, id int64) (Transfer, error)
}

// Service coordinates transfers between locations.
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

// CreateInput describes a new draft transfer.
type CreateInput struct {
	Kind                  Kind
	SourceLocationID      int64
	DestinationLocationID int64
	Lines                 []LineInput
	ActorID               int64
}

// LineInput is one requested transfer item.
type LineInput struct {
	LotID          int64
	PresentationID int64
	WeightKg       float64
	Units          int64
}

// Create opens a draft transfer.
func (s *Service) Create(ctx context.Context, tenant shared.TenantID, input CreateInput) (Transfer, error) {
	if !tenant.Valid() {
		return Transfer{}, shared.ErrTenantRequired
	}
	if !input.Kind.IsValid() {
		return Transfer{}, shared.ValidationError("kind", "must be MATERIA_PRIMA, GRANEL or FRACCIONADO")
	}
	if input.SourceLocationID == 0 || input.DestinationLocationID == 0 {
		return Transfer{}, shared.ValidationError("source/destination", "required")
	}
	if input.SourceLocationID == input.DestinationLocationID {
		return Transfer{}, shared.ValidationError("destination_location_id", "must differ from the source")
	}
	if len(input.Lines) == 0 {
		return Transfer{}, shared.ValidationError("lines", "at least one line required")
	}
	var t Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t = Transfer{
			TenantID:              tenant,
			Kind:                  input.Kind,
			State:                 StateDraft,
			SourceLocationID:      input.SourceLocationID,
			DestinationLocationID: input.DestinationLocationID,
			CreatedBy:             input.ActorID,
		}
		id, err := tx.InsertTransfer(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		for _, li := range input.Lines {
			line, err := buildLine(input.Kind, id, li)
			if err != nil {
				return err
			}
			lineID, err := tx.InsertLine(ctx, tenant, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			t.Lines = append(t.Lines, line)
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func buildLine(kind Kind, transferID int64, li LineInput) (Line, error) {
	line := Line{TransferID: transferID}
	if kind == KindPackaged {
		if li.PresentationID == 0 {
			return Line{}, shared.ValidationError("presentation_id", "required for packaged transfers")
		}
		if li.Units <= 0 {
			return Line{}, shared.ValidationError("units", "must be positive")
		}
		line.PresentationID = &li.PresentationID
		line.Units = li.Units
		return line, nil
	}
	if li.LotID == 0 {
		return Line{}, shared.ValidationError("lot_id", "required for lot transfers")
	}
	if li.WeightKg <= 0 {
		return Line{}, shared.ValidationError("weight_kg", "must be positive")
	}
	line.LotID = &li.LotID
	line.WeightKg = li.WeightKg
	return line, nil
}

// Confirm applies a draft transfer in one transaction. Lot lines either move
// the whole lot or split off a child lot; packaged lines pick units
// first-expired-first-out at the source and relocate them.
func (s *Service) Confirm(ctx context.Context, tenant shared.TenantID, transferID, actorID int64) (ConfirmResult, error) {
	if !tenant.Valid() {
		return ConfirmResult{}, shared.ErrTenantRequired
	}
	var result ConfirmResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, tenant, transferID)
		if err != nil {
			return err
		}
		if !t.State.CanConfirm() {
			return s.stateConflict(t)
		}
		if len(t.Lines) == 0 {
			return shared.ValidationError("lines", "transfer has no lines")
		}
		result.TransferID = t.ID

		if t.Kind == KindPackaged {
			var moved []int64
			for _, line := range t.Lines {
				ids, err := s.movePackagedLine(ctx, tx, tenant, t, line, actorID)
				if err != nil {
					return err
				}
				moved = append(moved, ids...)
			}
			if err := tx.SetMovedUnits(ctx, tenant, t.ID, moved); err != nil {
				return err
			}
			result.MovedUnitIDs = moved
		} else {
			for _, line := range t.Lines {
				lr, err := s.moveLotLine(ctx, tx, tenant, t, line, actorID)
				if err != nil {
					return err
				}
				result.Lots = append(result.Lots, lr)
			}
		}

		now := time.Now().UTC()
		return tx.SetTransferState(ctx, tenant, t.ID, StateConfirmed, &now)
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	s.bump(ctx)
	s.record(ctx, tenant, actorID, "transfers:confirm", transferID, map[string]any{
		"moved_units": len(result.MovedUnitIDs), "lot_lines": len(result.Lots),
	})
	return result, nil
}

// moveLotLine relocates lot weight. Taking the whole remaining quantity moves
// the lot row; taking less splits off a child lot carrying the parent's dates
// and a numbered code suffix.
func (s *Service) moveLotLine(ctx context.Context, tx TxRepository, tenant shared.TenantID, t Transfer, line Line, actorID int64) (LineResult, error) {
	lot, err := tx.GetLotForUpdate(ctx, tenant, *line.LotID)
	if err != nil {
		return LineResult{}, err
	}
	if (t.Kind == KindRaw && lot.Kind != lots.KindRaw) || (t.Kind == KindBulk && lot.Kind != lots.KindBulk) {
		return LineResult{}, shared.ValidationError("lot_id", "lot kind does not match the transfer kind")
	}
	if lot.LocationID != t.SourceLocationID {
		return LineResult{}, shared.ValidationError("lot_id", "lot is not at the source location")
	}
	if !lot.State.CanConsume() {
		return LineResult{}, &shared.StateConflictError{
			Entity:  fmt.Sprintf("lot %s", lot.Code),
			Current: string(lot.State),
			Allowed: []string{string(lots.StateReady)},
		}
	}
	if lot.CurrentKg+quantityEpsilon < line.WeightKg {
		return LineResult{}, &shared.InsufficientStockError{
			Resource:  fmt.Sprintf("lot %s", lot.Code),
			Requested: line.WeightKg,
			Available: lot.CurrentKg,
		}
	}

	lotID := lot.ID
	if _, err := tx.AppendMovement(ctx, ledger.Movement{
		TenantID:   tenant,
		Type:       ledger.MovementTransferOut,
		WeightKg:   -line.WeightKg,
		LocationID: t.SourceLocationID,
		LotID:      &lotID,
		ActorID:    actorID,
		RefType:    "transfer",
		RefID:      t.ID,
	}); err != nil {
		return LineResult{}, err
	}

	whole := math.Abs(lot.CurrentKg-line.WeightKg) <= quantityEpsilon
	if whole {
		if err := tx.SetLotLocation(ctx, tenant, lot.ID, t.DestinationLocationID); err != nil {
			return LineResult{}, err
		}
		if _, err := tx.AppendMovement(ctx, ledger.Movement{
			TenantID:   tenant,
			Type:       ledger.MovementTransferIn,
			WeightKg:   line.WeightKg,
			LocationID: t.DestinationLocationID,
			LotID:      &lotID,
			ActorID:    actorID,
			RefType:    "transfer",
			RefID:      t.ID,
		}); err != nil {
			return LineResult{}, err
		}
		return LineResult{LotID: lot.ID, WeightKg: line.WeightKg}, nil
	}

	if err := tx.UpdateLotQuantity(ctx, tenant, lot.ID, lot.CurrentKg-line.WeightKg); err != nil {
		return LineResult{}, err
	}
	child, err := s.insertChildLot(ctx, tx, tenant, lot, t.DestinationLocationID, line.WeightKg)
	if err != nil {
		return LineResult{}, err
	}
	childID := child.ID
	if _, err := tx.AppendMovement(ctx, ledger.Movement{
		TenantID:   tenant,
		Type:       ledger.MovementTransferIn,
		WeightKg:   line.WeightKg,
		LocationID: t.DestinationLocationID,
		LotID:      &childID,
		ActorID:    actorID,
		RefType:    "transfer",
		RefID:      t.ID,
	}); err != nil {
		return LineResult{}, err
	}
	return LineResult{
		LotID:      lot.ID,
		ChildLotID: child.ID,
		ChildCode:  child.Code,
		WeightKg:   line.WeightKg,
		Split:      true,
	}, nil
}

// insertChildLot creates the split lot, numbering its code suffix from the
// parent's child count and retrying past collisions a bounded number of
// times.
func (s *Service) insertChildLot(ctx context.Context, tx TxRepository, tenant shared.TenantID, parent lots.Lot, locationID int64, weightKg float64) (lots.Lot, error) {
	n, err := tx.CountLotChildren(ctx, tenant, parent.ID)
	if err != nil {
		return lots.Lot{}, err
	}
	n++
	parentID := parent.ID
	child := lots.Lot{
		TenantID:     tenant,
		Kind:         parent.Kind,
		ProductID:    parent.ProductID,
		LocationID:   locationID,
		InitialKg:    weightKg,
		CurrentKg:    weightKg,
		ElaboratedAt: parent.ElaboratedAt,
		ExpiresAt:    parent.ExpiresAt,
		State:        parent.State,
		ParentLotID:  &parentID,
	}
	for attempt := 0; attempt < codeRetryLimit; attempt++ {
		child.Code = fmt.Sprintf("%s-%d", parent.Code, n)
		id, err := tx.InsertLot(ctx, child)
		if err == nil {
			child.ID = id
			return child, nil
		}
		if !errors.Is(err, lots.ErrDuplicateCode) {
			return lots.Lot{}, err
		}
		n++
	}
	return lots.Lot{}, fmt.Errorf("child code for lot %s: %w", parent.Code, shared.ErrIntegrity)
}

// movePackagedLine relocates tagged units picked first-expired-first-out at
// the source and keeps both stock rows in step. Ledger entries are grouped by
// origin lot.
func (s *Service) movePackagedLine(ctx context.Context, tx TxRepository, tenant shared.TenantID, t Transfer, line Line, actorID int64) ([]int64, error) {
	pres, err := tx.GetPresentation(ctx, tenant, *line.PresentationID)
	if err != nil {
		return nil, err
	}
	available, err := tx.LockAvailableUnits(ctx, tenant, pres.ID, t.SourceLocationID)
	if err != nil {
		return nil, err
	}
	candidates := make([]fefo.UnitCandidate, 0, len(available))
	byID := make(map[int64]packaging.UnitWithLot, len(available))
	for _, u := range available {
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
		return nil, err
	}

	// Both stock rows lock in row-id order inside LockStocks.
	if _, err := tx.LockStocks(ctx, tenant, pres.ID, []int64{t.SourceLocationID, t.DestinationLocationID}); err != nil {
		return nil, err
	}

	var (
		totalKg float64
		movedID []int64
	)
	type lotGroup struct {
		lotID    int64
		weightKg float64
		units    int64
	}
	var groups []lotGroup
	for _, p := range picked {
		u := byID[p.UnitID]
		if err := tx.SetUnitLocation(ctx, tenant, u.ID, t.DestinationLocationID); err != nil {
			return nil, err
		}
		totalKg += u.WeightKg
		movedID = append(movedID, u.ID)
		if len(groups) > 0 && groups[len(groups)-1].lotID == u.LotID {
			groups[len(groups)-1].weightKg += u.WeightKg
			groups[len(groups)-1].units++
		} else {
			groups = append(groups, lotGroup{lotID: u.LotID, weightKg: u.WeightKg, units: 1})
		}
	}

	if err := tx.DecrementStock(ctx, tenant, pres.ID, t.SourceLocationID, totalKg, line.Units); err != nil {
		return nil, err
	}
	if err := tx.AddStock(ctx, tenant, pres.ID, t.DestinationLocationID, totalKg, line.Units); err != nil {
		return nil, err
	}

	presID := pres.ID
	for _, g := range groups {
		lotID := g.lotID
		units := g.units
		if _, err := tx.AppendMovement(ctx, ledger.Movement{
			TenantID:       tenant,
			Type:           ledger.MovementTransferOut,
			WeightKg:       -g.weightKg,
			Units:          &units,
			LocationID:     t.SourceLocationID,
			LotID:          &lotID,
			PresentationID: &presID,
			ActorID:        actorID,
			RefType:        "transfer",
			RefID:          t.ID,
		}); err != nil {
			return nil, err
		}
		inUnits := g.units
		if _, err := tx.AppendMovement(ctx, ledger.Movement{
			TenantID:       tenant,
			Type:           ledger.MovementTransferIn,
			WeightKg:       g.weightKg,
			Units:          &inUnits,
			LocationID:     t.DestinationLocationID,
			LotID:          &lotID,
			PresentationID: &presID,
			ActorID:        actorID,
			RefType:        "transfer",
			RefID:          t.ID,
		}); err != nil {
			return nil, err
		}
	}
	return movedID, nil
}

// Annul cancels a draft transfer without stock effects.
func (s *Service) Annul(ctx context.Context, tenant shared.TenantID, transferID, actorID int64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, tenant, transferID)
		if err != nil {
			return err
		}
		if !t.State.CanAnnul() {
			return s.stateConflict(t)
		}
		return tx.SetTransferState(ctx, tenant, transferID, StateAnnulled, nil)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenant, actorID, "transfers:annul", transferID, nil)
	return nil
}

// Get fetches a transfer with its lines.
func (s *Service) Get(ctx context.Context, tenant shared.TenantID, id int64) (Transfer, error) {
	if !tenant.Valid() {
		return Transfer{}, shared.ErrTenantRequired
	}
	return s.repo.GetTransfer(ctx, tenant, id)
}

func (s *Service) stateConflict(t Transfer) error {
	return &shared.StateConflictError{
		Entity:  fmt.Sprintf("transfer %d", t.ID),
		Current: string(t.State),
		Allowed: []string{string(StateDraft)},
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
		Entity:   "transfer",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
