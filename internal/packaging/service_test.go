package packaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/supplies"
)

const testTenant = shared.TenantID(1)

type stockKey struct {
	presentationID int64
	locationID     int64
}

type fakeRepo struct {
	mu          sync.Mutex
	nextID      int64
	lots        map[int64]lots.Lot
	ops         map[int64]Operation
	pres        map[int64]Presentation
	units       map[int64]TaggedUnit
	labels      map[string]bool
	stock       map[stockKey]Stock
	supplyStock map[int64]float64
	supplyNames map[int64]string
	rules       []supplies.Rule
	moves       []ledger.Movement
	expired     []int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		lots:        map[int64]lots.Lot{},
		ops:         map[int64]Operation{},
		pres:        map[int64]Presentation{},
		units:       map[int64]TaggedUnit{},
		labels:      map[string]bool{},
		stock:       map[stockKey]Stock{},
		supplyStock: map[int64]float64{},
		supplyNames: map[int64]string{},
	}
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRepo) snapshot() *fakeRepo {
	clone := newFakeRepo()
	clone.nextID = f.nextID
	for k, v := range f.lots {
		clone.lots[k] = v
	}
	for k, v := range f.ops {
		op := v
		op.Lines = append([]Line(nil), v.Lines...)
		clone.ops[k] = op
	}
	for k, v := range f.pres {
		clone.pres[k] = v
	}
	for k, v := range f.units {
		clone.units[k] = v
	}
	for k, v := range f.labels {
		clone.labels[k] = v
	}
	for k, v := range f.stock {
		clone.stock[k] = v
	}
	for k, v := range f.supplyStock {
		clone.supplyStock[k] = v
	}
	clone.moves = append([]ledger.Movement(nil), f.moves...)
	return clone
}

func (f *fakeRepo) restore(snap *fakeRepo) {
	f.nextID = snap.nextID
	f.lots = snap.lots
	f.ops = snap.ops
	f.pres = snap.pres
	f.units = snap.units
	f.labels = snap.labels
	f.stock = snap.stock
	f.supplyStock = snap.supplyStock
	f.moves = snap.moves
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot()
	if err := fn(ctx, (*fakeTx)(f)); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *fakeRepo) GetOperation(_ context.Context, tenant shared.TenantID, id int64) (Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok || op.TenantID != tenant {
		return Operation{}, shared.ErrNotFound
	}
	return op, nil
}

func (f *fakeRepo) GetPresentation(_ context.Context, tenant shared.TenantID, id int64) (Presentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).getPresentation(tenant, id)
}

func (f *fakeRepo) InsertPresentation(_ context.Context, p Presentation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.id()
	f.pres[p.ID] = p
	return p.ID, nil
}

func (f *fakeRepo) ListPresentations(_ context.Context, tenant shared.TenantID, productID int64) ([]Presentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Presentation
	for _, p := range f.pres {
		if p.TenantID == tenant && (productID == 0 || p.ProductID == productID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepo) SetPresentationActive(_ context.Context, tenant shared.TenantID, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pres[id]
	if !ok || p.TenantID != tenant {
		return shared.ErrNotFound
	}
	p.Active = active
	f.pres[id] = p
	return nil
}

func (f *fakeRepo) ListStock(_ context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]Stock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Stock
	for _, st := range f.stock {
		if st.TenantID != tenant {
			continue
		}
		if presentationID != 0 && st.PresentationID != presentationID {
			continue
		}
		if locationID != 0 && st.LocationID != locationID {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeRepo) ListUnits(_ context.Context, tenant shared.TenantID, filter UnitFilter) ([]TaggedUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TaggedUnit
	for _, u := range f.units {
		if u.TenantID != tenant {
			continue
		}
		if filter.LotID != 0 && u.LotID != filter.LotID {
			continue
		}
		if filter.State != "" && u.State != filter.State {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeRepo) MarkLotExpired(_ context.Context, tenant shared.TenantID, lotID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lot, ok := f.lots[lotID]
	if !ok || lot.TenantID != tenant {
		return shared.ErrNotFound
	}
	if lot.State.IsTerminal() {
		return nil
	}
	lot.State = lots.StateExpired
	f.lots[lotID] = lot
	f.expired = append(f.expired, lotID)
	return nil
}

type fakeTx fakeRepo

func (f *fakeTx) InsertOperation(_ context.Context, op Operation) (int64, error) {
	op.ID = (*fakeRepo)(f).id()
	op.CreatedAt = time.Now()
	f.ops[op.ID] = op
	return op.ID, nil
}

func (f *fakeTx) InsertLine(_ context.Context, tenant shared.TenantID, line Line) (int64, error) {
	op, ok := f.ops[line.OperationID]
	if !ok || op.TenantID != tenant {
		return 0, shared.ErrNotFound
	}
	line.ID = (*fakeRepo)(f).id()
	op.Lines = append(op.Lines, line)
	f.ops[op.ID] = op
	return line.ID, nil
}

func (f *fakeTx) DeleteLine(_ context.Context, tenant shared.TenantID, operationID, lineID int64) error {
	op, ok := f.ops[operationID]
	if !ok || op.TenantID != tenant {
		return shared.ErrNotFound
	}
	for i, l := range op.Lines {
		if l.ID == lineID {
			op.Lines = append(op.Lines[:i], op.Lines[i+1:]...)
			f.ops[op.ID] = op
			return nil
		}
	}
	return shared.ErrNotFound
}

func (f *fakeTx) GetOperationForUpdate(_ context.Context, tenant shared.TenantID, id int64) (Operation, error) {
	op, ok := f.ops[id]
	if !ok || op.TenantID != tenant {
		return Operation{}, shared.ErrNotFound
	}
	return op, nil
}

func (f *fakeTx) SetOperationState(_ context.Context, tenant shared.TenantID, id int64, state OperationState, confirmedAt *time.Time) error {
	op, ok := f.ops[id]
	if !ok || op.TenantID != tenant {
		return shared.ErrNotFound
	}
	op.State = state
	op.ConfirmedAt = confirmedAt
	f.ops[id] = op
	return nil
}

func (f *fakeTx) getPresentation(tenant shared.TenantID, id int64) (Presentation, error) {
	p, ok := f.pres[id]
	if !ok || p.TenantID != tenant {
		return Presentation{}, shared.ErrNotFound
	}
	return p, nil
}

func (f *fakeTx) GetPresentation(_ context.Context, tenant shared.TenantID, id int64) (Presentation, error) {
	return f.getPresentation(tenant, id)
}

func (f *fakeTx) GetLotForUpdate(_ context.Context, tenant shared.TenantID, id int64) (lots.Lot, error) {
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return lots.Lot{}, shared.ErrNotFound
	}
	return lot, nil
}

func (f *fakeTx) UpdateLotQuantity(_ context.Context, tenant shared.TenantID, id int64, currentKg float64) error {
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return shared.ErrNotFound
	}
	lot.CurrentKg = currentKg
	f.lots[id] = lot
	return nil
}

func (f *fakeTx) AppendMovement(_ context.Context, m ledger.Movement) (int64, error) {
	m.ID = (*fakeRepo)(f).id()
	f.moves = append(f.moves, m)
	return m.ID, nil
}

func (f *fakeTx) CountUnits(_ context.Context, tenant shared.TenantID, lotID, presentationID int64) (int64, error) {
	var n int64
	for _, u := range f.units {
		if u.TenantID == tenant && u.LotID == lotID && u.PresentationID == presentationID {
			n++
		}
	}
	return n, nil
}

func (f *fakeTx) InsertUnit(_ context.Context, u TaggedUnit) (int64, error) {
	if f.labels[u.Label] {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateLabel, u.Label)
	}
	u.ID = (*fakeRepo)(f).id()
	f.labels[u.Label] = true
	f.units[u.ID] = u
	return u.ID, nil
}

func (f *fakeTx) AddStock(_ context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	key := stockKey{presentationID, locationID}
	st, ok := f.stock[key]
	if !ok {
		st = Stock{TenantID: tenant, PresentationID: presentationID, LocationID: locationID}
	}
	st.WeightKg += weightKg
	st.Units += units
	f.stock[key] = st
	return nil
}

func (f *fakeTx) RulesForProduct(_ context.Context, tenant shared.TenantID, productID int64) ([]supplies.Rule, error) {
	var out []supplies.Rule
	for _, r := range f.rules {
		if r.TenantID == tenant && r.ProductID == productID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTx) SupplyNames(_ context.Context, tenant shared.TenantID, ids []int64) (map[int64]string, error) {
	out := map[int64]string{}
	for _, id := range ids {
		out[id] = f.supplyNames[id]
	}
	return out, nil
}

func (f *fakeTx) LockSupplyStock(_ context.Context, _ shared.TenantID, ids []int64) (map[int64]float64, error) {
	out := map[int64]float64{}
	for _, id := range ids {
		out[id] = f.supplyStock[id]
	}
	return out, nil
}

func (f *fakeTx) DecrementSupplyStock(_ context.Context, _ shared.TenantID, supplyID int64, qty float64) error {
	if f.supplyStock[supplyID] < qty-1e-9 {
		return shared.ErrIntegrity
	}
	rest := f.supplyStock[supplyID] - qty
	if rest < 0 {
		rest = 0
	}
	f.supplyStock[supplyID] = rest
	return nil
}

func float64Ptr(v float64) *float64 { return &v }

func seedBulkLot(f *fakeRepo, currentKg float64) lots.Lot {
	lot := lots.Lot{
		ID: f.id(), TenantID: testTenant, Kind: lots.KindBulk, ProductID: 7,
		Code: "GR-2026-001", LocationID: 1, InitialKg: currentKg, CurrentKg: currentKg,
		ElaboratedAt: time.Now().AddDate(0, -1, 0), State: lots.StateReady,
	}
	f.lots[lot.ID] = lot
	return lot
}

func seedBagPresentation(f *fakeRepo, unitWeight float64) Presentation {
	p := Presentation{
		ID: f.id(), TenantID: testTenant, ProductID: 7, SKUCode: "B05",
		Name: "bolsa", SaleUnit: SaleUnitBag, UnitWeightKg: float64Ptr(unitWeight), Active: true,
	}
	f.pres[p.ID] = p
	return p
}

func newTestService(f *fakeRepo) *Service {
	return NewService(f, nil, nil, nil)
}

func draftOperation(t *testing.T, svc *Service, lotID int64, lines ...LineInput) Operation {
	t.Helper()
	op, err := svc.Create(context.Background(), testTenant, CreateInput{
		LotID: lotID, DestinationLocationID: 2, Lines: lines,
	})
	require.NoError(t, err)
	return op
}

func TestConfirmMintsWholeUnits(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 1.5})
	result, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.NoError(t, err)
	require.Len(t, result.Units, 3)
	require.Equal(t, "GR-2026-001-B05-1", result.Units[0].Label)
	require.Equal(t, "GR-2026-001-B05-3", result.Units[2].Label)

	require.InDelta(t, 8.5, repo.lots[lot.ID].CurrentKg, 1e-9)
	st := repo.stock[stockKey{pres.ID, 2}]
	require.InDelta(t, 1.5, st.WeightKg, 1e-9)
	require.EqualValues(t, 3, st.Units)

	confirmed, err := svc.Get(context.Background(), testTenant, op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationConfirmed, confirmed.State)
	require.NotNil(t, confirmed.ConfirmedAt)

	// Ledger: one consume from the lot, one ingress per line; signed sum for
	// the lot matches its cached quantity change.
	require.Equal(t, ledger.MovementPackagingConsumption, repo.moves[0].Type)
	require.InDelta(t, -1.5, repo.moves[0].WeightKg, 1e-9)
	require.Equal(t, ledger.MovementPackagingIngress, repo.moves[1].Type)
	require.EqualValues(t, 3, *repo.moves[1].Units)
}

func TestConfirmRejectsNonMultipleWeight(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 1.2})
	_, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.ErrorIs(t, err, shared.ErrValidation)

	// Nothing may leak from the rolled-back transaction.
	require.InDelta(t, 10, repo.lots[lot.ID].CurrentKg, 1e-9)
	require.Empty(t, repo.units)
	require.Empty(t, repo.moves)
	require.Equal(t, OperationDraft, repo.ops[op.ID].State)
}

func TestConfirmTwiceIsStateConflict(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 0.5})
	_, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.NoError(t, err)

	unitsBefore := len(repo.units)
	_, err = svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.True(t, shared.IsStateConflict(err))
	require.Len(t, repo.units, unitsBefore)
}

func TestConfirmSupplyShortfallRollsBackEverything(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	repo.rules = []supplies.Rule{
		{ID: repo.id(), TenantID: testTenant, SupplyID: 100, ProductID: 7, PerUnit: 1},
		{ID: repo.id(), TenantID: testTenant, SupplyID: 200, ProductID: 7, PerUnit: 2},
	}
	repo.supplyNames[100] = "bolsas kraft"
	repo.supplyNames[200] = "etiquetas"
	repo.supplyStock[100] = 1 // need 4
	repo.supplyStock[200] = 3 // need 8
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 2})
	_, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)

	var shortErr *shared.SupplyShortfallError
	require.ErrorAs(t, err, &shortErr)
	// Every failing rule is reported, not only the first.
	require.Len(t, shortErr.Shortfalls, 2)
	require.Equal(t, "bolsas kraft", shortErr.Shortfalls[0].Name)
	require.InDelta(t, 4, shortErr.Shortfalls[0].Required, 1e-9)
	require.Equal(t, "etiquetas", shortErr.Shortfalls[1].Name)

	// The lot consumption, minted units and stock from earlier steps are gone.
	require.InDelta(t, 10, repo.lots[lot.ID].CurrentKg, 1e-9)
	require.Empty(t, repo.units)
	require.Empty(t, repo.moves)
	require.InDelta(t, 1, repo.supplyStock[100], 1e-9)
}

func TestConfirmAbsorbsSupplyFloatDrift(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	repo.rules = []supplies.Rule{
		{ID: repo.id(), TenantID: testTenant, SupplyID: 100, ProductID: 7, PerUnit: 1},
	}
	repo.supplyNames[100] = "bolsas kraft"
	// A balance a hair under the requirement from accumulated rounding must
	// still consume, not fail the decrement after passing the shortfall check.
	repo.supplyStock[100] = 4 - 1e-12
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 2})
	_, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.NoError(t, err)
	require.InDelta(t, 0, repo.supplyStock[100], 1e-9)
}

func TestConfirmConsumesSuppliesWithShadowing(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	presID := pres.ID
	repo.rules = []supplies.Rule{
		{ID: repo.id(), TenantID: testTenant, SupplyID: 100, ProductID: 7, PerUnit: 1},
		{ID: repo.id(), TenantID: testTenant, SupplyID: 100, ProductID: 7, PresentationID: &presID, PerUnit: 2},
	}
	repo.supplyNames[100] = "bolsas kraft"
	repo.supplyStock[100] = 10
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 1})
	_, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.NoError(t, err)
	// 2 units at 2 per unit from the SKU rule, not 1 per unit.
	require.InDelta(t, 6, repo.supplyStock[100], 1e-9)
}

func TestConfirmSkipsCollidingLabels(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	// A label from a previous, partially renumbered batch occupies seq 2.
	repo.labels["GR-2026-001-B05-2"] = true
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 1})
	result, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.NoError(t, err)
	require.Len(t, result.Units, 2)
	require.Equal(t, "GR-2026-001-B05-1", result.Units[0].Label)
	require.Equal(t, "GR-2026-001-B05-3", result.Units[1].Label)
}

func TestConfirmExpiredLotAbortsAndMarksLot(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	past := time.Now().AddDate(0, 0, -1)
	lot.ExpiresAt = &past
	repo.lots[lot.ID] = lot
	pres := seedBagPresentation(repo, 0.5)
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 0.5})
	_, err := svc.Confirm(context.Background(), testTenant, op.ID, 7)
	require.True(t, shared.IsStateConflict(err))

	// The expiry transition survives even though the operation rolled back.
	require.Equal(t, lots.StateExpired, repo.lots[lot.ID].State)
	require.InDelta(t, 10, repo.lots[lot.ID].CurrentKg, 1e-9)
	require.Equal(t, OperationDraft, repo.ops[op.ID].State)
}

func TestAnnulOnlyFromDraft(t *testing.T) {
	repo := newFakeRepo()
	lot := seedBulkLot(repo, 10)
	pres := seedBagPresentation(repo, 0.5)
	svc := newTestService(repo)

	op := draftOperation(t, svc, lot.ID, LineInput{PresentationID: pres.ID, WeightKg: 0.5})
	require.NoError(t, svc.Annul(context.Background(), testTenant, op.ID, 7))
	require.Equal(t, OperationAnnulled, repo.ops[op.ID].State)

	err := svc.Annul(context.Background(), testTenant, op.ID, 7)
	require.True(t, shared.IsStateConflict(err))
}

func TestCreateRejectsRawLots(t *testing.T) {
	repo := newFakeRepo()
	raw := lots.Lot{
		ID: repo.id(), TenantID: testTenant, Kind: lots.KindRaw, ProductID: 7,
		Code: "MP-2026-001", LocationID: 1, InitialKg: 10, CurrentKg: 10, State: lots.StateReady,
	}
	repo.lots[raw.ID] = raw
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), testTenant, CreateInput{
		LotID: raw.ID, DestinationLocationID: 2,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}
