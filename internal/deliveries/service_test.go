package deliveries

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

const testTenant = shared.TenantID(1)

type stockKey struct {
	presentationID int64
	locationID     int64
}

type fakeRepo struct {
	mu         sync.Mutex
	nextID     int64
	deliveries map[int64]Delivery
	lots       map[int64]lots.Lot
	pres       map[int64]packaging.Presentation
	units      map[int64]packaging.TaggedUnit
	stock      map[stockKey]packaging.Stock
	moves      []ledger.Movement
	marked     []int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		deliveries: map[int64]Delivery{},
		lots:       map[int64]lots.Lot{},
		pres:       map[int64]packaging.Presentation{},
		units:      map[int64]packaging.TaggedUnit{},
		stock:      map[stockKey]packaging.Stock{},
	}
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRepo) snapshot() *fakeRepo {
	clone := newFakeRepo()
	clone.nextID = f.nextID
	for k, v := range f.deliveries {
		d := v
		d.Lines = append([]AppliedLine(nil), v.Lines...)
		clone.deliveries[k] = d
	}
	for k, v := range f.lots {
		clone.lots[k] = v
	}
	for k, v := range f.pres {
		clone.pres[k] = v
	}
	for k, v := range f.units {
		clone.units[k] = v
	}
	for k, v := range f.stock {
		clone.stock[k] = v
	}
	clone.moves = append([]ledger.Movement(nil), f.moves...)
	return clone
}

func (f *fakeRepo) restore(snap *fakeRepo) {
	f.nextID = snap.nextID
	f.deliveries = snap.deliveries
	f.lots = snap.lots
	f.pres = snap.pres
	f.units = snap.units
	f.stock = snap.stock
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

func (f *fakeRepo) GetDelivery(_ context.Context, tenant shared.TenantID, id int64) (Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok || d.TenantID != tenant {
		return Delivery{}, shared.ErrNotFound
	}
	return d, nil
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
	f.marked = append(f.marked, lotID)
	return nil
}

type fakeTx fakeRepo

func (f *fakeTx) InsertDelivery(_ context.Context, d Delivery) (int64, error) {
	d.ID = (*fakeRepo)(f).id()
	d.CreatedAt = time.Now()
	d.Lines = nil
	f.deliveries[d.ID] = d
	return d.ID, nil
}

func (f *fakeTx) InsertDeliveryLine(_ context.Context, tenant shared.TenantID, line AppliedLine) (int64, error) {
	d, ok := f.deliveries[line.DeliveryID]
	if !ok || d.TenantID != tenant {
		return 0, shared.ErrNotFound
	}
	line.ID = (*fakeRepo)(f).id()
	d.Lines = append(d.Lines, line)
	f.deliveries[d.ID] = d
	return line.ID, nil
}

func (f *fakeTx) GetLotForUpdate(_ context.Context, tenant shared.TenantID, id int64) (lots.Lot, error) {
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return lots.Lot{}, shared.ErrNotFound
	}
	return lot, nil
}

func (f *fakeTx) LockReadyLots(_ context.Context, tenant shared.TenantID, kind lots.Kind, productID, locationID int64) ([]lots.Lot, error) {
	var out []lots.Lot
	for _, l := range f.lots {
		if l.TenantID == tenant && l.Kind == kind && l.ProductID == productID &&
			l.LocationID == locationID && l.State == lots.StateReady && l.CurrentKg > 0 {
			out = append(out, l)
		}
	}
	return out, nil
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

func (f *fakeTx) SetLotState(_ context.Context, tenant shared.TenantID, id int64, state lots.State) error {
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return shared.ErrNotFound
	}
	lot.State = state
	f.lots[id] = lot
	return nil
}

func (f *fakeTx) LockAvailableUnits(_ context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]packaging.UnitWithLot, error) {
	var out []packaging.UnitWithLot
	for _, u := range f.units {
		if u.TenantID != tenant || u.PresentationID != presentationID ||
			u.LocationID != locationID || u.State != packaging.UnitAvailable {
			continue
		}
		lot := f.lots[u.LotID]
		out = append(out, packaging.UnitWithLot{
			TaggedUnit:      u,
			LotExpiresAt:    lot.ExpiresAt,
			LotElaboratedAt: lot.ElaboratedAt,
			LotCode:         lot.Code,
		})
	}
	return out, nil
}

func (f *fakeTx) GetUnitsForUpdate(_ context.Context, tenant shared.TenantID, ids []int64) ([]packaging.TaggedUnit, error) {
	var out []packaging.TaggedUnit
	for _, id := range ids {
		u, ok := f.units[id]
		if !ok || u.TenantID != tenant {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeTx) SetUnitState(_ context.Context, tenant shared.TenantID, id int64, state packaging.UnitState) error {
	u, ok := f.units[id]
	if !ok || u.TenantID != tenant {
		return shared.ErrNotFound
	}
	u.State = state
	f.units[id] = u
	return nil
}

func (f *fakeTx) GetPresentation(_ context.Context, tenant shared.TenantID, id int64) (packaging.Presentation, error) {
	p, ok := f.pres[id]
	if !ok || p.TenantID != tenant {
		return packaging.Presentation{}, shared.ErrNotFound
	}
	return p, nil
}

func (f *fakeTx) LockStocks(_ context.Context, tenant shared.TenantID, presentationID int64, locationIDs []int64) (map[int64]packaging.Stock, error) {
	out := map[int64]packaging.Stock{}
	for _, loc := range locationIDs {
		st, ok := f.stock[stockKey{presentationID, loc}]
		if !ok {
			st = packaging.Stock{TenantID: tenant, PresentationID: presentationID, LocationID: loc}
		}
		out[loc] = st
	}
	return out, nil
}

func (f *fakeTx) DecrementStock(_ context.Context, _ shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	key := stockKey{presentationID, locationID}
	st, ok := f.stock[key]
	if !ok || st.WeightKg < weightKg-1e-9 || st.Units < units {
		return shared.ErrIntegrity
	}
	st.WeightKg -= weightKg
	st.Units -= units
	f.stock[key] = st
	return nil
}

func (f *fakeTx) AppendMovement(_ context.Context, m ledger.Movement) (int64, error) {
	m.ID = (*fakeRepo)(f).id()
	f.moves = append(f.moves, m)
	return m.ID, nil
}

func seedLot(f *fakeRepo, code string, kind lots.Kind, currentKg float64, expiresAt *time.Time) lots.Lot {
	lot := lots.Lot{
		ID: f.id(), TenantID: testTenant, Kind: kind, ProductID: 7, Code: code,
		LocationID: 1, InitialKg: currentKg, CurrentKg: currentKg,
		ElaboratedAt: time.Now().AddDate(0, -1, 0), ExpiresAt: expiresAt,
		State: lots.StateReady,
	}
	f.lots[lot.ID] = lot
	return lot
}

func seedUnits(f *fakeRepo, pres packaging.Presentation, lotID int64, n int) {
	key := stockKey{pres.ID, 1}
	st := f.stock[key]
	st.TenantID = testTenant
	st.PresentationID = pres.ID
	st.LocationID = 1
	for i := 0; i < n; i++ {
		id := f.id()
		f.units[id] = packaging.TaggedUnit{
			ID: id, TenantID: testTenant, Label: fmt.Sprintf("%s-%d-%d", pres.SKUCode, lotID, i+1),
			LotID: lotID, PresentationID: pres.ID, LocationID: 1,
			WeightKg: 0.5, State: packaging.UnitAvailable,
		}
		st.WeightKg += 0.5
		st.Units++
	}
	f.stock[key] = st
}

func newTestService(f *fakeRepo) *Service {
	return NewService(f, nil, nil, nil)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestBulkDeliveryAllocatesByExpiry(t *testing.T) {
	repo := newFakeRepo()
	later := seedLot(repo, "GR-2026-002", lots.KindBulk, 30, timePtr(time.Now().AddDate(0, 6, 0)))
	soon := seedLot(repo, "GR-2026-001", lots.KindBulk, 10, timePtr(time.Now().AddDate(0, 1, 0)))
	svc := newTestService(repo)

	d, err := svc.CreateBulk(context.Background(), testTenant, BulkInput{
		Code: "ENT-001", LocationID: 1, ActorID: 5,
		Lines: []BulkLine{{ProductID: 7, WeightKg: 12}},
	})
	require.NoError(t, err)
	require.Len(t, d.Lines, 2)
	require.Equal(t, soon.ID, d.Lines[0].LotID, "soonest expiry drains first")
	require.InDelta(t, 10, d.Lines[0].WeightKg, 1e-9)
	require.Equal(t, later.ID, d.Lines[1].LotID)
	require.InDelta(t, 2, d.Lines[1].WeightKg, 1e-9)

	require.Equal(t, lots.StateDelivered, repo.lots[soon.ID].State, "drained lot transitions")
	require.InDelta(t, 0, repo.lots[soon.ID].CurrentKg, 1e-9)
	require.Equal(t, lots.StateReady, repo.lots[later.ID].State)
	require.InDelta(t, 28, repo.lots[later.ID].CurrentKg, 1e-9)

	require.Len(t, repo.moves, 2)
	for _, m := range repo.moves {
		require.Equal(t, ledger.MovementDelivery, m.Type)
		require.Equal(t, "delivery", m.RefType)
		require.Equal(t, d.ID, m.RefID)
	}
	require.InDelta(t, -10, repo.moves[0].WeightKg, 1e-9)
	require.InDelta(t, -2, repo.moves[1].WeightKg, 1e-9)
}

func TestBulkDeliveryInsufficientStockRollsBack(t *testing.T) {
	repo := newFakeRepo()
	lot := seedLot(repo, "GR-2026-001", lots.KindBulk, 10, nil)
	svc := newTestService(repo)

	_, err := svc.CreateBulk(context.Background(), testTenant, BulkInput{
		Code: "ENT-001", LocationID: 1,
		Lines: []BulkLine{{ProductID: 7, WeightKg: 11}},
	})
	require.True(t, shared.IsInsufficientStock(err))
	require.Empty(t, repo.deliveries, "nothing persists on a failed allocation")
	require.Empty(t, repo.moves)
	require.InDelta(t, 10, repo.lots[lot.ID].CurrentKg, 1e-9)
}

func TestBulkDeliveryPinnedLot(t *testing.T) {
	repo := newFakeRepo()
	seedLot(repo, "GR-2026-001", lots.KindBulk, 10, timePtr(time.Now().AddDate(0, 1, 0)))
	pinned := seedLot(repo, "GR-2026-002", lots.KindBulk, 30, timePtr(time.Now().AddDate(0, 6, 0)))
	svc := newTestService(repo)

	d, err := svc.CreateBulk(context.Background(), testTenant, BulkInput{
		Code: "ENT-001", LocationID: 1,
		Lines: []BulkLine{{WeightKg: 5, LotID: pinned.ID}},
	})
	require.NoError(t, err)
	require.Len(t, d.Lines, 1)
	require.Equal(t, pinned.ID, d.Lines[0].LotID, "a pin overrides expiry ordering")
	require.InDelta(t, 25, repo.lots[pinned.ID].CurrentKg, 1e-9)
}

func TestBulkDeliveryPinnedExpiredLotAborts(t *testing.T) {
	repo := newFakeRepo()
	expired := seedLot(repo, "GR-2025-001", lots.KindBulk, 10, timePtr(time.Now().AddDate(0, 0, -1)))
	svc := newTestService(repo)

	_, err := svc.CreateBulk(context.Background(), testTenant, BulkInput{
		Code: "ENT-001", LocationID: 1,
		Lines: []BulkLine{{WeightKg: 5, LotID: expired.ID}},
	})
	require.True(t, shared.IsStateConflict(err))
	require.Empty(t, repo.deliveries)
	// The expiry transition outlives the rolled-back delivery.
	require.Equal(t, lots.StateExpired, repo.lots[expired.ID].State)
	require.Equal(t, []int64{expired.ID}, repo.marked)
}

func TestBulkDeliverySkipsExpiredCandidates(t *testing.T) {
	repo := newFakeRepo()
	expired := seedLot(repo, "GR-2025-001", lots.KindBulk, 10, timePtr(time.Now().AddDate(0, 0, -1)))
	fresh := seedLot(repo, "GR-2026-001", lots.KindBulk, 10, timePtr(time.Now().AddDate(0, 3, 0)))
	svc := newTestService(repo)

	d, err := svc.CreateBulk(context.Background(), testTenant, BulkInput{
		Code: "ENT-001", LocationID: 1,
		Lines: []BulkLine{{ProductID: 7, WeightKg: 8}},
	})
	require.NoError(t, err)
	require.Len(t, d.Lines, 1)
	require.Equal(t, fresh.ID, d.Lines[0].LotID)
	require.Equal(t, lots.StateExpired, repo.lots[expired.ID].State)
	require.InDelta(t, 10, repo.lots[expired.ID].CurrentKg, 1e-9, "expired stock is flagged, never shipped")
}

func TestPackagedDeliveryPicksByLotExpiry(t *testing.T) {
	repo := newFakeRepo()
	lotSoon := seedLot(repo, "GR-2026-001", lots.KindBulk, 0, timePtr(time.Now().AddDate(0, 1, 0)))
	lotLater := seedLot(repo, "GR-2026-002", lots.KindBulk, 0, timePtr(time.Now().AddDate(0, 6, 0)))
	pres := packaging.Presentation{
		ID: repo.id(), TenantID: testTenant, ProductID: 7, SKUCode: "B05",
		SaleUnit: packaging.SaleUnitBag, Active: true,
	}
	repo.pres[pres.ID] = pres
	seedUnits(repo, pres, lotLater.ID, 2)
	seedUnits(repo, pres, lotSoon.ID, 2)
	svc := newTestService(repo)

	d, err := svc.CreatePackaged(context.Background(), testTenant, PackagedInput{
		Code: "ENT-001", LocationID: 1,
		Lines: []PackagedLine{{PresentationID: pres.ID, Units: 3}},
	})
	require.NoError(t, err)

	delivered := 0
	for _, u := range repo.units {
		if u.State == packaging.UnitDelivered {
			delivered++
			if u.LotID == lotLater.ID {
				continue
			}
			require.Equal(t, lotSoon.ID, u.LotID)
		}
	}
	require.Equal(t, 3, delivered)
	for _, u := range repo.units {
		if u.LotID == lotSoon.ID {
			require.Equal(t, packaging.UnitDelivered, u.State, "soonest lot's units go first")
		}
	}

	st := repo.stock[stockKey{pres.ID, 1}]
	require.EqualValues(t, 1, st.Units)
	require.InDelta(t, 0.5, st.WeightKg, 1e-9)

	// One line and one ledger entry per origin lot.
	require.Len(t, d.Lines, 2)
	require.Equal(t, lotSoon.ID, d.Lines[0].LotID)
	require.EqualValues(t, 2, d.Lines[0].Units)
	require.Equal(t, lotLater.ID, d.Lines[1].LotID)
	require.EqualValues(t, 1, d.Lines[1].Units)
	require.Len(t, repo.moves, 2)
	require.Equal(t, ledger.MovementDelivery, repo.moves[0].Type)
	require.InDelta(t, -1.0, repo.moves[0].WeightKg, 1e-9)
	require.EqualValues(t, 2, *repo.moves[0].Units)
}

func TestPackagedDeliveryLeavesDiscardedLotAlone(t *testing.T) {
	repo := newFakeRepo()
	discarded := seedLot(repo, "GR-2025-001", lots.KindBulk, 0, timePtr(time.Now().AddDate(0, 0, -1)))
	fresh := seedLot(repo, "GR-2026-001", lots.KindBulk, 0, timePtr(time.Now().AddDate(0, 3, 0)))
	pres := packaging.Presentation{
		ID: repo.id(), TenantID: testTenant, ProductID: 7, SKUCode: "B05",
		SaleUnit: packaging.SaleUnitBag, Active: true,
	}
	repo.pres[pres.ID] = pres
	// A leftover unit survives the lot discard with a stale available state.
	seedUnits(repo, pres, discarded.ID, 1)
	seedUnits(repo, pres, fresh.ID, 1)
	lot := repo.lots[discarded.ID]
	lot.State = lots.StateDiscarded
	repo.lots[discarded.ID] = lot
	svc := newTestService(repo)

	d, err := svc.CreatePackaged(context.Background(), testTenant, PackagedInput{
		Code: "ENT-001", LocationID: 1,
		Lines: []PackagedLine{{PresentationID: pres.ID, Units: 1}},
	})
	require.NoError(t, err)
	require.Len(t, d.Lines, 1)
	require.Equal(t, fresh.ID, d.Lines[0].LotID)
	require.Equal(t, lots.StateDiscarded, repo.lots[discarded.ID].State,
		"a terminal state is never overwritten by the expiry flag")
	require.Empty(t, repo.marked)
}

func TestRacingPackagedDeliveriesNeverOversell(t *testing.T) {
	repo := newFakeRepo()
	lot := seedLot(repo, "GR-2026-001", lots.KindBulk, 0, nil)
	pres := packaging.Presentation{
		ID: repo.id(), TenantID: testTenant, ProductID: 7, SKUCode: "B05",
		SaleUnit: packaging.SaleUnitBag, Active: true,
	}
	repo.pres[pres.ID] = pres
	seedUnits(repo, pres, lot.ID, 3)
	svc := newTestService(repo)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CreatePackaged(context.Background(), testTenant, PackagedInput{
				Code: fmt.Sprintf("ENT-%03d", i), LocationID: 1,
				Lines: []PackagedLine{{PresentationID: pres.ID, Units: 2}},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			require.True(t, shared.IsInsufficientStock(err))
			failures++
		}
	}
	require.Equal(t, 1, failures, "three units cannot satisfy two deliveries of two")

	delivered := 0
	for _, u := range repo.units {
		if u.State == packaging.UnitDelivered {
			delivered++
		}
	}
	require.Equal(t, 2, delivered)
	require.EqualValues(t, 1, repo.stock[stockKey{pres.ID, 1}].Units)
}

func TestConsumeForProductionDrawsRawByExpiry(t *testing.T) {
	repo := newFakeRepo()
	later := seedLot(repo, "MP-2026-002", lots.KindRaw, 50, timePtr(time.Now().AddDate(0, 6, 0)))
	soon := seedLot(repo, "MP-2026-001", lots.KindRaw, 20, timePtr(time.Now().AddDate(0, 1, 0)))
	svc := newTestService(repo)

	consumed, err := svc.ConsumeForProduction(context.Background(), testTenant, ConsumeInput{
		ProductID: 7, WeightKg: 30, LocationID: 1, OrderID: 42, ActorID: 5,
	})
	require.NoError(t, err)
	require.Len(t, consumed, 2)
	require.Equal(t, "MP-2026-001", consumed[0].LotCode)
	require.InDelta(t, 20, consumed[0].WeightKg, 1e-9)
	require.InDelta(t, 10, consumed[1].WeightKg, 1e-9)

	require.Equal(t, lots.StateDelivered, repo.lots[soon.ID].State)
	require.InDelta(t, 40, repo.lots[later.ID].CurrentKg, 1e-9)

	for _, m := range repo.moves {
		require.Equal(t, ledger.MovementProductionConsumption, m.Type)
		require.Equal(t, "production_order", m.RefType)
		require.EqualValues(t, 42, m.RefID)
	}
}

func TestConsumeForProductionIgnoresBulkLots(t *testing.T) {
	repo := newFakeRepo()
	seedLot(repo, "GR-2026-001", lots.KindBulk, 50, nil)
	svc := newTestService(repo)

	_, err := svc.ConsumeForProduction(context.Background(), testTenant, ConsumeInput{
		ProductID: 7, WeightKg: 10, LocationID: 1, OrderID: 42,
	})
	require.True(t, shared.IsInsufficientStock(err))
}

func TestDiscardUnitsWritesOffShrinkage(t *testing.T) {
	repo := newFakeRepo()
	lot := seedLot(repo, "GR-2026-001", lots.KindBulk, 0, nil)
	pres := packaging.Presentation{
		ID: repo.id(), TenantID: testTenant, ProductID: 7, SKUCode: "B05",
		SaleUnit: packaging.SaleUnitBag, Active: true,
	}
	repo.pres[pres.ID] = pres
	seedUnits(repo, pres, lot.ID, 2)
	svc := newTestService(repo)

	var ids []int64
	for id := range repo.units {
		ids = append(ids, id)
	}
	require.NoError(t, svc.DiscardUnits(context.Background(), testTenant, DiscardInput{
		UnitIDs: ids[:1], Reason: "rotura de envase", ActorID: 5,
	}))

	require.Equal(t, packaging.UnitShrinkage, repo.units[ids[0]].State)
	st := repo.stock[stockKey{pres.ID, 1}]
	require.EqualValues(t, 1, st.Units)
	require.Len(t, repo.moves, 1)
	m := repo.moves[0]
	require.Equal(t, ledger.MovementShrinkage, m.Type)
	require.Equal(t, "rotura de envase", m.Reason)
	require.Equal(t, ids[0], *m.UnitID)
	require.InDelta(t, -0.5, m.WeightKg, 1e-9)

	err := svc.DiscardUnits(context.Background(), testTenant, DiscardInput{
		UnitIDs: ids[:1], Reason: "rotura de envase",
	})
	require.True(t, shared.IsStateConflict(err), "a written-off unit cannot be discarded twice")
}

func TestDiscardUnknownUnitIsNotFound(t *testing.T) {
	svc := newTestService(newFakeRepo())
	err := svc.DiscardUnits(context.Background(), testTenant, DiscardInput{
		UnitIDs: []int64{99}, Reason: "extravio",
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}
