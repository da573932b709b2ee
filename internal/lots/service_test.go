package lots

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

const testTenant = shared.TenantID(1)

type fakeRepo struct {
	mu         sync.Mutex
	nextLotID  int64
	nextMoveID int64
	lots       map[int64]Lot
	moves      []ledger.Movement
	failAppend error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{lots: map[int64]Lot{}}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshotLots := make(map[int64]Lot, len(f.lots))
	for id, l := range f.lots {
		snapshotLots[id] = l
	}
	snapshotMoves := append([]ledger.Movement(nil), f.moves...)
	if err := fn(ctx, (*fakeTx)(f)); err != nil {
		f.lots = snapshotLots
		f.moves = snapshotMoves
		return err
	}
	return nil
}

func (f *fakeRepo) GetLot(_ context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return Lot{}, shared.ErrNotFound
	}
	return lot, nil
}

func (f *fakeRepo) ListLots(_ context.Context, tenant shared.TenantID, filter Filter) ([]Lot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Lot
	for _, l := range f.lots {
		if l.TenantID != tenant {
			continue
		}
		if filter.State != "" && l.State != filter.State {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeRepo) SumForLot(_ context.Context, tenant shared.TenantID, lotID int64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	for _, m := range f.moves {
		if m.TenantID == tenant && m.LotID != nil && *m.LotID == lotID {
			sum += m.WeightKg
		}
	}
	return sum, nil
}

// fakeTx reuses the repo storage; WithTx holds the lock for the whole
// callback, standing in for row locks.
type fakeTx fakeRepo

func (f *fakeTx) InsertLot(_ context.Context, lot Lot) (int64, error) {
	f.nextLotID++
	lot.ID = f.nextLotID
	lot.CreatedAt = time.Now()
	f.lots[lot.ID] = lot
	return lot.ID, nil
}

func (f *fakeTx) GetLotForUpdate(_ context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return Lot{}, shared.ErrNotFound
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

func (f *fakeTx) SetLotState(_ context.Context, tenant shared.TenantID, id int64, state State) error {
	lot, ok := f.lots[id]
	if !ok || lot.TenantID != tenant {
		return shared.ErrNotFound
	}
	lot.State = state
	f.lots[id] = lot
	return nil
}

func (f *fakeTx) AppendMovement(_ context.Context, m ledger.Movement) (int64, error) {
	if f.failAppend != nil {
		return 0, f.failAppend
	}
	f.nextMoveID++
	m.ID = f.nextMoveID
	f.moves = append(f.moves, m)
	return m.ID, nil
}

func newTestService(repo *fakeRepo) *Service {
	return NewService(repo, nil, nil)
}

func TestReceiveCreatesReadyLotWithLedgerEntry(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	lot, err := svc.Receive(context.Background(), testTenant, ReceiveInput{
		Code:         "MP-2026-001",
		ProductID:    3,
		LocationID:   1,
		WeightKg:     120,
		ElaboratedAt: time.Now(),
		ActorID:      7,
	})
	require.NoError(t, err)
	require.Equal(t, KindRaw, lot.Kind)
	require.Equal(t, StateReady, lot.State)
	require.InDelta(t, 120, lot.CurrentKg, 1e-9)

	require.Len(t, repo.moves, 1)
	require.Equal(t, ledger.MovementReception, repo.moves[0].Type)
	require.InDelta(t, 120, repo.moves[0].WeightKg, 1e-9)
	require.Equal(t, lot.ID, *repo.moves[0].LotID)
}

func TestReceiveRollsBackWhenLedgerAppendFails(t *testing.T) {
	repo := newFakeRepo()
	repo.failAppend = errors.New("ledger unavailable")
	svc := newTestService(repo)

	_, err := svc.Receive(context.Background(), testTenant, ReceiveInput{
		Code: "MP-2026-002", ProductID: 3, LocationID: 1,
		WeightKg: 50, ElaboratedAt: time.Now(),
	})
	require.Error(t, err)
	require.Empty(t, repo.lots)
	require.Empty(t, repo.moves)
}

func TestRegisterProductionStartsRetained(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	lot, err := svc.RegisterProduction(context.Background(), testTenant, ProductionInput{
		Code: "GR-2026-010", ProductID: 9, LocationID: 2,
		WeightKg: 300, ElaboratedAt: time.Now(), RefID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, KindBulk, lot.Kind)
	require.Equal(t, StateRetained, lot.State)
	require.Equal(t, ledger.MovementProductionIngress, repo.moves[0].Type)
}

func TestReleaseRequiresRetainedState(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	lot, err := svc.RegisterProduction(context.Background(), testTenant, ProductionInput{
		Code: "GR-2026-011", ProductID: 9, LocationID: 2,
		WeightKg: 100, ElaboratedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), testTenant, lot.ID, 7))
	got, err := svc.Get(context.Background(), testTenant, lot.ID)
	require.NoError(t, err)
	require.Equal(t, StateReady, got.State)

	err = svc.Release(context.Background(), testTenant, lot.ID, 7)
	require.True(t, shared.IsStateConflict(err))
}

func TestDiscardWritesOffRemainingQuantity(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	lot, err := svc.Receive(context.Background(), testTenant, ReceiveInput{
		Code: "MP-2026-003", ProductID: 3, LocationID: 1,
		WeightKg: 80, ElaboratedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Discard(context.Background(), testTenant, lot.ID, "contaminated", 7))

	got, err := svc.Get(context.Background(), testTenant, lot.ID)
	require.NoError(t, err)
	require.Equal(t, StateDiscarded, got.State)
	require.Zero(t, got.CurrentKg)

	last := repo.moves[len(repo.moves)-1]
	require.Equal(t, ledger.MovementShrinkage, last.Type)
	require.InDelta(t, -80, last.WeightKg, 1e-9)

	// A terminal lot cannot be discarded again.
	err = svc.Discard(context.Background(), testTenant, lot.ID, "again", 7)
	require.True(t, shared.IsStateConflict(err))
}

func TestAdjustKeepsQuantityWithinBounds(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	lot, err := svc.Receive(context.Background(), testTenant, ReceiveInput{
		Code: "MP-2026-004", ProductID: 3, LocationID: 1,
		WeightKg: 100, ElaboratedAt: time.Now(),
	})
	require.NoError(t, err)

	adjusted, err := svc.Adjust(context.Background(), testTenant, AdjustInput{
		LotID: lot.ID, DeltaKg: -12.5, Reason: "scale recount",
	})
	require.NoError(t, err)
	require.InDelta(t, 87.5, adjusted.CurrentKg, 1e-9)

	_, err = svc.Adjust(context.Background(), testTenant, AdjustInput{
		LotID: lot.ID, DeltaKg: -200, Reason: "impossible",
	})
	require.True(t, shared.IsInsufficientStock(err))

	_, err = svc.Adjust(context.Background(), testTenant, AdjustInput{
		LotID: lot.ID, DeltaKg: 50, Reason: "would exceed initial",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReconcileDetectsDrift(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	lot, err := svc.Receive(context.Background(), testTenant, ReceiveInput{
		Code: "MP-2026-005", ProductID: 3, LocationID: 1,
		WeightKg: 60, ElaboratedAt: time.Now(),
	})
	require.NoError(t, err)

	rec, err := svc.Reconcile(context.Background(), testTenant, lot.ID)
	require.NoError(t, err)
	require.True(t, rec.Consistent)

	// Drift the cached value behind the ledger's back.
	repo.mu.Lock()
	drifted := repo.lots[lot.ID]
	drifted.CurrentKg = 59
	repo.lots[lot.ID] = drifted
	repo.mu.Unlock()

	rec, err = svc.Reconcile(context.Background(), testTenant, lot.ID)
	require.NoError(t, err)
	require.False(t, rec.Consistent)
	require.InDelta(t, 60, rec.LedgerKg, 1e-9)
}

func TestTenantIsAlwaysRequired(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.Receive(context.Background(), 0, ReceiveInput{Code: "X"})
	require.ErrorIs(t, err, shared.ErrTenantRequired)

	_, err = svc.Get(context.Background(), 0, 1)
	require.ErrorIs(t, err, shared.ErrTenantRequired)
}
