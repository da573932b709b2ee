package fefo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

func datePtr(value string) *time.Time {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return &t
}

func date(value string) time.Time {
	return *datePtr(value)
}

func TestPlanBulkDrawsFromEarliestExpiry(t *testing.T) {
	candidates := []Candidate{
		{LotID: 1, ExpiresAt: datePtr("2026-03-01"), ElaboratedAt: date("2025-01-01"), AvailableKg: 100},
		{LotID: 2, ExpiresAt: datePtr("2026-01-10"), ElaboratedAt: date("2025-02-01"), AvailableKg: 80},
		{LotID: 3, ExpiresAt: nil, ElaboratedAt: date("2024-12-01"), AvailableKg: 50},
	}

	plan, err := PlanBulk("producto 7", candidates, 30)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, int64(2), plan[0].LotID)
	require.InDelta(t, 30, plan[0].TakeKg, 1e-9)
}

func TestPlanBulkSpansLotsAndPutsNullExpiryLast(t *testing.T) {
	candidates := []Candidate{
		{LotID: 10, ExpiresAt: nil, ElaboratedAt: date("2025-01-01"), AvailableKg: 40},
		{LotID: 11, ExpiresAt: datePtr("2026-05-01"), ElaboratedAt: date("2025-03-01"), AvailableKg: 25},
		{LotID: 12, ExpiresAt: datePtr("2026-05-01"), ElaboratedAt: date("2025-02-01"), AvailableKg: 25},
	}

	plan, err := PlanBulk("producto 7", candidates, 60)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	// Same expiry resolves by elaboration date, null expiry drains last.
	require.Equal(t, int64(12), plan[0].LotID)
	require.InDelta(t, 25, plan[0].TakeKg, 1e-9)
	require.Equal(t, int64(11), plan[1].LotID)
	require.InDelta(t, 25, plan[1].TakeKg, 1e-9)
	require.Equal(t, int64(10), plan[2].LotID)
	require.InDelta(t, 10, plan[2].TakeKg, 1e-9)
}

func TestPlanBulkInsufficientReportsShortfall(t *testing.T) {
	candidates := []Candidate{
		{LotID: 1, ExpiresAt: datePtr("2026-01-10"), ElaboratedAt: date("2025-01-01"), AvailableKg: 12.5},
	}

	plan, err := PlanBulk("producto 9", candidates, 20)
	require.Nil(t, plan)
	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.InDelta(t, 20, stockErr.Requested, 1e-9)
	require.InDelta(t, 12.5, stockErr.Available, 1e-9)
}

func TestPlanBulkRejectsNonPositiveQuantity(t *testing.T) {
	_, err := PlanBulk("producto 1", nil, 0)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = PlanBulk("producto 1", nil, -3)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPlanUnitsOrdersByOriginLot(t *testing.T) {
	candidates := []UnitCandidate{
		{UnitID: 5, LotID: 2, LotExpiresAt: nil, LotElaboratedAt: date("2025-01-01")},
		{UnitID: 1, LotID: 1, LotExpiresAt: datePtr("2026-02-01"), LotElaboratedAt: date("2025-01-10")},
		{UnitID: 2, LotID: 1, LotExpiresAt: datePtr("2026-02-01"), LotElaboratedAt: date("2025-01-10")},
		{UnitID: 9, LotID: 3, LotExpiresAt: datePtr("2026-01-05"), LotElaboratedAt: date("2025-01-05")},
	}

	picked, err := PlanUnits("presentacion 4", candidates, 3)
	require.NoError(t, err)
	require.Equal(t, int64(9), picked[0].UnitID)
	require.Equal(t, int64(1), picked[1].UnitID)
	require.Equal(t, int64(2), picked[2].UnitID)
}

func TestPlanUnitsInsufficient(t *testing.T) {
	candidates := []UnitCandidate{{UnitID: 1, LotID: 1, LotElaboratedAt: date("2025-01-01")}}

	_, err := PlanUnits("presentacion 4", candidates, 2)
	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.InDelta(t, 2, stockErr.Requested, 1e-9)
	require.InDelta(t, 1, stockErr.Available, 1e-9)
}
