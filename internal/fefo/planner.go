// Package fefo implements first-expires-first-out allocation planning.
//
// Planning is pure: callers fetch candidate rows under their own transaction
// (locked FOR UPDATE) and apply the returned plan themselves. The planner
// re-sorts its input, so correctness does not depend on query ordering.
package fefo

import (
	"sort"
	"time"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Candidate is a bulk lot eligible for allocation.
type Candidate struct {
	LotID        int64
	ExpiresAt    *time.Time
	ElaboratedAt time.Time
	AvailableKg  float64
}

// Allocation is one lot's share of a bulk plan.
type Allocation struct {
	LotID  int64
	TakeKg float64
}

// UnitCandidate is a tagged unit eligible for allocation. Expiration and
// elaboration ordering always comes from the origin lot, not the unit.
type UnitCandidate struct {
	UnitID          int64
	LotID           int64
	LotExpiresAt    *time.Time
	LotElaboratedAt time.Time
	WeightKg        float64
}

// PlanBulk greedily covers requiredKg from candidates in expiration order:
// expiry ascending with nulls last, then elaboration date ascending, then
// creation order. It either fully covers the requirement or fails with an
// insufficient-stock error; no partial plan is returned.
func PlanBulk(resource string, candidates []Candidate, requiredKg float64) ([]Allocation, error) {
	if requiredKg <= 0 {
		return nil, shared.ValidationError("quantity", "must be positive")
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return fefoLess(sorted[i].ExpiresAt, sorted[i].ElaboratedAt, sorted[i].LotID,
			sorted[j].ExpiresAt, sorted[j].ElaboratedAt, sorted[j].LotID)
	})

	var plan []Allocation
	remaining := requiredKg
	available := 0.0
	for _, c := range sorted {
		if c.AvailableKg <= 0 {
			continue
		}
		available += c.AvailableKg
		if remaining <= 0 {
			continue
		}
		take := c.AvailableKg
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{LotID: c.LotID, TakeKg: take})
		remaining -= take
	}
	if remaining > quantityEpsilon {
		return nil, &shared.InsufficientStockError{
			Resource:  resource,
			Requested: requiredKg,
			Available: available,
		}
	}
	return plan, nil
}

// PlanUnits selects count units in origin-lot expiration order, then unit
// creation order. It fails without a partial result when fewer are available.
func PlanUnits(resource string, candidates []UnitCandidate, count int) ([]UnitCandidate, error) {
	if count <= 0 {
		return nil, shared.ValidationError("units", "must be positive")
	}
	if len(candidates) < count {
		return nil, &shared.InsufficientStockError{
			Resource:  resource,
			Requested: float64(count),
			Available: float64(len(candidates)),
		}
	}
	sorted := make([]UnitCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return fefoLess(sorted[i].LotExpiresAt, sorted[i].LotElaboratedAt, sorted[i].UnitID,
			sorted[j].LotExpiresAt, sorted[j].LotElaboratedAt, sorted[j].UnitID)
	})
	return sorted[:count], nil
}

// quantityEpsilon absorbs float64 rounding when comparing kilogram totals.
const quantityEpsilon = 1e-9

func fefoLess(expA *time.Time, elabA time.Time, idA int64, expB *time.Time, elabB time.Time, idB int64) bool {
	switch {
	case expA != nil && expB != nil && !expA.Equal(*expB):
		return expA.Before(*expB)
	case expA != nil && expB == nil:
		return true
	case expA == nil && expB != nil:
		return false
	}
	if !elabA.Equal(elabB) {
		return elabA.Before(elabB)
	}
	return idA < idB
}
