// Package supplies tracks secondary packaging materials (bags, labels,
// boxes) and the rules that bind their consumption to packaging output.
package supplies

import (
	"sort"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Supply is a secondary material consumed while packaging.
type Supply struct {
	ID       int64
	TenantID shared.TenantID
	Name     string
	Unit     string
	Active   bool
}

// Stock is the on-hand quantity of a supply for a tenant.
type Stock struct {
	TenantID shared.TenantID
	SupplyID int64
	Qty      float64
}

// Rule binds a supply to packaging output. A rule keyed to a concrete
// presentation shadows the product-only rule for the same supply.
type Rule struct {
	ID             int64
	TenantID       shared.TenantID
	SupplyID       int64
	ProductID      int64
	PresentationID *int64
	PerUnit        float64
	PerKg          float64
}

// Requirement is the resolved amount of one supply needed by a packaging line.
type Requirement struct {
	SupplyID int64
	Qty      float64
}

// Resolve picks the effective rules for a product/presentation pair:
// presentation-keyed rules win over product-only rules for the same supply.
func Resolve(rules []Rule, presentationID int64) []Rule {
	bySupply := make(map[int64]Rule)
	for _, r := range rules {
		if r.PresentationID != nil && *r.PresentationID != presentationID {
			continue
		}
		current, ok := bySupply[r.SupplyID]
		if !ok || (current.PresentationID == nil && r.PresentationID != nil) {
			bySupply[r.SupplyID] = r
		}
	}
	out := make([]Rule, 0, len(bySupply))
	for _, r := range bySupply {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplyID < out[j].SupplyID })
	return out
}

// Requirements computes the supply quantities a line consumes, given the
// resolved rules and the line's unit count and weight.
func Requirements(rules []Rule, units int64, weightKg float64) []Requirement {
	out := make([]Requirement, 0, len(rules))
	for _, r := range rules {
		qty := float64(units)*r.PerUnit + weightKg*r.PerKg
		if qty <= 0 {
			continue
		}
		out = append(out, Requirement{SupplyID: r.SupplyID, Qty: qty})
	}
	return out
}

// Merge sums requirements across lines into one entry per supply, ordered by
// supply id.
func Merge(reqs []Requirement) []Requirement {
	totals := make(map[int64]float64)
	for _, r := range reqs {
		totals[r.SupplyID] += r.Qty
	}
	out := make([]Requirement, 0, len(totals))
	for id, qty := range totals {
		out = append(out, Requirement{SupplyID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplyID < out[j].SupplyID })
	return out
}
