package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the referenced row does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates invalid input, rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrTenantRequired indicates a call reached the core without a resolved tenant.
	ErrTenantRequired = errors.New("tenant not resolved")
	// ErrIntegrity indicates a generated-code collision that survived the
	// bounded retries.
	ErrIntegrity = errors.New("integrity violation")
)

// ValidationError wraps ErrValidation with a field reference.
func ValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// StateConflictError reports an operation attempted outside its valid
// lifecycle state.
type StateConflictError struct {
	Entity  string
	Current string
	Allowed []string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s in state %s, expected %s", e.Entity, e.Current, strings.Join(e.Allowed, " or "))
}

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// InsufficientStockError reports a bulk or tagged-unit shortfall. Quantities
// are kilograms for bulk stock and whole units for tagged units.
type InsufficientStockError struct {
	Resource  string
	Requested float64
	Available float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %.3f, available %.3f (short %.3f)",
		e.Resource, e.Requested, e.Available, e.Requested-e.Available)
}

// IsInsufficientStock reports whether err carries a stock shortfall.
func IsInsufficientStock(err error) bool {
	var is *InsufficientStockError
	var ss *SupplyShortfallError
	return errors.As(err, &is) || errors.As(err, &ss)
}

// SupplyShortfall describes one failing secondary-material rule.
type SupplyShortfall struct {
	SupplyID  int64
	Name      string
	Required  float64
	Available float64
}

// SupplyShortfallError lists every secondary-material rule that could not be
// satisfied, not only the first.
type SupplyShortfallError struct {
	Shortfalls []SupplyShortfall
}

func (e *SupplyShortfallError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: required %.3f, available %.3f", s.Name, s.Required, s.Available))
	}
	return "insufficient secondary-material stock: " + strings.Join(parts, "; ")
}
