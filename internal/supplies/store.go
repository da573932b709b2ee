package supplies

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Store reads and mutates supply data over a pool or an open transaction.
// Engines that consume supplies construct it over their own tx so the
// decrement joins the surrounding operation.
type Store struct {
	db db.Querier
}

// NewStore builds a Store over the given querier.
func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

// InsertSupply registers a secondary material.
func (s *Store) InsertSupply(ctx context.Context, supply Supply) (int64, error) {
	if !supply.TenantID.Valid() {
		return 0, shared.ErrTenantRequired
	}
	if supply.Name == "" {
		return 0, shared.ValidationError("name", "required")
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO supplies (tenant_id, name, unit, active)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		supply.TenantID, supply.Name, supply.Unit, supply.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("supplies: insert: %w", err)
	}
	return id, nil
}

// GetSupply fetches one supply scoped to the tenant.
func (s *Store) GetSupply(ctx context.Context, tenant shared.TenantID, id int64) (Supply, error) {
	var sp Supply
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, unit, active
		FROM supplies WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	).Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.Unit, &sp.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supply{}, shared.ErrNotFound
		}
		return Supply{}, fmt.Errorf("supplies: get: %w", err)
	}
	return sp, nil
}

// ListSupplies returns the tenant's supplies ordered by id.
func (s *Store) ListSupplies(ctx context.Context, tenant shared.TenantID) ([]Supply, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, name, unit, active
		FROM supplies WHERE tenant_id = $1 ORDER BY id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("supplies: list: %w", err)
	}
	defer rows.Close()

	var out []Supply
	for rows.Next() {
		var sp Supply
		if err := rows.Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.Unit, &sp.Active); err != nil {
			return nil, fmt.Errorf("supplies: scan: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// UpsertRule creates or replaces the consumption rule for a
// supply/product/presentation triple.
func (s *Store) UpsertRule(ctx context.Context, rule Rule) (int64, error) {
	if !rule.TenantID.Valid() {
		return 0, shared.ErrTenantRequired
	}
	if rule.SupplyID == 0 || rule.ProductID == 0 {
		return 0, shared.ValidationError("supply_id/product_id", "required")
	}
	if rule.PerUnit < 0 || rule.PerKg < 0 {
		return 0, shared.ValidationError("per_unit/per_kg", "must not be negative")
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO supply_rules (tenant_id, supply_id, product_id, presentation_id, per_unit, per_kg)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, supply_id, product_id, COALESCE(presentation_id, 0))
		DO UPDATE SET per_unit = EXCLUDED.per_unit, per_kg = EXCLUDED.per_kg
		RETURNING id`,
		rule.TenantID, rule.SupplyID, rule.ProductID, rule.PresentationID,
		rule.PerUnit, rule.PerKg,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("supplies: upsert rule: %w", err)
	}
	return id, nil
}

// RulesForProduct returns every rule bound to the product, both product-only
// and presentation-keyed. Callers resolve shadowing per line.
func (s *Store) RulesForProduct(ctx context.Context, tenant shared.TenantID, productID int64) ([]Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, supply_id, product_id, presentation_id, per_unit, per_kg
		FROM supply_rules
		WHERE tenant_id = $1 AND product_id = $2
		ORDER BY supply_id, id`,
		tenant, productID)
	if err != nil {
		return nil, fmt.Errorf("supplies: rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.TenantID, &r.SupplyID, &r.ProductID,
			&r.PresentationID, &r.PerUnit, &r.PerKg); err != nil {
			return nil, fmt.Errorf("supplies: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Names maps supply ids to display names, used when reporting shortfalls.
func (s *Store) Names(ctx context.Context, tenant shared.TenantID, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, name FROM supplies WHERE tenant_id = $1 AND id = ANY($2)`,
		tenant, ids)
	if err != nil {
		return nil, fmt.Errorf("supplies: names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("supplies: scan name: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// GetStock returns the on-hand quantity for one supply. Missing rows read
// as zero.
func (s *Store) GetStock(ctx context.Context, tenant shared.TenantID, supplyID int64) (Stock, error) {
	st := Stock{TenantID: tenant, SupplyID: supplyID}
	err := s.db.QueryRow(ctx, `
		SELECT qty FROM supply_stock WHERE tenant_id = $1 AND supply_id = $2`,
		tenant, supplyID,
	).Scan(&st.Qty)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Stock{}, fmt.Errorf("supplies: stock: %w", err)
	}
	return st, nil
}

// AddStock increments a supply's on-hand quantity, creating the row lazily.
func (s *Store) AddStock(ctx context.Context, tenant shared.TenantID, supplyID int64, qty float64) error {
	if !tenant.Valid() {
		return shared.ErrTenantRequired
	}
	if qty <= 0 {
		return shared.ValidationError("qty", "must be positive")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO supply_stock (tenant_id, supply_id, qty)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, supply_id)
		DO UPDATE SET qty = supply_stock.qty + EXCLUDED.qty`,
		tenant, supplyID, qty)
	if err != nil {
		return fmt.Errorf("supplies: add stock: %w", err)
	}
	return nil
}

// LockStock takes row locks on the given supplies' stock rows, ordered by
// supply id ascending, and returns their current quantities. Supplies with no
// stock row read as zero and carry no lock; the subsequent decrement will
// fail their requirement anyway.
func (s *Store) LockStock(ctx context.Context, tenant shared.TenantID, supplyIDs []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(supplyIDs))
	for _, id := range supplyIDs {
		out[id] = 0
	}
	if len(supplyIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT supply_id, qty FROM supply_stock
		WHERE tenant_id = $1 AND supply_id = ANY($2)
		ORDER BY supply_id
		FOR UPDATE`,
		tenant, supplyIDs)
	if err != nil {
		return nil, fmt.Errorf("supplies: lock stock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var qty float64
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, fmt.Errorf("supplies: scan stock: %w", err)
		}
		out[id] = qty
	}
	return out, rows.Err()
}

// DecrementStock subtracts a consumed quantity. The caller must have checked
// availability under LockStock; the predicate is a backstop against going
// negative. The tolerance absorbs float drift between the availability check
// and the subtraction, with GREATEST keeping the balance at zero.
func (s *Store) DecrementStock(ctx context.Context, tenant shared.TenantID, supplyID int64, qty float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE supply_stock SET qty = GREATEST(qty - $3, 0)
		WHERE tenant_id = $1 AND supply_id = $2 AND qty >= $3 - 1e-9`,
		tenant, supplyID, qty)
	if err != nil {
		return fmt.Errorf("supplies: decrement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("supplies: decrement supply %d: %w", supplyID, shared.ErrIntegrity)
	}
	return nil
}
