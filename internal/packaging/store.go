package packaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// ErrDuplicateLabel reports a label collision on unit insert. Confirmation
// retries the sequence a bounded number of times before giving up.
var ErrDuplicateLabel = errors.New("duplicate unit label")

// Store reads and mutates packaging rows over a pool or an open transaction.
type Store struct {
	db db.Querier
}

// NewStore builds a Store over the given querier.
func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

// InsertPresentation registers a sellable SKU.
func (s *Store) InsertPresentation(ctx context.Context, p Presentation) (int64, error) {
	if !p.TenantID.Valid() {
		return 0, shared.ErrTenantRequired
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO presentations (tenant_id, product_id, sku_code, name, sale_unit, unit_weight_kg, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		p.TenantID, p.ProductID, p.SKUCode, p.Name, p.SaleUnit, p.UnitWeightKg, p.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("packaging: insert presentation: %w", err)
	}
	return id, nil
}

const presentationColumns = `id, tenant_id, product_id, sku_code, name, sale_unit, unit_weight_kg, active, created_at`

func scanPresentation(row pgx.Row) (Presentation, error) {
	var p Presentation
	err := row.Scan(&p.ID, &p.TenantID, &p.ProductID, &p.SKUCode, &p.Name,
		&p.SaleUnit, &p.UnitWeightKg, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Presentation{}, shared.ErrNotFound
		}
		return Presentation{}, fmt.Errorf("packaging: scan presentation: %w", err)
	}
	return p, nil
}

// GetPresentation fetches one presentation scoped to the tenant.
func (s *Store) GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (Presentation, error) {
	row := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM presentations WHERE tenant_id = $1 AND id = $2`, presentationColumns),
		tenant, id)
	return scanPresentation(row)
}

// ListPresentations returns the tenant's presentations, optionally filtered
// by product.
func (s *Store) ListPresentations(ctx context.Context, tenant shared.TenantID, productID int64) ([]Presentation, error) {
	query := fmt.Sprintf(`SELECT %s FROM presentations WHERE tenant_id = $1`, presentationColumns)
	args := []any{tenant}
	if productID != 0 {
		query += ` AND product_id = $2`
		args = append(args, productID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("packaging: list presentations: %w", err)
	}
	defer rows.Close()

	var out []Presentation
	for rows.Next() {
		p, err := scanPresentation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPresentationActive toggles a presentation. Deactivated presentations
// reject new packaging lines but keep existing stock and units readable.
func (s *Store) SetPresentationActive(ctx context.Context, tenant shared.TenantID, id int64, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE presentations SET active = $3 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, active)
	if err != nil {
		return fmt.Errorf("packaging: set presentation active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertOperation stores a draft operation header.
func (s *Store) InsertOperation(ctx context.Context, op Operation) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO packaging_operations (tenant_id, lot_id, destination_location_id, state, created_by)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id`,
		op.TenantID, op.LotID, op.DestinationLocationID, op.State, op.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("packaging: insert operation: %w", err)
	}
	return id, nil
}

// InsertLine appends a line to an operation.
func (s *Store) InsertLine(ctx context.Context, tenant shared.TenantID, line Line) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO packaging_operation_lines (tenant_id, operation_id, presentation_id, weight_kg)
		VALUES ($1,$2,$3,$4)
		RETURNING id`,
		tenant, line.OperationID, line.PresentationID, line.WeightKg,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("packaging: insert line: %w", err)
	}
	return id, nil
}

// DeleteLine removes a line from a draft operation.
func (s *Store) DeleteLine(ctx context.Context, tenant shared.TenantID, operationID, lineID int64) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM packaging_operation_lines WHERE tenant_id = $1 AND operation_id = $2 AND id = $3`,
		tenant, operationID, lineID)
	if err != nil {
		return fmt.Errorf("packaging: delete line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) getOperation(ctx context.Context, tenant shared.TenantID, id int64, forUpdate bool) (Operation, error) {
	query := `
		SELECT id, tenant_id, lot_id, destination_location_id, state, created_by, created_at, confirmed_at
		FROM packaging_operations WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var op Operation
	err := s.db.QueryRow(ctx, query, tenant, id).Scan(
		&op.ID, &op.TenantID, &op.LotID, &op.DestinationLocationID,
		&op.State, &op.CreatedBy, &op.CreatedAt, &op.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operation{}, shared.ErrNotFound
		}
		return Operation{}, fmt.Errorf("packaging: get operation: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, operation_id, presentation_id, weight_kg
		FROM packaging_operation_lines
		WHERE tenant_id = $1 AND operation_id = $2 ORDER BY id`,
		tenant, id)
	if err != nil {
		return Operation{}, fmt.Errorf("packaging: operation lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.OperationID, &l.PresentationID, &l.WeightKg); err != nil {
			return Operation{}, fmt.Errorf("packaging: scan line: %w", err)
		}
		op.Lines = append(op.Lines, l)
	}
	return op, rows.Err()
}

// GetOperation fetches an operation with its lines.
func (s *Store) GetOperation(ctx context.Context, tenant shared.TenantID, id int64) (Operation, error) {
	return s.getOperation(ctx, tenant, id, false)
}

// GetOperationForUpdate fetches an operation under a row lock on the header.
func (s *Store) GetOperationForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Operation, error) {
	return s.getOperation(ctx, tenant, id, true)
}

// SetOperationState transitions the operation, stamping confirmed_at when
// confirming.
func (s *Store) SetOperationState(ctx context.Context, tenant shared.TenantID, id int64, state OperationState, confirmedAt *time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE packaging_operations SET state = $3, confirmed_at = $4 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, state, confirmedAt)
	if err != nil {
		return fmt.Errorf("packaging: set operation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CountUnits returns how many units were ever minted for a lot/presentation
// pair, used as the label sequence base.
func (s *Store) CountUnits(ctx context.Context, tenant shared.TenantID, lotID, presentationID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tagged_units
		WHERE tenant_id = $1 AND lot_id = $2 AND presentation_id = $3`,
		tenant, lotID, presentationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("packaging: count units: %w", err)
	}
	return n, nil
}

// InsertUnit mints one tagged unit. A unique-label violation surfaces as
// ErrDuplicateLabel so the caller can retry with the next sequence.
func (s *Store) InsertUnit(ctx context.Context, u TaggedUnit) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO tagged_units (tenant_id, label, lot_id, presentation_id, location_id, weight_kg, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		u.TenantID, u.Label, u.LotID, u.PresentationID, u.LocationID, u.WeightKg, u.State,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateLabel, u.Label)
		}
		return 0, fmt.Errorf("packaging: insert unit: %w", err)
	}
	return id, nil
}

const unitColumns = `u.id, u.tenant_id, u.label, u.lot_id, u.presentation_id, u.location_id, u.weight_kg, u.state, u.created_at`

func scanUnit(row pgx.Row) (TaggedUnit, error) {
	var u TaggedUnit
	err := row.Scan(&u.ID, &u.TenantID, &u.Label, &u.LotID, &u.PresentationID,
		&u.LocationID, &u.WeightKg, &u.State, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaggedUnit{}, shared.ErrNotFound
		}
		return TaggedUnit{}, fmt.Errorf("packaging: scan unit: %w", err)
	}
	return u, nil
}

// LockAvailableUnits fetches DISPONIBLE units of a presentation at a location
// under row locks, joined to their origin lots and ordered for
// first-expired-first-out selection.
func (s *Store) LockAvailableUnits(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]UnitWithLot, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s, l.expires_at, l.elaborated_at, l.code
		FROM tagged_units u
		JOIN lots l ON l.id = u.lot_id AND l.tenant_id = u.tenant_id
		WHERE u.tenant_id = $1 AND u.presentation_id = $2 AND u.location_id = $3 AND u.state = $4
		ORDER BY l.expires_at ASC NULLS LAST, l.elaborated_at ASC, u.lot_id ASC, u.id ASC
		FOR UPDATE OF u`, unitColumns),
		tenant, presentationID, locationID, UnitAvailable)
	if err != nil {
		return nil, fmt.Errorf("packaging: lock units: %w", err)
	}
	defer rows.Close()

	var out []UnitWithLot
	for rows.Next() {
		var u UnitWithLot
		err := rows.Scan(&u.ID, &u.TenantID, &u.Label, &u.LotID, &u.PresentationID,
			&u.LocationID, &u.WeightKg, &u.State, &u.CreatedAt,
			&u.LotExpiresAt, &u.LotElaboratedAt, &u.LotCode)
		if err != nil {
			return nil, fmt.Errorf("packaging: scan unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UnitWithLot is a tagged unit joined to its origin lot's ordering fields.
type UnitWithLot struct {
	TaggedUnit
	LotExpiresAt    *time.Time
	LotElaboratedAt time.Time
	LotCode         string
}

// GetUnitsForUpdate fetches specific units under row locks, ordered by id.
func (s *Store) GetUnitsForUpdate(ctx context.Context, tenant shared.TenantID, ids []int64) ([]TaggedUnit, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM tagged_units u
		WHERE u.tenant_id = $1 AND u.id = ANY($2)
		ORDER BY u.id
		FOR UPDATE`, unitColumns),
		tenant, ids)
	if err != nil {
		return nil, fmt.Errorf("packaging: get units: %w", err)
	}
	defer rows.Close()

	var out []TaggedUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUnitState transitions one tagged unit.
func (s *Store) SetUnitState(ctx context.Context, tenant shared.TenantID, id int64, state UnitState) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tagged_units SET state = $3 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, state)
	if err != nil {
		return fmt.Errorf("packaging: set unit state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetUnitLocation moves one tagged unit to another location.
func (s *Store) SetUnitLocation(ctx context.Context, tenant shared.TenantID, id, locationID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tagged_units SET location_id = $3 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, locationID)
	if err != nil {
		return fmt.Errorf("packaging: set unit location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListUnits returns tagged units matching the filter.
func (s *Store) ListUnits(ctx context.Context, tenant shared.TenantID, filter UnitFilter) ([]TaggedUnit, error) {
	conds := []string{"u.tenant_id = $1"}
	args := []any{tenant}
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.LotID != 0 {
		add("u.lot_id = $%d", filter.LotID)
	}
	if filter.PresentationID != 0 {
		add("u.presentation_id = $%d", filter.PresentationID)
	}
	if filter.LocationID != 0 {
		add("u.location_id = $%d", filter.LocationID)
	}
	if filter.State != "" {
		add("u.state = $%d", filter.State)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM tagged_units u WHERE %s ORDER BY u.id LIMIT $%d`,
		unitColumns, strings.Join(conds, " AND "), len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("packaging: list units: %w", err)
	}
	defer rows.Close()

	var out []TaggedUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetStock reads one stock row. Missing rows read as zero.
func (s *Store) GetStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) (Stock, error) {
	st := Stock{TenantID: tenant, PresentationID: presentationID, LocationID: locationID}
	err := s.db.QueryRow(ctx, `
		SELECT weight_kg, units FROM packaged_stock
		WHERE tenant_id = $1 AND presentation_id = $2 AND location_id = $3`,
		tenant, presentationID, locationID,
	).Scan(&st.WeightKg, &st.Units)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Stock{}, fmt.Errorf("packaging: get stock: %w", err)
	}
	return st, nil
}

// ListStock returns stock rows, optionally filtered by presentation or
// location.
func (s *Store) ListStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]Stock, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenant}
	if presentationID != 0 {
		args = append(args, presentationID)
		conds = append(conds, fmt.Sprintf("presentation_id = $%d", len(args)))
	}
	if locationID != 0 {
		args = append(args, locationID)
		conds = append(conds, fmt.Sprintf("location_id = $%d", len(args)))
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT tenant_id, presentation_id, location_id, weight_kg, units
		FROM packaged_stock WHERE %s ORDER BY presentation_id, location_id`,
		strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("packaging: list stock: %w", err)
	}
	defer rows.Close()

	var out []Stock
	for rows.Next() {
		var st Stock
		if err := rows.Scan(&st.TenantID, &st.PresentationID, &st.LocationID, &st.WeightKg, &st.Units); err != nil {
			return nil, fmt.Errorf("packaging: scan stock: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LockStocks takes row locks on the stock rows for a presentation at the
// given locations. Rows are locked in id order so concurrent transfers
// touching the same pair cannot deadlock. Missing rows read as zero.
func (s *Store) LockStocks(ctx context.Context, tenant shared.TenantID, presentationID int64, locationIDs []int64) (map[int64]Stock, error) {
	out := make(map[int64]Stock, len(locationIDs))
	for _, loc := range locationIDs {
		out[loc] = Stock{TenantID: tenant, PresentationID: presentationID, LocationID: loc}
	}
	rows, err := s.db.Query(ctx, `
		SELECT location_id, weight_kg, units FROM packaged_stock
		WHERE tenant_id = $1 AND presentation_id = $2 AND location_id = ANY($3)
		ORDER BY id
		FOR UPDATE`,
		tenant, presentationID, locationIDs)
	if err != nil {
		return nil, fmt.Errorf("packaging: lock stocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var loc int64
		st := Stock{TenantID: tenant, PresentationID: presentationID}
		if err := rows.Scan(&loc, &st.WeightKg, &st.Units); err != nil {
			return nil, fmt.Errorf("packaging: scan stock: %w", err)
		}
		st.LocationID = loc
		out[loc] = st
	}
	return out, rows.Err()
}

// AddStock increments a stock row, creating it lazily.
func (s *Store) AddStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO packaged_stock (tenant_id, presentation_id, location_id, weight_kg, units)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, presentation_id, location_id)
		DO UPDATE SET weight_kg = packaged_stock.weight_kg + EXCLUDED.weight_kg,
			units = packaged_stock.units + EXCLUDED.units`,
		tenant, presentationID, locationID, weightKg, units)
	if err != nil {
		return fmt.Errorf("packaging: add stock: %w", err)
	}
	return nil
}

// DecrementStock subtracts from a stock row. The predicates keep both
// quantities non-negative; callers must have verified availability under a
// lock, so an unaffected row is an integrity failure.
func (s *Store) DecrementStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE packaged_stock
		SET weight_kg = GREATEST(weight_kg - $4, 0), units = units - $5
		WHERE tenant_id = $1 AND presentation_id = $2 AND location_id = $3
			AND weight_kg >= $4 - 1e-9 AND units >= $5`,
		tenant, presentationID, locationID, weightKg, units)
	if err != nil {
		return fmt.Errorf("packaging: decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("packaging: decrement stock for presentation %d at location %d: %w",
			presentationID, locationID, shared.ErrIntegrity)
	}
	return nil
}
