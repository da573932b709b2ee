package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Store persists ledger rows. It runs over a pool or an open transaction;
// engines construct it over their tx so appends commit atomically with the
// quantity changes they describe.
type Store struct {
	db db.Querier
}

// NewStore constructs a Store over the given querier.
func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

const movementColumns = `id, tenant_id, movement_type, weight_kg, units, location_id,
	lot_id, presentation_id, unit_id, supply_id, reason, actor_id, ref_type, ref_id,
	evidence, created_at`

// Append inserts one immutable movement row and returns its id.
func (s *Store) Append(ctx context.Context, m Movement) (int64, error) {
	if !m.TenantID.Valid() {
		return 0, shared.ErrTenantRequired
	}
	if !m.Type.IsValid() {
		return 0, shared.ValidationError("movement_type", string(m.Type))
	}
	var evidence []byte
	if m.Evidence != nil {
		var err error
		evidence, err = json.Marshal(m.Evidence)
		if err != nil {
			return 0, fmt.Errorf("ledger: marshal evidence: %w", err)
		}
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO movements (tenant_id, movement_type, weight_kg, units, location_id,
			lot_id, presentation_id, unit_id, supply_id, reason, actor_id, ref_type, ref_id, evidence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`,
		m.TenantID, m.Type, m.WeightKg, m.Units, m.LocationID,
		m.LotID, m.PresentationID, m.UnitID, m.SupplyID, m.Reason, m.ActorID,
		m.RefType, m.RefID, evidence,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: append: %w", err)
	}
	return id, nil
}

// SumForLot returns the signed weight sum of all rows referencing the lot.
// The lot's cached current quantity must always equal this value.
func (s *Store) SumForLot(ctx context.Context, tenant shared.TenantID, lotID int64) (float64, error) {
	var sum float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(weight_kg), 0) FROM movements WHERE tenant_id = $1 AND lot_id = $2`,
		tenant, lotID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum for lot: %w", err)
	}
	return sum, nil
}

// SumForStock returns the signed weight and unit sums of all rows referencing
// the (presentation, location) pair.
func (s *Store) SumForStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) (float64, int64, error) {
	var weight float64
	var units int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(weight_kg), 0), COALESCE(SUM(units), 0)
		FROM movements
		WHERE tenant_id = $1 AND presentation_id = $2 AND location_id = $3`,
		tenant, presentationID, locationID,
	).Scan(&weight, &units)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: sum for stock: %w", err)
	}
	return weight, units, nil
}

// List returns movements matching the filter, newest first.
func (s *Store) List(ctx context.Context, tenant shared.TenantID, filter Filter) ([]Movement, error) {
	if !tenant.Valid() {
		return nil, shared.ErrTenantRequired
	}
	conds := []string{"tenant_id = $1"}
	args := []any{tenant}
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.LotID != nil {
		add("lot_id = $%d", *filter.LotID)
	}
	if filter.PresentationID != nil {
		add("presentation_id = $%d", *filter.PresentationID)
	}
	if filter.LocationID != nil {
		add("location_id = $%d", *filter.LocationID)
	}
	if filter.RefType != "" {
		add("ref_type = $%d", filter.RefType)
		add("ref_id = $%d", filter.RefID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM movements WHERE %s ORDER BY id DESC LIMIT $%d`,
		movementColumns, strings.Join(conds, " AND "), len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var result []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var evidence []byte
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Type, &m.WeightKg, &m.Units, &m.LocationID,
		&m.LotID, &m.PresentationID, &m.UnitID, &m.SupplyID, &m.Reason, &m.ActorID,
		&m.RefType, &m.RefID, &evidence, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, shared.ErrNotFound
		}
		return Movement{}, fmt.Errorf("ledger: scan: %w", err)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &m.Evidence); err != nil {
			return Movement{}, fmt.Errorf("ledger: decode evidence: %w", err)
		}
	}
	return m, nil
}
