package lots

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

// ErrDuplicateCode reports a lot-code collision on insert. Split transfers
// retry the child suffix a bounded number of times before giving up.
var ErrDuplicateCode = errors.New("duplicate lot code")

// Store reads and mutates lot rows over a pool or an open transaction.
// Engines that draw from lots construct it over their own tx so locks and
// updates join the surrounding operation.
type Store struct {
	db db.Querier
}

// NewStore builds a Store over the given querier.
func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

const lotColumns = `id, tenant_id, kind, product_id, code, location_id, initial_kg,
	current_kg, elaborated_at, expires_at, state, parent_lot_id, created_at, updated_at`

func scanLot(row pgx.Row) (Lot, error) {
	var l Lot
	err := row.Scan(
		&l.ID, &l.TenantID, &l.Kind, &l.ProductID, &l.Code, &l.LocationID,
		&l.InitialKg, &l.CurrentKg, &l.ElaboratedAt, &l.ExpiresAt, &l.State,
		&l.ParentLotID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, shared.ErrNotFound
		}
		return Lot{}, fmt.Errorf("lots: scan: %w", err)
	}
	return l, nil
}

// Insert stores a new lot and returns its id.
func (s *Store) Insert(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO lots (tenant_id, kind, product_id, code, location_id, initial_kg,
			current_kg, elaborated_at, expires_at, state, parent_lot_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id`,
		lot.TenantID, lot.Kind, lot.ProductID, lot.Code, lot.LocationID,
		lot.InitialKg, lot.CurrentKg, lot.ElaboratedAt, lot.ExpiresAt, lot.State,
		lot.ParentLotID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateCode, lot.Code)
		}
		return 0, fmt.Errorf("lots: insert: %w", err)
	}
	return id, nil
}

// CountChildren returns how many split lots descend directly from a parent,
// used as the child-code suffix base.
func (s *Store) CountChildren(ctx context.Context, tenant shared.TenantID, parentID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM lots WHERE tenant_id = $1 AND parent_lot_id = $2`,
		tenant, parentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lots: count children: %w", err)
	}
	return n, nil
}

// Get fetches one lot scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	row := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM lots WHERE tenant_id = $1 AND id = $2`, lotColumns),
		tenant, id)
	return scanLot(row)
}

// GetForUpdate fetches one lot under a row lock.
func (s *Store) GetForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	row := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM lots WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, lotColumns),
		tenant, id)
	return scanLot(row)
}

// LockReadyLots fetches the READY lots of a product at a location under row
// locks, ordered for first-expired-first-out allocation: expiry ascending
// with nulls last, then elaboration, then id.
func (s *Store) LockReadyLots(ctx context.Context, tenant shared.TenantID, kind Kind, productID, locationID int64) ([]Lot, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM lots
		WHERE tenant_id = $1 AND kind = $2 AND product_id = $3 AND location_id = $4
			AND state = $5 AND current_kg > 0
		ORDER BY expires_at ASC NULLS LAST, elaborated_at ASC, id ASC
		FOR UPDATE`, lotColumns)
	rows, err := s.db.Query(ctx, query, tenant, kind, productID, locationID, StateReady)
	if err != nil {
		return nil, fmt.Errorf("lots: lock ready: %w", err)
	}
	defer rows.Close()

	var out []Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// List returns lots matching the filter in creation order.
func (s *Store) List(ctx context.Context, tenant shared.TenantID, filter Filter) ([]Lot, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenant}
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.ProductID != 0 {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.LocationID != 0 {
		add("location_id = $%d", filter.LocationID)
	}
	if filter.State != "" {
		add("state = $%d", filter.State)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM lots WHERE %s ORDER BY id LIMIT $%d`,
		lotColumns, strings.Join(conds, " AND "), len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lots: list: %w", err)
	}
	defer rows.Close()

	var result []Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// UpdateQuantity overwrites the cached current quantity.
func (s *Store) UpdateQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE lots SET current_kg = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenant, id, currentKg)
	if err != nil {
		return fmt.Errorf("lots: update quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetState transitions the lot's lifecycle state.
func (s *Store) SetState(ctx context.Context, tenant shared.TenantID, id int64, state State) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE lots SET state = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenant, id, state)
	if err != nil {
		return fmt.Errorf("lots: set state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MarkExpired flips one lot to EXPIRED unless it already reached a terminal
// state. Lots that were delivered, discarded, or expired before the caller
// noticed the overdue date keep their state.
func (s *Store) MarkExpired(ctx context.Context, tenant shared.TenantID, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE lots SET state = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND state IN ($4, $5)`,
		tenant, id, StateExpired, StateRetained, StateReady)
	if err != nil {
		return fmt.Errorf("lots: mark expired: %w", err)
	}
	return nil
}

// ExpireOverdue flips every lot past its expiry date to EXPIRED, across all
// tenants. Quantities stay untouched: expiry is a state transition, not a
// weight change, so the ledger records nothing.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE lots SET state = $1, updated_at = NOW()
		WHERE expires_at IS NOT NULL AND expires_at < $2 AND state IN ($3, $4)`,
		StateExpired, now, StateRetained, StateReady)
	if err != nil {
		return 0, fmt.Errorf("lots: expire overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetLocation moves the whole lot to another location.
func (s *Store) SetLocation(ctx context.Context, tenant shared.TenantID, id, locationID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE lots SET location_id = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenant, id, locationID)
	if err != nil {
		return fmt.Errorf("lots: set location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
