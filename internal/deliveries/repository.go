package deliveries

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Repository persists deliveries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	InsertDelivery(ctx context.Context, d Delivery) (int64, error)
	InsertDeliveryLine(ctx context.Context, tenant shared.TenantID, line AppliedLine) (int64, error)

	GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (lots.Lot, error)
	LockReadyLots(ctx context.Context, tenant shared.TenantID, kind lots.Kind, productID, locationID int64) ([]lots.Lot, error)
	UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error
	SetLotState(ctx context.Context, tenant shared.TenantID, id int64, state lots.State) error

	LockAvailableUnits(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]packaging.UnitWithLot, error)
	GetUnitsForUpdate(ctx context.Context, tenant shared.TenantID, ids []int64) ([]packaging.TaggedUnit, error)
	SetUnitState(ctx context.Context, tenant shared.TenantID, id int64, state packaging.UnitState) error
	GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (packaging.Presentation, error)
	LockStocks(ctx context.Context, tenant shared.TenantID, presentationID int64, locationIDs []int64) (map[int64]packaging.Stock, error)
	DecrementStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error

	AppendMovement(ctx context.Context, m ledger.Movement) (int64, error)
}

type txRepo struct {
	tx        pgx.Tx
	lots      *lots.Store
	packaging *packaging.Store
	ledger    *ledger.Store
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			tx:        tx,
			lots:      lots.NewStore(tx),
			packaging: packaging.NewStore(tx),
			ledger:    ledger.NewStore(tx),
		})
	})
}

// GetDelivery fetches a delivery with its applied lines.
func (r *Repository) GetDelivery(ctx context.Context, tenant shared.TenantID, id int64) (Delivery, error) {
	var d Delivery
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, client_ref, kind, location_id, delivery_date, created_by, created_at
		FROM deliveries WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	).Scan(&d.ID, &d.TenantID, &d.Code, &d.ClientRef, &d.Kind, &d.LocationID, &d.Date, &d.CreatedBy, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, shared.ErrNotFound
		}
		return Delivery{}, fmt.Errorf("deliveries: get: %w", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, delivery_id, lot_id, presentation_id, weight_kg, units
		FROM delivery_lines WHERE tenant_id = $1 AND delivery_id = $2 ORDER BY id`,
		tenant, id)
	if err != nil {
		return Delivery{}, fmt.Errorf("deliveries: lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l AppliedLine
		if err := rows.Scan(&l.ID, &l.DeliveryID, &l.LotID, &l.PresentationID, &l.WeightKg, &l.Units); err != nil {
			return Delivery{}, fmt.Errorf("deliveries: scan line: %w", err)
		}
		d.Lines = append(d.Lines, l)
	}
	return d, rows.Err()
}

// MarkLotExpired flags a lot whose expiry was detected mid-operation. It runs
// outside the aborted transaction so the transition survives the rollback.
// Lots already in a terminal state are left untouched.
func (r *Repository) MarkLotExpired(ctx context.Context, tenant shared.TenantID, lotID int64) error {
	return lots.NewStore(r.pool).MarkExpired(ctx, tenant, lotID)
}

func (r *txRepo) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO deliveries (tenant_id, code, client_ref, kind, location_id, delivery_date, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		d.TenantID, d.Code, d.ClientRef, d.Kind, d.LocationID, d.Date, d.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("deliveries: insert: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertDeliveryLine(ctx context.Context, tenant shared.TenantID, line AppliedLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO delivery_lines (tenant_id, delivery_id, lot_id, presentation_id, weight_kg, units)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		tenant, line.DeliveryID, line.LotID, line.PresentationID, line.WeightKg, line.Units,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("deliveries: insert line: %w", err)
	}
	return id, nil
}

func (r *txRepo) GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (lots.Lot, error) {
	return r.lots.GetForUpdate(ctx, tenant, id)
}

func (r *txRepo) LockReadyLots(ctx context.Context, tenant shared.TenantID, kind lots.Kind, productID, locationID int64) ([]lots.Lot, error) {
	return r.lots.LockReadyLots(ctx, tenant, kind, productID, locationID)
}

func (r *txRepo) UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error {
	return r.lots.UpdateQuantity(ctx, tenant, id, currentKg)
}

func (r *txRepo) SetLotState(ctx context.Context, tenant shared.TenantID, id int64, state lots.State) error {
	return r.lots.SetState(ctx, tenant, id, state)
}

func (r *txRepo) LockAvailableUnits(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]packaging.UnitWithLot, error) {
	return r.packaging.LockAvailableUnits(ctx, tenant, presentationID, locationID)
}

func (r *txRepo) GetUnitsForUpdate(ctx context.Context, tenant shared.TenantID, ids []int64) ([]packaging.TaggedUnit, error) {
	return r.packaging.GetUnitsForUpdate(ctx, tenant, ids)
}

func (r *txRepo) SetUnitState(ctx context.Context, tenant shared.TenantID, id int64, state packaging.UnitState) error {
	return r.packaging.SetUnitState(ctx, tenant, id, state)
}

func (r *txRepo) GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (packaging.Presentation, error) {
	return r.packaging.GetPresentation(ctx, tenant, id)
}

func (r *txRepo) LockStocks(ctx context.Context, tenant shared.TenantID, presentationID int64, locationIDs []int64) (map[int64]packaging.Stock, error) {
	return r.packaging.LockStocks(ctx, tenant, presentationID, locationIDs)
}

func (r *txRepo) DecrementStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	return r.packaging.DecrementStock(ctx, tenant, presentationID, locationID, weightKg, units)
}

func (r *txRepo) AppendMovement(ctx context.Context, m ledger.Movement) (int64, error) {
	return r.ledger.Append(ctx, m)
}
