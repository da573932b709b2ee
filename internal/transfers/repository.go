package transfers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Repository persists transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	InsertTransfer(ctx context.Context, t Transfer) (int64, error)
	InsertLine(ctx context.Context, tenant shared.TenantID, line Line) (int64, error)
	GetTransferForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Transfer, error)
	SetTransferState(ctx context.Context, tenant shared.TenantID, id int64, state State, confirmedAt *time.Time) error
	SetMovedUnits(ctx context.Context, tenant shared.TenantID, id int64, unitIDs []int64) error

	GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (lots.Lot, error)
	UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error
	SetLotLocation(ctx context.Context, tenant shared.TenantID, id, locationID int64) error
	InsertLot(ctx context.Context, lot lots.Lot) (int64, error)
	CountLotChildren(ctx context.Context, tenant shared.TenantID, parentID int64) (int64, error)

	GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (packaging.Presentation, error)
	LockAvailableUnits(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]packaging.UnitWithLot, error)
	SetUnitLocation(ctx context.Context, tenant shared.TenantID, id, locationID int64) error
	LockStocks(ctx context.Context, tenant shared.TenantID, presentationID int64, locationIDs []int64) (map[int64]packaging.Stock, error)
	AddStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error
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

func getTransfer(ctx context.Context, q db.Querier, tenant shared.TenantID, id int64, forUpdate bool) (Transfer, error) {
	query := `
		SELECT id, tenant_id, kind, state, source_location_id, destination_location_id,
			moved_unit_ids, created_by, created_at, confirmed_at
		FROM transfers WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var t Transfer
	err := q.QueryRow(ctx, query, tenant, id).Scan(
		&t.ID, &t.TenantID, &t.Kind, &t.State, &t.SourceLocationID, &t.DestinationLocationID,
		&t.MovedUnitIDs, &t.CreatedBy, &t.CreatedAt, &t.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, shared.ErrNotFound
		}
		return Transfer{}, fmt.Errorf("transfers: get: %w", err)
	}
	rows, err := q.Query(ctx, `
		SELECT id, transfer_id, lot_id, presentation_id, weight_kg, units
		FROM transfer_lines WHERE tenant_id = $1 AND transfer_id = $2 ORDER BY id`,
		tenant, id)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfers: lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.TransferID, &l.LotID, &l.PresentationID, &l.WeightKg, &l.Units); err != nil {
			return Transfer{}, fmt.Errorf("transfers: scan line: %w", err)
		}
		t.Lines = append(t.Lines, l)
	}
	return t, rows.Err()
}

// GetTransfer fetches a transfer with its lines outside a transaction.
func (r *Repository) GetTransfer(ctx context.Context, tenant shared.TenantID, id int64) (Transfer, error) {
	return getTransfer(ctx, r.pool, tenant, id, false)
}

func (r *txRepo) InsertTransfer(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO transfers (tenant_id, kind, state, source_location_id, destination_location_id, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		t.TenantID, t.Kind, t.State, t.SourceLocationID, t.DestinationLocationID, t.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("transfers: insert: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertLine(ctx context.Context, tenant shared.TenantID, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO transfer_lines (tenant_id, transfer_id, lot_id, presentation_id, weight_kg, units)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		tenant, line.TransferID, line.LotID, line.PresentationID, line.WeightKg, line.Units,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("transfers: insert line: %w", err)
	}
	return id, nil
}

func (r *txRepo) GetTransferForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Transfer, error) {
	return getTransfer(ctx, r.tx, tenant, id, true)
}

func (r *txRepo) SetTransferState(ctx context.Context, tenant shared.TenantID, id int64, state State, confirmedAt *time.Time) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE transfers SET state = $3, confirmed_at = $4 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, state, confirmedAt)
	if err != nil {
		return fmt.Errorf("transfers: set state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) SetMovedUnits(ctx context.Context, tenant shared.TenantID, id int64, unitIDs []int64) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE transfers SET moved_unit_ids = $3 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, unitIDs)
	if err != nil {
		return fmt.Errorf("transfers: set moved units: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (lots.Lot, error) {
	return r.lots.GetForUpdate(ctx, tenant, id)
}

func (r *txRepo) UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error {
	return r.lots.UpdateQuantity(ctx, tenant, id, currentKg)
}

func (r *txRepo) SetLotLocation(ctx context.Context, tenant shared.TenantID, id, locationID int64) error {
	return r.lots.SetLocation(ctx, tenant, id, locationID)
}

func (r *txRepo) InsertLot(ctx context.Context, lot lots.Lot) (int64, error) {
	return r.lots.Insert(ctx, lot)
}

func (r *txRepo) CountLotChildren(ctx context.Context, tenant shared.TenantID, parentID int64) (int64, error) {
	return r.lots.CountChildren(ctx, tenant, parentID)
}

func (r *txRepo) GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (packaging.Presentation, error) {
	return r.packaging.GetPresentation(ctx, tenant, id)
}

func (r *txRepo) LockAvailableUnits(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]packaging.UnitWithLot, error) {
	return r.packaging.LockAvailableUnits(ctx, tenant, presentationID, locationID)
}

func (r *txRepo) SetUnitLocation(ctx context.Context, tenant shared.TenantID, id, locationID int64) error {
	return r.packaging.SetUnitLocation(ctx, tenant, id, locationID)
}

func (r *txRepo) LockStocks(ctx context.Context, tenant shared.TenantID, presentationID int64, locationIDs []int64) (map[int64]packaging.Stock, error) {
	return r.packaging.LockStocks(ctx, tenant, presentationID, locationIDs)
}

func (r *txRepo) AddStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	return r.packaging.AddStock(ctx, tenant, presentationID, locationID, weightKg, units)
}

func (r *txRepo) DecrementStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error {
	return r.packaging.DecrementStock(ctx, tenant, presentationID, locationID, weightKg, units)
}

func (r *txRepo) AppendMovement(ctx context.Context, m ledger.Movement) (int64, error) {
	return r.ledger.Append(ctx, m)
}
