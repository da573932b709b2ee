package lots

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Repository persists lots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error)
	UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error
	SetLotState(ctx context.Context, tenant shared.TenantID, id int64, state State) error
	AppendMovement(ctx context.Context, m ledger.Movement) (int64, error)
}

type txRepo struct {
	lots   *Store
	ledger *ledger.Store
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{lots: NewStore(tx), ledger: ledger.NewStore(tx)})
	})
}

// GetLot fetches one lot scoped to the tenant.
func (r *Repository) GetLot(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	return NewStore(r.pool).Get(ctx, tenant, id)
}

// ListLots returns lots matching the filter in creation order.
func (r *Repository) ListLots(ctx context.Context, tenant shared.TenantID, filter Filter) ([]Lot, error) {
	return NewStore(r.pool).List(ctx, tenant, filter)
}

// SumForLot returns the signed ledger sum for a lot outside a transaction.
func (r *Repository) SumForLot(ctx context.Context, tenant shared.TenantID, lotID int64) (float64, error) {
	return ledger.NewStore(r.pool).SumForLot(ctx, tenant, lotID)
}

func (r *txRepo) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	return r.lots.Insert(ctx, lot)
}

func (r *txRepo) GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Lot, error) {
	return r.lots.GetForUpdate(ctx, tenant, id)
}

func (r *txRepo) UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error {
	return r.lots.UpdateQuantity(ctx, tenant, id, currentKg)
}

func (r *txRepo) SetLotState(ctx context.Context, tenant shared.TenantID, id int64, state State) error {
	return r.lots.SetState(ctx, tenant, id, state)
}

func (r *txRepo) AppendMovement(ctx context.Context, m ledger.Movement) (int64, error) {
	return r.ledger.Append(ctx, m)
}
