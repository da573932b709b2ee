package packaging

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/supplies"
)

// Repository persists packaging data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	InsertOperation(ctx context.Context, op Operation) (int64, error)
	InsertLine(ctx context.Context, tenant shared.TenantID, line Line) (int64, error)
	DeleteLine(ctx context.Context, tenant shared.TenantID, operationID, lineID int64) error
	GetOperationForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (Operation, error)
	SetOperationState(ctx context.Context, tenant shared.TenantID, id int64, state OperationState, confirmedAt *time.Time) error

	GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (Presentation, error)

	GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (lots.Lot, error)
	UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error

	AppendMovement(ctx context.Context, m ledger.Movement) (int64, error)

	CountUnits(ctx context.Context, tenant shared.TenantID, lotID, presentationID int64) (int64, error)
	InsertUnit(ctx context.Context, u TaggedUnit) (int64, error)
	AddStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64, weightKg float64, units int64) error

	RulesForProduct(ctx context.Context, tenant shared.TenantID, productID int64) ([]supplies.Rule, error)
	SupplyNames(ctx context.Context, tenant shared.TenantID, ids []int64) (map[int64]string, error)
	LockSupplyStock(ctx context.Context, tenant shared.TenantID, ids []int64) (map[int64]float64, error)
	DecrementSupplyStock(ctx context.Context, tenant shared.TenantID, supplyID int64, qty float64) error
}

type txRepo struct {
	*Store
	lots     *lots.Store
	ledger   *ledger.Store
	supplies *supplies.Store
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			Store:    NewStore(tx),
			lots:     lots.NewStore(tx),
			ledger:   ledger.NewStore(tx),
			supplies: supplies.NewStore(tx),
		})
	})
}

// GetOperation fetches an operation with its lines.
func (r *Repository) GetOperation(ctx context.Context, tenant shared.TenantID, id int64) (Operation, error) {
	return NewStore(r.pool).GetOperation(ctx, tenant, id)
}

// GetPresentation fetches a presentation outside a transaction.
func (r *Repository) GetPresentation(ctx context.Context, tenant shared.TenantID, id int64) (Presentation, error) {
	return NewStore(r.pool).GetPresentation(ctx, tenant, id)
}

// InsertPresentation registers a sellable SKU.
func (r *Repository) InsertPresentation(ctx context.Context, p Presentation) (int64, error) {
	return NewStore(r.pool).InsertPresentation(ctx, p)
}

// ListPresentations returns the tenant's presentations.
func (r *Repository) ListPresentations(ctx context.Context, tenant shared.TenantID, productID int64) ([]Presentation, error) {
	return NewStore(r.pool).ListPresentations(ctx, tenant, productID)
}

// SetPresentationActive toggles a presentation.
func (r *Repository) SetPresentationActive(ctx context.Context, tenant shared.TenantID, id int64, active bool) error {
	return NewStore(r.pool).SetPresentationActive(ctx, tenant, id, active)
}

// ListStock returns packaged stock rows.
func (r *Repository) ListStock(ctx context.Context, tenant shared.TenantID, presentationID, locationID int64) ([]Stock, error) {
	return NewStore(r.pool).ListStock(ctx, tenant, presentationID, locationID)
}

// ListUnits returns tagged units matching the filter.
func (r *Repository) ListUnits(ctx context.Context, tenant shared.TenantID, filter UnitFilter) ([]TaggedUnit, error) {
	return NewStore(r.pool).ListUnits(ctx, tenant, filter)
}

// MarkLotExpired flags a lot whose expiry was detected mid-operation. It runs
// outside the aborted transaction so the transition survives the rollback.
// Lots already in a terminal state are left untouched.
func (r *Repository) MarkLotExpired(ctx context.Context, tenant shared.TenantID, lotID int64) error {
	return lots.NewStore(r.pool).MarkExpired(ctx, tenant, lotID)
}

func (r *txRepo) GetLotForUpdate(ctx context.Context, tenant shared.TenantID, id int64) (lots.Lot, error) {
	return r.lots.GetForUpdate(ctx, tenant, id)
}

func (r *txRepo) UpdateLotQuantity(ctx context.Context, tenant shared.TenantID, id int64, currentKg float64) error {
	return r.lots.UpdateQuantity(ctx, tenant, id, currentKg)
}

func (r *txRepo) AppendMovement(ctx context.Context, m ledger.Movement) (int64, error) {
	return r.ledger.Append(ctx, m)
}

func (r *txRepo) RulesForProduct(ctx context.Context, tenant shared.TenantID, productID int64) ([]supplies.Rule, error) {
	return r.supplies.RulesForProduct(ctx, tenant, productID)
}

func (r *txRepo) SupplyNames(ctx context.Context, tenant shared.TenantID, ids []int64) (map[int64]string, error) {
	return r.supplies.Names(ctx, tenant, ids)
}

func (r *txRepo) LockSupplyStock(ctx context.Context, tenant shared.TenantID, ids []int64) (map[int64]float64, error) {
	return r.supplies.LockStock(ctx, tenant, ids)
}

func (r *txRepo) DecrementSupplyStock(ctx context.Context, tenant shared.TenantID, supplyID int64, qty float64) error {
	return r.supplies.DecrementStock(ctx, tenant, supplyID, qty)
}
