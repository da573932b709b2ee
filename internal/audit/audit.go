// Package audit emits best-effort audit records for confirmed operations.
// Recording happens after the business transaction commits; a failed write
// is logged by the caller and never rolls the operation back.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Entry is one audit record: who did what, scoped to a tenant.
type Entry struct {
	TenantID shared.TenantID `json:"tenant_id"`
	ActorID  int64           `json:"actor_id"`
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Meta     map[string]any  `json:"meta,omitempty"`
	At       time.Time       `json:"at"`
}

// Recorder persists or forwards audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Writer stores audit entries directly in audit_logs.
type Writer struct {
	pool *pgxpool.Pool
}

// NewWriter returns a Writer backed by the given pool.
func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// Record persists the entry.
func (w *Writer) Record(ctx context.Context, entry Entry) error {
	if w == nil || w.pool == nil {
		return errors.New("audit: writer not initialised")
	}
	if !entry.TenantID.Valid() {
		return shared.ErrTenantRequired
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = w.pool.Exec(ctx, `
		INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TenantID, entry.ActorID, entry.Action, entry.Entity, entry.EntityID, metaJSON, at)
	return err
}
