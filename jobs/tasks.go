// Package jobs runs background work over Asynq: asynchronous audit
// recording and the scheduled expiry sweep that retires overdue lots.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
	jobmetrics "github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/jobs"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRecord persists one audit entry off the request path.
	TaskAuditRecord = "audit:record"
	// TaskExpirySweep retires lots whose expiry date has passed.
	TaskExpirySweep = "lots:expiry_sweep"
)

// NewAuditRecordTask constructs an audit-record task.
func NewAuditRecordTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data, asynq.Queue(QueueDefault)), nil
}

// NewAuditRecordHandler processes TaskAuditRecord tasks through the writer.
func NewAuditRecordHandler(writer *audit.Writer, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("audit_record")
		var entry audit.Entry
		if err := json.Unmarshal(t.Payload(), &entry); err != nil {
			logger.Warn("audit task: bad payload", slog.Any("error", err))
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
		return tracker.End(writer.Record(ctx, entry))
	}
}

// ExpirySweepPayload carries scheduling metadata.
type ExpirySweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpirySweepTask constructs an expiry-sweep task.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(ExpirySweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, data, asynq.Queue(QueueDefault)), nil
}

// ExpirySweeper marks overdue lots as expired.
type ExpirySweeper interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

var _ ExpirySweeper = (*lots.Store)(nil)

// NewExpirySweepHandler processes TaskExpirySweep tasks. Expired lots stop
// being eligible for allocation the moment the row flips; the sweep only
// catches lots nobody touched since their expiry date.
func NewExpirySweepHandler(sweeper ExpirySweeper, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("expiry_sweep")
		var payload ExpirySweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
		n, err := sweeper.ExpireOverdue(ctx, time.Now().UTC())
		if err != nil {
			return tracker.End(err)
		}
		if n > 0 {
			logger.Info("expiry sweep retired lots", slog.Int64("count", n))
		}
		return tracker.End(nil)
	}
}
