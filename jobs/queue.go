package jobs

import (
	"context"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
)

// QueueRecorder forwards audit entries to the background queue so the
// request path never waits on the audit write. The worker persists them
// through audit.Writer.
type QueueRecorder struct {
	client *Client
}

// NewQueueRecorder wraps a jobs client as an audit.Recorder.
func NewQueueRecorder(client *Client) *QueueRecorder {
	return &QueueRecorder{client: client}
}

var _ audit.Recorder = (*QueueRecorder)(nil)

// Record enqueues the entry.
func (q *QueueRecorder) Record(ctx context.Context, entry audit.Entry) error {
	task, err := NewAuditRecordTask(entry)
	if err != nil {
		return err
	}
	_, err = q.client.Enqueue(ctx, task)
	return err
}
