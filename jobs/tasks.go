// Package jobs wires background processing for work that must not block a
// request, most importantly re-attempting audit writes that failed after a
// committed mutation.
package jobs

import (
	"context"
	"encoding/json"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stocklane/stocklane/internal/audit"
	jobmetrics "github.com/stocklane/stocklane/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditRetry re-records an audit entry that could not be
	// written when its mutation committed.
	TaskTypeAuditRetry = "audit:retry"
)

// NewAuditRetryTask constructs an Asynq task carrying the unwritten entry.
func NewAuditRetryTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditRetry, data, asynq.MaxRetry(10), asynq.Queue(QueueDefault)), nil
}

// NewAuditRetryHandler processes TaskTypeAuditRetry tasks against the
// recorder.
func NewAuditRetryHandler(recorder audit.Recorder, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := defaultJobMetrics.Track(TaskTypeAuditRetry)
		var entry audit.Entry
		if err := json.Unmarshal(t.Payload(), &entry); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		if err := audit.Validate(entry); err != nil {
			// A malformed entry will never succeed; drop it loudly.
			if logger != nil {
				logger.Error("audit retry dropped", slog.Any("error", err))
			}
			return tracker.End(asynq.SkipRetry)
		}
		return tracker.End(recorder.Record(ctx, entry))
	}
}

// Enqueuer hands audit entries to the retry queue. Implements
// rbac.AuditRetrySink.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer constructs an Enqueuer from Redis options.
func NewEnqueuer(opts asynq.RedisClientOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(opts)}
}

// EnqueueRetry queues one entry for re-recording.
func (e *Enqueuer) EnqueueRetry(ctx context.Context, entry audit.Entry) error {
	task, err := NewAuditRetryTask(entry)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task)
	return err
}

// Close releases the underlying client.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
