package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/stocklane/stocklane/internal/audit"
)

type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryRecorder) Record(ctx context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func TestAuditRetryTaskRoundTrip(t *testing.T) {
	entry := audit.Entry{
		At:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ActorID:    99,
		Action:     "assign_roles",
		TargetKind: audit.TargetIdentity,
		TargetKey:  audit.Key(7),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"requested": []any{"editor"}},
	}

	task, err := NewAuditRetryTask(entry)
	require.NoError(t, err)
	require.Equal(t, TaskTypeAuditRetry, task.Type())

	recorder := &memoryRecorder{}
	handler := NewAuditRetryHandler(recorder, nil)
	require.NoError(t, handler(context.Background(), task))

	require.Len(t, recorder.entries, 1)
	got := recorder.entries[0]
	require.Equal(t, entry.ActorID, got.ActorID)
	require.Equal(t, entry.Action, got.Action)
	require.Equal(t, entry.TargetKey, got.TargetKey)
	require.True(t, entry.At.Equal(got.At))
}

func TestAuditRetryHandlerDropsMalformedPayload(t *testing.T) {
	recorder := &memoryRecorder{}
	handler := NewAuditRetryHandler(recorder, nil)

	task := asynq.NewTask(TaskTypeAuditRetry, []byte("{not json"))
	err := handler(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, recorder.entries)
}

func TestAuditRetryHandlerDropsInvalidEntry(t *testing.T) {
	recorder := &memoryRecorder{}
	handler := NewAuditRetryHandler(recorder, nil)

	// Structurally valid JSON that fails entry validation.
	task := asynq.NewTask(TaskTypeAuditRetry, []byte(`{"action":"","outcome":"succeeded"}`))
	err := handler(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, recorder.entries)
}
