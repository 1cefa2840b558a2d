package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetFinalStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	q, err := NewAsynqQueue(&QueueConfig{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, q.SaveFinalStatus(ctx, &TaskStatus{
		TaskID:     "t1",
		Status:     "completed",
		Result:     map[string]any{"deleted": []string{"ab12cd34"}},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}))

	st, err := q.GetTaskStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, started, st.StartedAt)
	assert.Equal(t, 24*time.Hour, mr.TTL("task_status:t1"))
}

func TestSweepTaskPayload(t *testing.T) {
	task, err := NewSweepTask(SweepPayload{RetentionSeconds: 3600, RequestedBy: "api"})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeDocumentSweep, task.Type())

	var p SweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, time.Hour, p.Retention())
	assert.Equal(t, "api", p.RequestedBy)
}

func TestConvertAsynqStatus(t *testing.T) {
	done := time.Now()
	st := convertAsynqStatus(&asynq.TaskInfo{
		ID:          "t2",
		State:       asynq.TaskStateCompleted,
		CompletedAt: done,
		Result:      []byte(`{"deleted":[]}`),
	})
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, done, st.FinishedAt)

	st = convertAsynqStatus(&asynq.TaskInfo{ID: "t3", State: asynq.TaskStateRetry, LastErr: "boom"})
	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, "boom", st.Error)
}

func TestNewAsynqQueue_RequiresAddr(t *testing.T) {
	_, err := NewAsynqQueue(&QueueConfig{})
	assert.Error(t, err)
}
