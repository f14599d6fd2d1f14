package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/freshfare/freshfare-pos/jobs"
)

type stubClient struct {
	tasks []*asynq.Task
}

func (s *stubClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: "pos:till-1"}, nil
}

func (s *stubClient) Close() error { return nil }

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	queues    []string
}

func (s *stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	s.queues = append(s.queues, queue)
	return s.info, nil
}

func (s *stubInspector) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	s.queues = append(s.queues, queue)
	return s.scheduled, nil
}

func (s *stubInspector) Close() error { return nil }

func newTestCLI() (*JobsCLI, *stubClient, *stubInspector) {
	client := &stubClient{}
	insp := &stubInspector{info: &asynq.QueueInfo{Pending: 2, Active: 1}}
	return &JobsCLI{client: client, inspector: insp, queue: jobs.QueueFor("till-1")}, client, insp
}

func TestTriggerByOperatorName(t *testing.T) {
	c, client, _ := newTestCLI()
	for name, taskType := range map[string]string{
		"sync":                 jobs.TaskSyncPending,
		"refresh":              jobs.TaskCacheRefresh,
		jobs.TaskRequeueFailed: jobs.TaskRequeueFailed,
	} {
		info, err := c.Trigger(context.Background(), name)
		require.NoError(t, err)
		require.Equal(t, taskType, info.Type)
	}
	require.Len(t, client.tasks, 3)

	var payload jobs.TriggerPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, "cli", payload.Source)

	_, err := c.Trigger(context.Background(), "reindex")
	require.Error(t, err)
}

func TestInspectQueueUsesTerminalQueue(t *testing.T) {
	c, _, insp := newTestCLI()
	stats, err := c.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: "pos:till-1", Pending: 2, Active: 1}, stats)
	require.Equal(t, []string{"pos:till-1"}, insp.queues)
}

func TestRunCommands(t *testing.T) {
	c, _, insp := newTestCLI()
	insp.scheduled = []*asynq.TaskInfo{{ID: "s1", Type: jobs.TaskCacheRefresh, NextProcessAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, c.Run(context.Background(), []string{"trigger", "sync"}, &stdout, &stderr))
	require.Contains(t, stdout.String(), "enqueued pos:sync_pending")

	stdout.Reset()
	require.Equal(t, 0, c.Run(context.Background(), []string{"stats"}, &stdout, &stderr))
	var stats QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, 2, stats.Pending)

	stdout.Reset()
	require.Equal(t, 0, c.Run(context.Background(), []string{"scheduled"}, &stdout, &stderr))
	require.Contains(t, stdout.String(), "s1\tpos:cache_refresh\t2026-03-01T12:00:00Z")

	require.Equal(t, 2, c.Run(context.Background(), nil, &stdout, &stderr))
	require.Equal(t, 2, c.Run(context.Background(), []string{"trigger"}, &stdout, &stderr))
	require.Equal(t, 1, c.Run(context.Background(), []string{"trigger", "nope"}, &stdout, &stderr))
	require.Equal(t, 2, c.Run(context.Background(), []string{"purge"}, &stdout, &stderr))
}

func TestNewJobsCLIRequiresAddress(t *testing.T) {
	_, err := NewJobsCLI("", "till-1")
	require.Error(t, err)
}
