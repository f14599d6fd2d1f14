package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/freshfare/freshfare-pos/internal/bootstrap"
)

func TestDispatcherMapsTasksToTriggers(t *testing.T) {
	var got []bootstrap.Kind
	d := NewDispatcher(func(k bootstrap.Kind) bool {
		got = append(got, k)
		return true
	}, nil)

	for _, taskType := range TaskTypes {
		task, err := NewTriggerTask(taskType, QueueFor("till-1"), "test", time.Now())
		require.NoError(t, err)
		require.NoError(t, d.Handle(context.Background(), task))
	}
	require.Equal(t, []bootstrap.Kind{bootstrap.Manual, bootstrap.Refresh, bootstrap.Poll}, got)
	require.Len(t, d.Handlers(), len(TaskTypes))
}

func TestDispatcherCoalescedTriggerSucceeds(t *testing.T) {
	d := NewDispatcher(func(bootstrap.Kind) bool { return false }, nil)
	err := d.Handle(context.Background(), asynq.NewTask(TaskSyncPending, nil))
	require.NoError(t, err)
}

func TestDispatcherSkipsRetryOnBadTasks(t *testing.T) {
	d := NewDispatcher(func(bootstrap.Kind) bool { return true }, nil)

	err := d.Handle(context.Background(), asynq.NewTask(TaskCacheRefresh, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	err = d.Handle(context.Background(), asynq.NewTask("mail:send", nil))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	_, err = NewTriggerTask("mail:send", QueueDefault, "test", time.Now())
	require.Error(t, err)
}

func TestQueueFor(t *testing.T) {
	require.Equal(t, QueueDefault, QueueFor(""))
	require.Equal(t, "pos:till-1", QueueFor("till-1"))
}

func TestPeriodicTriggers(t *testing.T) {
	require.Equal(t, "@every 2m0s", Every(2*time.Minute))
	require.Empty(t, Every(0))

	entries, err := PeriodicTriggers("pos:till-1", 2*time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TaskRequeueFailed, entries[0].Task.Type())

	entries, err = PeriodicTriggers("pos:till-1", time.Minute, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "@every 30m0s", entries[1].Spec)
	require.Equal(t, TaskCacheRefresh, entries[1].Task.Type())
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func serveHealth(t *testing.T, h *Handler) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rec
}

func TestHealthHandler(t *testing.T) {
	rec := serveHealth(t, NewHandler(nil, "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Enabled)
	require.Equal(t, QueueDefault, body.Queue)

	rec = serveHealth(t, NewHandler(stubInspector{info: &asynq.QueueInfo{Pending: 3, Retry: 1}}, "pos:till-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Enabled)
	require.Equal(t, 3, body.Pending)
	require.Equal(t, 1, body.Retry)

	rec = serveHealth(t, NewHandler(stubInspector{err: errors.New("dial tcp")}, "pos:till-1", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
