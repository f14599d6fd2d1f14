package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/freshfare/freshfare-pos/internal/bootstrap"
)

const (
	// QueueDefault is the queue used when no terminal queue is configured.
	QueueDefault = "default"
	// TaskSyncPending asks the agent to deliver its pending sales.
	TaskSyncPending = "pos:sync_pending"
	// TaskCacheRefresh asks the agent to refresh its catalog cache.
	TaskCacheRefresh = "pos:cache_refresh"
	// TaskRequeueFailed requeues retryable failures and syncs.
	TaskRequeueFailed = "pos:requeue_failed"
)

// TaskTypes lists the task types the worker serves.
var TaskTypes = []string{TaskSyncPending, TaskCacheRefresh, TaskRequeueFailed}

// QueueFor returns the queue name for a terminal. Terminals sharing a Redis
// each consume their own queue.
func QueueFor(terminalID string) string {
	if terminalID == "" {
		return QueueDefault
	}
	return "pos:" + terminalID
}

// TriggerPayload carries scheduling metadata for a trigger task.
type TriggerPayload struct {
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewTriggerTask builds a task of the given type for queue.
func NewTriggerTask(taskType, queue, source string, at time.Time) (*asynq.Task, error) {
	if kindFor(taskType) == "" {
		return nil, fmt.Errorf("jobs: unsupported task %s", taskType)
	}
	body, err := json.Marshal(TriggerPayload{Source: source, RequestedAt: at.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(queue)), nil
}

func kindFor(taskType string) bootstrap.Kind {
	switch taskType {
	case TaskSyncPending:
		return bootstrap.Manual
	case TaskCacheRefresh:
		return bootstrap.Refresh
	case TaskRequeueFailed:
		return bootstrap.Poll
	default:
		return ""
	}
}

// TriggerFunc hands a trigger to the orchestrator. It reports false when the
// trigger was coalesced with one already waiting.
type TriggerFunc func(bootstrap.Kind) bool

// Dispatcher turns trigger tasks into orchestrator triggers. The sequence
// itself runs on the orchestrator's worker, so a task completes as soon as
// the trigger is accepted.
type Dispatcher struct {
	trigger TriggerFunc
	logger  *slog.Logger
}

// NewDispatcher constructs the task handler.
func NewDispatcher(trigger TriggerFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{trigger: trigger, logger: logger}
}

// Handle processes any of the trigger task types.
func (d *Dispatcher) Handle(ctx context.Context, t *asynq.Task) error {
	kind := kindFor(t.Type())
	if kind == "" {
		return fmt.Errorf("jobs: unsupported task %s: %w", t.Type(), asynq.SkipRetry)
	}
	var payload TriggerPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("jobs: decode %s: %w", t.Type(), asynq.SkipRetry)
		}
	}
	if d.trigger == nil {
		return fmt.Errorf("jobs: no trigger configured: %w", asynq.SkipRetry)
	}
	accepted := d.trigger(kind)
	d.logger.Debug("trigger task received",
		slog.String("task", t.Type()),
		slog.String("kind", string(kind)),
		slog.String("source", payload.Source),
		slog.Bool("coalesced", !accepted))
	return nil
}

// Handlers returns the worker registrations for every trigger task.
func (d *Dispatcher) Handlers() []TaskHandler {
	handlers := make([]TaskHandler, 0, len(TaskTypes))
	for _, taskType := range TaskTypes {
		handlers = append(handlers, TaskHandler{Type: taskType, Handler: d.Handle})
	}
	return handlers
}
