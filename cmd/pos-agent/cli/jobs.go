package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/freshfare/freshfare-pos/jobs"
)

// triggerNames maps operator-facing names to task types.
var triggerNames = map[string]string{
	"sync":    jobs.TaskSyncPending,
	"refresh": jobs.TaskCacheRefresh,
	"requeue": jobs.TaskRequeueFailed,
}

var nowFunc = func() time.Time { return time.Now().UTC() }

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the terminal's job queue.
type JobsCLI struct {
	client    enqueuer
	inspector inspector
	queue     string
}

// NewJobsCLI initialises the CLI helpers for terminalID's queue.
func NewJobsCLI(redisAddr, terminalID string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{
		client:    asynq.NewClient(opts),
		inspector: asynq.NewInspector(opts),
		queue:     jobs.QueueFor(terminalID),
	}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a trigger task by operator name (sync, refresh, requeue)
// or by task type.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	taskType, ok := triggerNames[name]
	if !ok {
		taskType = name
	}
	task, err := jobs.NewTriggerTask(taskType, c.queue, "cli", nowFunc())
	if err != nil {
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the metrics for the terminal queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(c.queue)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: c.queue}
	if info != nil {
		stats.Pending = int(info.Pending)
		stats.Active = int(info.Active)
		stats.Scheduled = int(info.Scheduled)
		stats.Retry = int(info.Retry)
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(c.queue, asynq.PageSize(size), asynq.Page(1))
}

// Run executes a jobs subcommand and returns the process exit code.
//
//	trigger <sync|refresh|requeue>
//	stats
//	scheduled
func (c *JobsCLI) Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: jobs <trigger NAME|stats|scheduled>")
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "usage: jobs trigger <sync|refresh|requeue>")
			return 2
		}
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		_ = enc.Encode(stats)
		return 0
	case "scheduled":
		tasks, err := c.ListScheduled(ctx, 20)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		for _, task := range tasks {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return 0
	default:
		fmt.Fprintf(stderr, "jobs cli: unknown command %s\n", args[0])
		return 2
	}
}
