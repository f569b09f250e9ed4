// Package jobs schedules the recurring full-sync tasks, either on
// River Queue when a Postgres database is configured or on a plain
// in-process ticker when it is not.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"keysync.io/keysync/internal/engine"
)

// OrgSyncArgs is the queue payload for one provider's full sync. The
// job carries only the task id; execution is resolved through the
// in-process task registry.
type OrgSyncArgs struct {
	TaskID string `json:"task_id"`
}

// Kind returns the job kind identifier for the periodic full sync.
func (OrgSyncArgs) Kind() string { return "org_sync" }

// InsertOpts deduplicates by args so a slow sync cannot pile up behind
// itself in the queue.
func (OrgSyncArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
		},
	}
}

// TaskRegistry maps task ids to their registered tasks. The queue only
// schedules; the task function itself never leaves the process.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]engine.Task
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]engine.Task)}
}

// Add registers a task under its id, replacing any previous entry.
func (r *TaskRegistry) Add(task engine.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

// Get looks up a task by id.
func (r *TaskRegistry) Get(id string) (engine.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	return task, ok
}

// OrgSyncWorker executes a scheduled full sync by resolving the task
// from the registry.
type OrgSyncWorker struct {
	river.WorkerDefaults[OrgSyncArgs]
	registry *TaskRegistry
}

// NewOrgSyncWorker creates the worker backed by the given registry.
func NewOrgSyncWorker(registry *TaskRegistry) *OrgSyncWorker {
	return &OrgSyncWorker{registry: registry}
}

// Work runs the registered task. A missing registration is a wiring
// bug, not a transient condition, so it fails the job permanently.
func (w *OrgSyncWorker) Work(ctx context.Context, job *river.Job[OrgSyncArgs]) error {
	task, ok := w.registry.Get(job.Args.TaskID)
	if !ok {
		return fmt.Errorf("no task registered for id %q", job.Args.TaskID)
	}
	task.Fn(ctx)
	return nil
}

// RiverRunner schedules tasks as periodic River jobs. The queue gives
// cross-restart dedup and visibility; execution stays in-process via
// the registry.
type RiverRunner struct {
	client   *river.Client[pgx.Tx]
	registry *TaskRegistry
	interval time.Duration
}

// NewRiverRunner creates a runner inserting one periodic job per task.
func NewRiverRunner(client *river.Client[pgx.Tx], registry *TaskRegistry, interval time.Duration) *RiverRunner {
	return &RiverRunner{client: client, registry: registry, interval: interval}
}

// Run registers the task and adds its periodic job. The first run is
// enqueued immediately.
func (r *RiverRunner) Run(ctx context.Context, task engine.Task) error {
	if r.interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", r.interval)
	}
	r.registry.Add(task)
	r.client.PeriodicJobs().Add(river.NewPeriodicJob(
		river.PeriodicInterval(r.interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return OrgSyncArgs{TaskID: task.ID}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	))
	return nil
}
