// Package lifecycle owns task state transitions. The Controller is the
// only writer of task status: it launches executions in background jobs,
// cancels them cooperatively on stop and pause, and settles the final
// status when a job returns.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/executor"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/store"
)

// job tracks one running execution.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
	// reason is set before cancel so the job goroutine can tell a stop
	// from a pause when the execution returns.
	reason model.TaskStatus
}

// Controller starts, stops, pauses and resumes tasks. One job per task;
// starting a running task is a no-op.
type Controller struct {
	store store.Store
	exec  *executor.Executor
	log   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New builds a controller over the given store and executor.
func New(st store.Store, exec *executor.Executor, logger zerolog.Logger) *Controller {
	return &Controller{
		store: st,
		exec:  exec,
		log:   logger.With().Str("component", "lifecycle").Logger(),
		jobs:  make(map[string]*job),
	}
}

// Running reports whether the task has an active job.
func (c *Controller) Running(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[taskID]
	return ok
}

// ActiveTasks lists the task IDs with a live job.
func (c *Controller) ActiveTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		out = append(out, id)
	}
	return out
}

// Start transitions the task to running and launches its execution in the
// background. Starting an already-running task is a no-op; a paused task
// must be resumed instead.
func (c *Controller) Start(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, running := c.jobs[taskID]; running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	switch task.Status {
	case model.TaskCreated, model.TaskCompleted, model.TaskFailed, model.TaskStopped:
	case model.TaskRunning:
		// Status says running but no job exists: a stale record from an
		// earlier process. Restart it.
	case model.TaskPaused:
		return fmt.Errorf("%w: task %s is paused, resume it instead", model.ErrInvariant, taskID)
	default:
		return fmt.Errorf("%w: task %s cannot start from status %q", model.ErrInvariant, taskID, task.Status)
	}

	return c.launch(ctx, task)
}

// Resume continues a paused task. CDC tasks pick up from their persisted
// cursors; full loads restart their pending tables.
func (c *Controller) Resume(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskPaused {
		return fmt.Errorf("%w: task %s is not paused", model.ErrInvariant, taskID)
	}
	return c.launch(ctx, task)
}

func (c *Controller) launch(ctx context.Context, task model.Task) error {
	// The job outlives the request that started it.
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}

	// Reserve the slot before the status write, so two concurrent starts
	// collapse to a single job.
	c.mu.Lock()
	if _, running := c.jobs[task.ID]; running {
		c.mu.Unlock()
		cancel()
		close(j.done)
		return nil
	}
	c.jobs[task.ID] = j
	c.mu.Unlock()

	if err := c.store.UpdateTaskStatus(ctx, task.ID, model.TaskRunning, 0); err != nil {
		c.mu.Lock()
		delete(c.jobs, task.ID)
		c.mu.Unlock()
		cancel()
		close(j.done)
		return err
	}

	log := c.log.With().Str("task_id", task.ID).Logger()
	log.Info().Str("mode", string(task.Mode)).Msg("task started")

	go func() {
		defer close(j.done)
		defer cancel()

		_, err := c.exec.Execute(jctx, task.ID, executor.ExecutionTypeFor(task.Mode))

		c.mu.Lock()
		reason := j.reason
		delete(c.jobs, task.ID)
		c.mu.Unlock()

		final := model.TaskCompleted
		progress := 100.0
		switch {
		case reason != "":
			final = reason
			progress = 0
		case err != nil:
			final = model.TaskFailed
			progress = 0
			log.Error().Err(err).Msg("task failed")
		}
		if uerr := c.store.UpdateTaskStatus(context.Background(), task.ID, final, progress); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to settle task status")
		}
		log.Info().Str("status", string(final)).Msg("task settled")
	}()
	return nil
}

// Stop cancels the task's job and marks it stopped. Committed batches
// stay; the job halts at the next batch boundary.
func (c *Controller) Stop(ctx context.Context, taskID string) error {
	return c.interrupt(ctx, taskID, model.TaskStopped)
}

// Pause suspends the task's job. The persisted cursors make a later
// resume continue exactly where the pause landed.
func (c *Controller) Pause(ctx context.Context, taskID string) error {
	return c.interrupt(ctx, taskID, model.TaskPaused)
}

func (c *Controller) interrupt(ctx context.Context, taskID string, reason model.TaskStatus) error {
	c.mu.Lock()
	j, running := c.jobs[taskID]
	if running {
		j.reason = reason
		j.cancel()
	}
	c.mu.Unlock()

	if running {
		return nil
	}

	// No live job: only fix up a stale running status.
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskRunning {
		return fmt.Errorf("%w: task %s is not running", model.ErrInvariant, taskID)
	}
	return c.store.UpdateTaskStatus(ctx, taskID, reason, task.ProgressPercent)
}

// Wait blocks until the task's job finishes. Returns immediately when no
// job is active.
func (c *Controller) Wait(taskID string) {
	c.mu.Lock()
	j, ok := c.jobs[taskID]
	c.mu.Unlock()
	if ok {
		<-j.done
	}
}

// Shutdown cancels every active job and waits for them to settle.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	jobs := make([]*job, 0, len(c.jobs))
	for _, j := range c.jobs {
		j.reason = model.TaskStopped
		j.cancel()
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		<-j.done
	}
}
