// Package executor runs task executions end to end: it materialises the
// execution records, fans tables out over a bounded worker pool, sequences
// full-load and CDC phases per task mode and schedule, and rolls the
// per-table outcomes up into the execution status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/pipeline"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/variable"
)

// defaultPollInterval paces CDC polling for continuous schedules.
const defaultPollInterval = 10 * time.Second

// Executor turns a task definition into a finished execution record.
// Safe for concurrent use; each Execute call is independent.
type Executor struct {
	store store.Store
	sink  progress.Sink
	log   zerolog.Logger

	// PollInterval overrides the continuous-schedule pacing, mainly for
	// tests.
	PollInterval time.Duration

	newSource      func(model.Connector, zerolog.Logger) (source.Source, error)
	newDestination func(model.Connector, zerolog.Logger) (destination.Destination, error)
}

// New builds an executor over the given store and progress sink.
func New(st store.Store, sink progress.Sink, logger zerolog.Logger) *Executor {
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &Executor{
		store:          st,
		sink:           sink,
		log:            logger.With().Str("component", "executor").Logger(),
		PollInterval:   defaultPollInterval,
		newSource:      source.New,
		newDestination: destination.New,
	}
}

// SetAdapters overrides the source and destination factories, for tests.
func (e *Executor) SetAdapters(
	newSource func(model.Connector, zerolog.Logger) (source.Source, error),
	newDestination func(model.Connector, zerolog.Logger) (destination.Destination, error),
) {
	e.newSource = newSource
	e.newDestination = newDestination
}

// ExecutionTypeFor maps a task mode to the execution type it runs.
func ExecutionTypeFor(mode model.TaskMode) model.ExecutionType {
	switch mode {
	case model.ModeCDC:
		return model.ExecCDCSync
	case model.ModeFullLoadThenCDC:
		return model.ExecFullLoadThenCDC
	default:
		return model.ExecFullLoad
	}
}

// tableRun is the bookkeeping for one table inside an execution.
type tableRun struct {
	table       string
	tableExecID string
}

// Execute runs the task until its schedule is exhausted and returns the
// first execution's ID. Continuous and interval schedules record a fresh
// TaskExecution per pass or poll and block until ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, taskID string, execType model.ExecutionType) (string, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	srcConn, err := e.store.GetConnector(ctx, task.SourceConnectorID)
	if err != nil {
		return "", fmt.Errorf("source connector: %w", err)
	}
	dstConn, err := e.store.GetConnector(ctx, task.DestinationConnectorID)
	if err != nil {
		return "", fmt.Errorf("destination connector: %w", err)
	}

	tables := task.EnabledTables()
	if len(tables) == 0 {
		return "", fmt.Errorf("%w: task %s has no enabled tables", model.ErrConfigInvalid, taskID)
	}

	switch execType {
	case model.ExecFullLoad:
		return e.loopFullLoad(ctx, task, srcConn, dstConn, tables)
	case model.ExecCDCSync:
		return e.loopCDC(ctx, task, srcConn, dstConn, tables, "")
	case model.ExecFullLoadThenCDC:
		// Tables already loaded in a prior run skip straight to CDC.
		skip := make(map[string]bool, len(task.FullLoadCompleted))
		for tbl := range task.FullLoadCompleted {
			skip[tbl] = true
		}
		execID, status, runErr := e.executeOnce(ctx, task, srcConn, dstConn, execType, tables, skip)
		if execID == "" && runErr != nil {
			return "", runErr
		}
		if runErr != nil && status == model.ExecFailed {
			return execID, runErr
		}
		if status == model.ExecStopped {
			return execID, nil
		}
		return e.loopCDC(ctx, task, srcConn, dstConn, tables, execID)
	default:
		return "", fmt.Errorf("%w: execution type %q", model.ErrConfigInvalid, execType)
	}
}

// loopFullLoad runs one full-load execution and, for continuous and
// interval schedules, keeps enqueueing fresh executions after each
// successful pass until the context is cancelled.
func (e *Executor) loopFullLoad(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, tables []string) (string, error) {
	var firstID string
	interval, repeat := e.scheduleInterval(task)
	for {
		execID, status, runErr := e.executeOnce(ctx, task, srcConn, dstConn, model.ExecFullLoad, tables, nil)
		if firstID == "" {
			firstID = execID
		}
		if execID == "" && runErr != nil {
			return firstID, runErr
		}
		if runErr != nil && status == model.ExecFailed {
			return firstID, runErr
		}
		if status == model.ExecStopped || !repeat {
			return firstID, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return firstID, nil
		}
		// Pick up task edits between passes.
		if fresh, err := e.store.GetTask(ctx, task.ID); err == nil {
			task = fresh
			tables = task.EnabledTables()
		}
	}
}

// loopCDC records one cdc_sync execution per poll: continuous and
// interval schedules poll until the context is cancelled, on-demand runs
// a single shot. A partial_success poll keeps polling; a failed one
// aborts the task.
func (e *Executor) loopCDC(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, tables []string, firstID string) (string, error) {
	interval, repeat := e.scheduleInterval(task)
	for {
		execID, status, runErr := e.executeOnce(ctx, task, srcConn, dstConn, model.ExecCDCSync, tables, nil)
		if firstID == "" {
			firstID = execID
		}
		if execID == "" && runErr != nil {
			return firstID, runErr
		}
		if runErr != nil && status == model.ExecFailed {
			return firstID, runErr
		}
		if status == model.ExecStopped || !repeat {
			return firstID, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return firstID, nil
		}
		if fresh, err := e.store.GetTask(ctx, task.ID); err == nil {
			task = fresh
			tables = task.EnabledTables()
		}
	}
}

// executeOnce materialises one TaskExecution with its per-table records,
// runs its phase and closes the record.
func (e *Executor) executeOnce(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, execType model.ExecutionType, tables []string, skip map[string]bool) (string, model.ExecutionStatus, error) {
	now := time.Now()
	execID := uuid.NewString()
	if err := e.store.CreateExecution(ctx, model.TaskExecution{
		ID:        execID,
		TaskID:    task.ID,
		Type:      execType,
		Status:    model.ExecRunning,
		StartedAt: &now,
	}); err != nil {
		return "", "", err
	}

	runs := make([]tableRun, 0, len(tables))
	for _, tbl := range tables {
		run := tableRun{table: tbl, tableExecID: uuid.NewString()}
		if err := e.store.CreateTableExecution(ctx, model.TableExecution{
			ID:          run.tableExecID,
			ExecutionID: execID,
			TableName:   tbl,
			Status:      model.TablePending,
		}); err != nil {
			return execID, "", err
		}
		runs = append(runs, run)
	}

	e.sink.TaskStarted(task.ID, execID, tables)
	log := e.log.With().Str("task_id", task.ID).Str("execution_id", execID).Logger()
	log.Info().Str("type", string(execType)).Int("tables", len(tables)).Msg("execution started")

	var runErr error
	switch execType {
	case model.ExecCDCSync:
		runErr = e.cdcPass(ctx, task, srcConn, dstConn, execID, runs)
	default:
		runErr = e.fullLoadPhase(ctx, task, srcConn, dstConn, execID, runs, skip)
	}

	status := e.finish(ctx, task, execID, execType, runErr)
	log.Info().Str("status", string(status)).Msg("execution finished")
	e.sink.TaskFinished(task.ID, status)
	return execID, status, runErr
}

func (e *Executor) scheduleInterval(task model.Task) (time.Duration, bool) {
	switch task.ScheduleType {
	case model.ScheduleContinuous:
		return e.PollInterval, true
	case model.ScheduleInterval:
		sec := task.ScheduleIntervalSec
		if sec <= 0 {
			sec = int(e.PollInterval / time.Second)
		}
		return time.Duration(sec) * time.Second, true
	default:
		return 0, false
	}
}

// fullLoadPhase loads every table not in skip over a bounded worker pool.
// Each worker opens its own source and destination; the adapters are not
// safe for concurrent use. The first fatal table failure cancels the
// group: in-flight workers stop at their next batch boundary and tables
// whose work had not started are not attempted.
func (e *Executor) fullLoadPhase(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, execID string, runs []tableRun, skip map[string]bool) error {
	workers := task.ParallelTables
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, run := range runs {
		if skip[run.table] {
			continue
		}
		run := run
		g.Go(func() error {
			if gctx.Err() != nil {
				// A sibling already failed; leave the table pending.
				return nil
			}
			if err := e.loadTable(gctx, task, srcConn, dstConn, execID, run); err != nil {
				if errors.Is(err, model.ErrStopped) {
					return err
				}
				return fmt.Errorf("table %s: %w", run.table, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", model.ErrStopped, ctx.Err())
	}
	return err
}

func (e *Executor) loadTable(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, execID string, run tableRun) error {
	src, dst, res, err := e.openPair(ctx, task, srcConn, dstConn, run.table)
	if err != nil {
		failed := model.TableFailed
		msg := err.Error()
		now := time.Now()
		_ = e.store.UpdateTableExecution(ctx, run.tableExecID, store.TableExecutionUpdate{
			Status: &failed, ErrorMessage: &msg, CompletedAt: &now,
		})
		e.sink.TableDone(task.ID, run.table, model.TableFailed)
		e.sink.RecordError(task.ID, err)
		return err
	}
	defer src.Close()
	defer dst.Close()

	p := pipeline.New(e.store, src, dst, e.sink, res, task, e.log)
	return p.RunFullLoad(ctx, run.table, execID, run.tableExecID)
}

// cdcPass polls one change batch per table. Unlike a full load, a failed
// table does not abort its siblings: each table's cursor advances
// independently and the rollup downgrades the execution instead.
func (e *Executor) cdcPass(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, execID string, runs []tableRun) error {
	workers := task.ParallelTables
	if workers < 1 {
		workers = 1
	}
	var (
		mu       sync.Mutex
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, run := range runs {
		run := run
		g.Go(func() error {
			started := time.Now()
			running := model.TableRunning
			_ = e.store.UpdateTableExecution(gctx, run.tableExecID, store.TableExecutionUpdate{
				Status: &running, StartedAt: &started,
			})

			src, dst, res, err := e.openPair(gctx, task, srcConn, dstConn, run.table)
			if err == nil {
				defer src.Close()
				defer dst.Close()
				p := pipeline.New(e.store, src, dst, e.sink, res, task, e.log)
				_, err = p.RunCDC(gctx, run.table, execID, run.tableExecID)
			}

			// Each poll closes its per-table record.
			sctx := context.WithoutCancel(gctx)
			done := time.Now()
			switch {
			case err == nil:
				success := model.TableSuccess
				_ = e.store.UpdateTableExecution(sctx, run.tableExecID, store.TableExecutionUpdate{
					Status: &success, CompletedAt: &done,
				})
			case errors.Is(err, model.ErrStopped):
				stoppedStatus := model.TableStopped
				msg := err.Error()
				_ = e.store.UpdateTableExecution(sctx, run.tableExecID, store.TableExecutionUpdate{
					Status: &stoppedStatus, ErrorMessage: &msg, CompletedAt: &done,
				})
			default:
				failedStatus := model.TableFailed
				msg := err.Error()
				_ = e.store.UpdateTableExecution(sctx, run.tableExecID, store.TableExecutionUpdate{
					Status: &failedStatus, ErrorMessage: &msg, CompletedAt: &done,
				})
				mu.Lock()
				failures = append(failures, fmt.Errorf("table %s: %w", run.table, err))
				mu.Unlock()
				e.sink.RecordError(task.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", model.ErrStopped, ctx.Err())
	}
	return errors.Join(failures...)
}

// openPair opens a fresh source and destination for one table worker and
// binds a variable resolver to the table's context.
func (e *Executor) openPair(ctx context.Context, task model.Task, srcConn, dstConn model.Connector, table string) (source.Source, destination.Destination, *variable.Resolver, error) {
	src, err := e.newSource(srcConn, e.log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := src.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}
	dst, err := e.newDestination(dstConn, e.log)
	if err != nil {
		src.Close()
		return nil, nil, nil, err
	}
	if err := dst.Connect(ctx); err != nil {
		src.Close()
		return nil, nil, nil, err
	}

	vctx := variable.Context{
		SourceDatabaseName: src.DatabaseName(),
		TableName:          table,
		TaskName:           task.Name,
		TaskID:             task.ID,
		ConnectorName:      srcConn.Name,
	}
	if cfg, cerr := source.DecodeConfig(srcConn.Config); cerr == nil {
		vctx.Server = cfg.Host
		vctx.Port = cfg.Port
	}
	res, err := variable.New(ctx, e.store, src, model.SourceVariant(srcConn.Variant), vctx, e.log)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, nil, nil, err
	}
	return src, dst, res, nil
}

// finish rolls table outcomes up into the execution status and closes the
// execution record. partial_success exists only for CDC polls; a full
// load with any failed table is failed.
func (e *Executor) finish(ctx context.Context, task model.Task, execID string, execType model.ExecutionType, runErr error) model.ExecutionStatus {
	stopped := errors.Is(runErr, model.ErrStopped) || ctx.Err() != nil
	if stopped {
		_ = e.store.MarkInFlightStopped(context.WithoutCancel(ctx), execID, "stopped by user")
	}

	// Status updates after a stop still need a live context.
	sctx := context.WithoutCancel(ctx)

	tableExecs, err := e.store.ListTableExecutions(sctx, execID)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to list table executions for rollup")
	}
	var succeeded, failed int
	for _, te := range tableExecs {
		switch te.Status {
		case model.TableSuccess:
			succeeded++
		case model.TableFailed:
			failed++
		}
	}

	status := model.ExecSuccess
	switch {
	case stopped:
		status = model.ExecStopped
	case execType == model.ExecCDCSync && failed > 0 && succeeded > 0:
		status = model.ExecPartialSuccess
	case failed > 0 || runErr != nil:
		status = model.ExecFailed
	}

	completedAt := time.Now()
	upd := store.ExecutionUpdate{Status: &status, CompletedAt: &completedAt}
	if exec, gerr := e.store.GetExecution(sctx, execID); gerr == nil && exec.StartedAt != nil {
		elapsed := completedAt.Sub(*exec.StartedAt).Seconds()
		if elapsed > 0 && exec.ProcessedRows > 0 {
			rps := float64(exec.ProcessedRows) / elapsed
			upd.RowsPerSecond = &rps
		}
		if status == model.ExecSuccess {
			pct := 100.0
			upd.ProgressPercent = &pct
		}
	}
	if runErr != nil && !stopped {
		msg := runErr.Error()
		upd.ErrorMessage = &msg
	}
	if err := e.store.UpdateExecution(sctx, execID, upd); err != nil {
		e.log.Warn().Err(err).Msg("failed to close execution record")
	}
	if err := e.store.SetTaskLastRun(sctx, task.ID, completedAt); err != nil {
		e.log.Warn().Err(err).Msg("failed to record task last run")
	}
	return status
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
