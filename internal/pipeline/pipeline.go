// Package pipeline moves one table between a source and a destination:
// batched full loads with retry and resumption, and incremental CDC syncs
// whose cursor only advances after the destination write commits.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/transform"
	"github.com/transferd/transferd/internal/variable"
	"github.com/transferd/transferd/pkg/cursor"
)

// defaultBatchRows applies when the task does not set a batch size.
const defaultBatchRows = 10000

// Pipeline runs one table of one task. It is single-threaded; parallel
// table workers each build their own Pipeline with their own adapters.
type Pipeline struct {
	store    store.Store
	src      source.Source
	dst      destination.Destination
	sink     progress.Sink
	engine   *transform.Engine
	resolver *variable.Resolver
	task     model.Task
	log      zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a pipeline for one task. resolver may be nil when the task has
// no templates to expand; sink may be nil when nothing listens.
func New(st store.Store, src source.Source, dst destination.Destination, sink progress.Sink, resolver *variable.Resolver, task model.Task, logger zerolog.Logger) *Pipeline {
	if sink == nil {
		sink = progress.NopSink{}
	}
	log := logger.With().Str("component", "pipeline").Str("task_id", task.ID).Logger()
	var hook func(string) string
	if resolver != nil {
		hook = func(s string) string { return resolver.Resolve(context.Background(), s) }
	}
	return &Pipeline{
		store:    st,
		src:      src,
		dst:      dst,
		sink:     sink,
		engine:   transform.New(hook, log),
		resolver: resolver,
		task:     task,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
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

func (p *Pipeline) batchRows() int {
	if p.task.BatchRows > 0 {
		return p.task.BatchRows
	}
	return defaultBatchRows
}

// checkCancelled is evaluated at every batch boundary, before the read and
// before the write, so cancellation never loses committed work.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStopped, err)
	}
	return nil
}

func (p *Pipeline) writeOptions(ctx context.Context, destTable string, mode destination.WriteMode) destination.Options {
	opts := destination.Options{
		Table:  destTable,
		Format: p.task.FileFormat,
		Mode:   mode,
	}
	if p.task.PathTemplate != "" {
		if p.resolver != nil {
			opts.Path = p.resolver.Resolve(ctx, p.task.PathTemplate)
		} else {
			opts.Path = p.task.PathTemplate
		}
	}
	return opts
}

// RunFullLoad copies the whole table in batches, honouring the task's
// retry policy. execID and tableExecID name the already-created execution
// records this run reports into.
func (p *Pipeline) RunFullLoad(ctx context.Context, table, execID, tableExecID string) error {
	log := p.log.With().Str("table", table).Logger()
	destTable := p.task.DestinationTable(table)

	total, err := p.src.RowCount(ctx, table)
	if err != nil {
		return p.failTable(ctx, tableExecID, table, fmt.Errorf("count rows: %w", err))
	}

	startedAt := p.now()
	running := model.TableRunning
	if err := p.store.UpdateTableExecution(ctx, tableExecID, store.TableExecutionUpdate{
		Status:    &running,
		TotalRows: &total,
		StartedAt: &startedAt,
	}); err != nil {
		return err
	}
	p.sink.TableStarted(p.task.ID, table, total)
	log.Info().Int64("total_rows", total).Str("destination", destTable).Msg("full load started")

	cols, err := p.src.Columns(ctx, table)
	if err != nil {
		return p.failTable(ctx, tableExecID, table, fmt.Errorf("describe table: %w", err))
	}
	if err := p.dst.EnsureTable(ctx, destTable, cols); err != nil {
		return p.failTable(ctx, tableExecID, table, fmt.Errorf("ensure table: %w", err))
	}
	if p.task.HandleSchemaDrift {
		added, err := p.dst.EnsureColumns(ctx, destTable, cols)
		if err != nil {
			return p.failTable(ctx, tableExecID, table, fmt.Errorf("%w: %v", model.ErrSchemaDrift, err))
		}
		if len(added) > 0 {
			p.recordSchemaChanges(ctx, execID, table, added)
		}
	}

	attempt := 0
	committed := int64(0)
	for {
		err := p.loadFrom(ctx, table, destTable, execID, tableExecID, &committed)
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrStopped) {
			return p.stopTable(ctx, tableExecID, table, err)
		}
		if !p.task.Retry.Enabled || !model.Retryable(err) || attempt >= p.task.Retry.MaxRetries {
			if p.task.Retry.Enabled && model.Retryable(err) {
				err = fmt.Errorf("%w after %d retries: %v", model.ErrRetryExhausted, attempt, err)
			}
			return p.failTable(ctx, tableExecID, table, err)
		}
		attempt++
		log.Warn().Err(err).Int("attempt", attempt).Msg("retrying table load")

		retryAt := p.now()
		upd := store.TableExecutionUpdate{RetryCount: &attempt, LastRetryAt: &retryAt}
		if p.task.Retry.CleanupOnRetry {
			if cerr := p.dst.CleanupPartial(ctx, destTable); cerr != nil {
				return p.failTable(ctx, tableExecID, table, fmt.Errorf("cleanup before retry: %w", cerr))
			}
			committed = 0
			zero := int64(0)
			upd.ProcessedRows = &zero
		}
		if uerr := p.store.UpdateTableExecution(ctx, tableExecID, upd); uerr != nil {
			return uerr
		}
		if p.task.Retry.DelaySeconds > 0 {
			if serr := p.sleep(ctx, time.Duration(p.task.Retry.DelaySeconds)*time.Second); serr != nil {
				return p.stopTable(ctx, tableExecID, table, fmt.Errorf("%w: %v", model.ErrStopped, serr))
			}
		}
	}

	completedAt := p.now()
	success := model.TableSuccess
	if err := p.store.UpdateTableExecution(ctx, tableExecID, store.TableExecutionUpdate{
		Status:      &success,
		CompletedAt: &completedAt,
	}); err != nil {
		return err
	}
	p.sink.TableDone(p.task.ID, table, model.TableSuccess)
	log.Info().Int64("rows", committed).Msg("full load finished")

	if p.task.Mode == model.ModeFullLoadThenCDC {
		if err := p.store.MarkFullLoadComplete(ctx, p.task.ID, table, completedAt); err != nil {
			return err
		}
	}
	return nil
}

// loadFrom reads batches starting at the already-committed offset and
// writes them through. committed advances only after a successful write,
// so a resume without cleanup picks up exactly where the last write landed.
func (p *Pipeline) loadFrom(ctx context.Context, table, destTable, execID, tableExecID string, committed *int64) error {
	limit := p.batchRows()
	for {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		b, err := p.src.ReadBatch(ctx, table, int(*committed), limit)
		if err != nil {
			return fmt.Errorf("read batch at offset %d: %w", *committed, err)
		}
		if b.NumRows() == 0 {
			return nil
		}

		tb, err := p.engine.Apply(b, p.task.TableTransformations(table))
		if err != nil {
			return err
		}

		if err := checkCancelled(ctx); err != nil {
			return err
		}
		mode := destination.Append
		if *committed == 0 {
			// The first write of a load replaces leftovers from prior runs.
			mode = destination.Overwrite
		}
		res, err := p.dst.Write(ctx, p.writeOptions(ctx, destTable, mode), tb)
		if err != nil {
			return err
		}

		read := int64(b.NumRows())
		*committed += read
		sizeMB := float64(res.BytesWritten) / (1 << 20)
		if err := p.store.AddTableExecutionProgress(ctx, tableExecID, read, 0); err != nil {
			return err
		}
		if err := p.store.AddExecutionCounters(ctx, execID, read, 0, sizeMB); err != nil {
			return err
		}
		p.sink.TableProgress(p.task.ID, table, read, res.BytesWritten)

		if read < int64(limit) {
			return nil
		}
	}
}

// RunCDC performs one incremental sync pass for the table and returns the
// number of change rows moved. The persisted cursor is read fresh from the
// store so successive polls chain correctly.
func (p *Pipeline) RunCDC(ctx context.Context, table, execID, tableExecID string) (int64, error) {
	log := p.log.With().Str("table", table).Logger()
	destTable := p.task.DestinationTable(table)

	if err := checkCancelled(ctx); err != nil {
		return 0, err
	}

	t, err := p.store.GetTask(ctx, p.task.ID)
	if err != nil {
		return 0, err
	}
	state := t.CDCState[table]
	from, err := cursor.Parse(state.LastCursor)
	if err != nil {
		return 0, fmt.Errorf("%w: stored cursor for %s: %v", model.ErrInvariant, table, err)
	}

	if !state.Enabled {
		enabled, err := p.src.CDCEnabled(ctx, table)
		if err != nil {
			return 0, fmt.Errorf("check cdc: %w", err)
		}
		if !enabled {
			if err := p.src.EnableCDC(ctx, table); err != nil {
				return 0, fmt.Errorf("enable cdc: %w", err)
			}
			log.Info().Msg("cdc enabled on source table")
		}
		if err := p.store.SetTableCDCEnabled(ctx, p.task.ID, table); err != nil {
			return 0, err
		}
	}

	b, next, err := p.src.ReadCDC(ctx, table, from, p.batchRows())
	if err != nil {
		return 0, fmt.Errorf("read changes: %w", err)
	}

	if b == nil || b.NumRows() == 0 {
		// An empty batch normally leaves the cursor alone, but the first
		// sync of some engines establishes a starting position that must
		// be persisted even with nothing to write.
		if cursor.Compare(next, from) != 0 {
			if err := p.advance(ctx, table, next); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	tb, err := p.engine.Apply(b, p.task.TableTransformations(table))
	if err != nil {
		return 0, err
	}

	if err := checkCancelled(ctx); err != nil {
		return 0, err
	}
	res, err := p.dst.Write(ctx, p.writeOptions(ctx, destTable, destination.Append), tb)
	if err != nil {
		return 0, err
	}

	// Only a committed write moves the cursor. A crash between the write
	// and the advance re-delivers the batch: delivery is at-least-once and
	// duplicates are the destination's to tolerate.
	if err := p.advance(ctx, table, next); err != nil {
		return 0, err
	}

	read := int64(b.NumRows())
	sizeMB := float64(res.BytesWritten) / (1 << 20)
	if tableExecID != "" {
		if err := p.store.AddTableExecutionProgress(ctx, tableExecID, read, 0); err != nil {
			return read, err
		}
	}
	if execID != "" {
		if err := p.store.AddExecutionCounters(ctx, execID, read, 0, sizeMB); err != nil {
			return read, err
		}
	}
	p.sink.TableProgress(p.task.ID, table, read, res.BytesWritten)
	log.Debug().Int64("rows", read).Str("cursor", next.String()).Msg("cdc batch applied")
	return read, nil
}

func (p *Pipeline) advance(ctx context.Context, table string, cur cursor.Cursor) error {
	if err := p.store.AdvanceCursor(ctx, p.task.ID, table, cur); err != nil {
		return err
	}
	p.sink.CursorAdvanced(p.task.ID, table, cur.String())
	return nil
}

// recordSchemaChanges appends drift notes to the execution record.
func (p *Pipeline) recordSchemaChanges(ctx context.Context, execID, table string, added []string) {
	notes := make([]string, 0, len(added))
	for _, col := range added {
		notes = append(notes, fmt.Sprintf("%s: added column %s", table, col))
	}
	exec, err := p.store.GetExecution(ctx, execID)
	if err == nil {
		notes = append(exec.SchemaChanges, notes...)
	}
	if err := p.store.UpdateExecution(ctx, execID, store.ExecutionUpdate{SchemaChanges: notes}); err != nil {
		p.log.Warn().Err(err).Msg("failed to record schema changes")
	}
	p.log.Info().Str("table", table).Strs("columns", added).Msg("schema drift handled")
}

func (p *Pipeline) failTable(ctx context.Context, tableExecID, table string, cause error) error {
	completedAt := p.now()
	failed := model.TableFailed
	msg := cause.Error()
	if err := p.store.UpdateTableExecution(ctx, tableExecID, store.TableExecutionUpdate{
		Status:       &failed,
		CompletedAt:  &completedAt,
		ErrorMessage: &msg,
	}); err != nil {
		p.log.Warn().Err(err).Msg("failed to persist table failure")
	}
	p.sink.TableDone(p.task.ID, table, model.TableFailed)
	p.sink.RecordError(p.task.ID, cause)
	p.log.Error().Str("table", table).Err(cause).Msg("table load failed")
	return cause
}

func (p *Pipeline) stopTable(ctx context.Context, tableExecID, table string, cause error) error {
	completedAt := p.now()
	stopped := model.TableStopped
	msg := cause.Error()
	if err := p.store.UpdateTableExecution(ctx, tableExecID, store.TableExecutionUpdate{
		Status:       &stopped,
		CompletedAt:  &completedAt,
		ErrorMessage: &msg,
	}); err != nil {
		p.log.Warn().Err(err).Msg("failed to persist table stop")
	}
	p.sink.TableDone(p.task.ID, table, model.TableStopped)
	p.log.Info().Str("table", table).Msg("table load stopped")
	return cause
}

// ColumnsWithOperation prepends the CDC operation column spec, for callers
// preparing a destination table ahead of the first change batch.
func ColumnsWithOperation(cols []batch.ColumnSpec) []batch.ColumnSpec {
	out := make([]batch.ColumnSpec, 0, len(cols)+1)
	out = append(out, batch.ColumnSpec{Name: "_operation", Type: "varchar", MaxLength: 16})
	return append(out, cols...)
}
