package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/testutil"
	"github.com/transferd/transferd/pkg/cursor"
)

type fixture struct {
	store *store.Memory
	src   *testutil.FakeSource
	dst   *testutil.FakeDestination
	sink  *testutil.FakeSink
	task  model.Task
}

func newFixture(t *testing.T, task model.Task) *fixture {
	t.Helper()
	st := store.NewMemory()
	if task.ID == "" {
		task.ID = "task-1"
	}
	if task.Name == "" {
		task.Name = "nightly"
	}
	if task.SourceConnectorID == "" {
		task.SourceConnectorID = "src-1"
	}
	if task.DestinationConnectorID == "" {
		task.DestinationConnectorID = "dst-1"
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	stored, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store: st,
		src:   testutil.NewFakeSource(),
		dst:   testutil.NewFakeDestination(),
		sink:  testutil.NewFakeSink(),
		task:  stored,
	}
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := New(f.store, f.src, f.dst, f.sink, nil, f.task, zerolog.Nop())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func (f *fixture) createRecords(t *testing.T, table string) (execID, tableExecID string) {
	t.Helper()
	ctx := context.Background()
	execID, tableExecID = "exec-1", "texec-1"
	if err := f.store.CreateExecution(ctx, model.TaskExecution{
		ID: execID, TaskID: f.task.ID, Type: model.ExecFullLoad, Status: model.ExecRunning,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateTableExecution(ctx, model.TableExecution{
		ID: tableExecID, ExecutionID: execID, TableName: table, Status: model.TablePending,
	}); err != nil {
		t.Fatal(err)
	}
	return execID, tableExecID
}

func TestFullLoadBatches(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeFullLoad, BatchRows: 10})
	f.src.AddTable("dbo.users", 25)
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}

	if len(f.dst.Writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(f.dst.Writes))
	}
	if f.dst.Writes[0].Mode != destination.Overwrite {
		t.Errorf("first write mode = %s, want overwrite", f.dst.Writes[0].Mode)
	}
	for i, w := range f.dst.Writes[1:] {
		if w.Mode != destination.Append {
			t.Errorf("write %d mode = %s, want append", i+1, w.Mode)
		}
	}
	if got := f.dst.RowsFor("users"); got != 25 {
		t.Errorf("rows written = %d, want 25", got)
	}

	te, err := f.store.GetTableExecution(context.Background(), tableExecID)
	if err != nil {
		t.Fatal(err)
	}
	if te.Status != model.TableSuccess || te.ProcessedRows != 25 || te.TotalRows != 25 {
		t.Errorf("table execution = %s, %d/%d", te.Status, te.ProcessedRows, te.TotalRows)
	}
	exec, err := f.store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.ProcessedRows != 25 {
		t.Errorf("execution processed = %d", exec.ProcessedRows)
	}
	if f.sink.Count("table_progress") != 3 {
		t.Errorf("progress events = %d, want 3", f.sink.Count("table_progress"))
	}
}

func TestFullLoadEmptyTable(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeFullLoad, BatchRows: 10})
	f.src.AddTable("dbo.empty", 0)
	execID, tableExecID := f.createRecords(t, "dbo.empty")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.empty", execID, tableExecID); err != nil {
		t.Fatal(err)
	}
	if len(f.dst.Writes) != 0 {
		t.Errorf("writes = %d, want 0", len(f.dst.Writes))
	}
	te, _ := f.store.GetTableExecution(context.Background(), tableExecID)
	if te.Status != model.TableSuccess {
		t.Errorf("status = %s, want success", te.Status)
	}
}

func TestFullLoadRetryWithCleanup(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, BatchRows: 10,
		Retry: model.RetryPolicy{Enabled: true, MaxRetries: 2, CleanupOnRetry: true},
	})
	f.src.AddTable("dbo.users", 25)
	f.dst.FailWrites = 1
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}

	if len(f.dst.Cleanups) != 1 || f.dst.Cleanups[0] != "users" {
		t.Errorf("cleanups = %v", f.dst.Cleanups)
	}
	if got := f.dst.RowsFor("users"); got != 25 {
		t.Errorf("rows written = %d, want 25", got)
	}
	te, _ := f.store.GetTableExecution(context.Background(), tableExecID)
	if te.Status != model.TableSuccess || te.RetryCount != 1 {
		t.Errorf("table execution = %s, retries %d", te.Status, te.RetryCount)
	}
	if te.ProcessedRows != 25 {
		t.Errorf("processed = %d after cleanup reset, want 25", te.ProcessedRows)
	}
}

func TestFullLoadRetryWithoutCleanupResumesFromOffset(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, BatchRows: 10,
		Retry: model.RetryPolicy{Enabled: true, MaxRetries: 2},
	})
	f.src.AddTable("dbo.users", 25)
	// First batch lands, the second write fails once.
	f.dst.FailWritesAfter = 1
	f.dst.FailWrites = 1
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}

	if len(f.dst.Cleanups) != 0 {
		t.Errorf("cleanups = %v, want none", f.dst.Cleanups)
	}
	// The retry picks up after the committed batch instead of starting over.
	if len(f.dst.Writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(f.dst.Writes))
	}
	if f.dst.Writes[1].Mode != destination.Append {
		t.Errorf("post-retry write mode = %s, want append", f.dst.Writes[1].Mode)
	}
	if got := f.dst.RowsFor("users"); got != 25 {
		t.Errorf("rows written = %d, want 25 without duplicates", got)
	}
	te, _ := f.store.GetTableExecution(context.Background(), tableExecID)
	if te.Status != model.TableSuccess || te.RetryCount != 1 || te.ProcessedRows != 25 {
		t.Errorf("table execution = %s, retries %d, processed %d", te.Status, te.RetryCount, te.ProcessedRows)
	}
}

func TestFullLoadRetryExhausted(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, BatchRows: 10,
		Retry: model.RetryPolicy{Enabled: true, MaxRetries: 2, CleanupOnRetry: true},
	})
	f.src.AddTable("dbo.users", 25)
	f.dst.FailWrites = 10
	execID, tableExecID := f.createRecords(t, "dbo.users")

	err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID)
	if !errors.Is(err, model.ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	// Initial attempt plus two retries, each retry preceded by a cleanup.
	if len(f.dst.Cleanups) != 2 {
		t.Errorf("cleanups = %d, want 2", len(f.dst.Cleanups))
	}
	te, _ := f.store.GetTableExecution(context.Background(), tableExecID)
	if te.Status != model.TableFailed || te.RetryCount != 2 {
		t.Errorf("table execution = %s, retries %d", te.Status, te.RetryCount)
	}
	if te.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if f.sink.Count("error") != 1 {
		t.Errorf("error events = %d, want 1", f.sink.Count("error"))
	}
}

func TestFullLoadNonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, BatchRows: 10,
		Transformations: []model.Transformation{
			{Type: "cast_type", Config: map[string]any{"column_name": "name", "target_type": "int"}},
		},
		Retry: model.RetryPolicy{Enabled: true, MaxRetries: 3},
	})
	f.src.AddTable("dbo.users", 5)
	execID, tableExecID := f.createRecords(t, "dbo.users")

	err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID)
	if !errors.Is(err, model.ErrTransformation) {
		t.Fatalf("err = %v, want ErrTransformation", err)
	}
	if len(f.dst.Cleanups) != 0 {
		t.Errorf("cleanups = %d, want 0", len(f.dst.Cleanups))
	}
}

func TestFullLoadStopBetweenBatches(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeFullLoad, BatchRows: 10})
	f.src.AddTable("dbo.users", 30)
	execID, tableExecID := f.createRecords(t, "dbo.users")

	ctx, cancel := context.WithCancel(context.Background())
	p := f.pipeline(t)

	done := make(chan error, 1)
	go func() { done <- p.RunFullLoad(ctx, "dbo.users", execID, tableExecID) }()

	// Cancel once the first batch has landed.
	deadline := time.After(3 * time.Second)
	for f.dst.RowsFor("users") == 0 {
		select {
		case <-deadline:
			t.Fatal("no batch committed in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	err := <-done
	if err != nil && !errors.Is(err, model.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped or nil", err)
	}
	if err == nil {
		// The load outran the cancel; nothing more to assert.
		return
	}
	te, _ := f.store.GetTableExecution(context.Background(), tableExecID)
	if te.Status != model.TableStopped {
		t.Errorf("status = %s, want stopped", te.Status)
	}
	// Committed batches stay committed.
	if got := f.dst.RowsFor("users"); got%10 != 0 || got == 0 {
		t.Errorf("rows written = %d, want a whole number of batches", got)
	}
}

func TestFullLoadSchemaDrift(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeFullLoad, BatchRows: 10, HandleSchemaDrift: true})
	tbl := f.src.AddTable("dbo.users", 5)
	// Destination already has the table, minus the name column.
	f.dst.TableCols["users"] = tbl.Columns[:1]
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}
	exec, _ := f.store.GetExecution(context.Background(), execID)
	if len(exec.SchemaChanges) != 1 || exec.SchemaChanges[0] != "dbo.users: added column name" {
		t.Errorf("schema changes = %v", exec.SchemaChanges)
	}
	if len(f.dst.TableCols["users"]) != 2 {
		t.Errorf("destination columns = %d, want 2", len(f.dst.TableCols["users"]))
	}
}

func TestFullLoadMarksCompletionForCombinedMode(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeFullLoadThenCDC, BatchRows: 10})
	f.src.AddTable("dbo.users", 5)
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}
	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if _, ok := task.FullLoadCompleted["dbo.users"]; !ok {
		t.Error("full load completion not recorded")
	}
}

func TestCDCWriteThenAdvance(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeCDC, BatchRows: 100})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true
	tbl.CDCBatches = []testutil.CDCBatch{
		{Rows: [][]any{{"insert", int64(1), "alice"}, {"update", int64(2), "bob"}}, Cursor: cursor.Cursor{0x01}},
		{Rows: [][]any{{"delete", int64(1), "alice"}}, Cursor: cursor.Cursor{0x02}},
	}
	execID, tableExecID := f.createRecords(t, "dbo.users")
	p := f.pipeline(t)

	n, err := p.RunCDC(context.Background(), "dbo.users", execID, tableExecID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if task.CDCState["dbo.users"].LastCursor != "0x01" {
		t.Errorf("cursor = %q, want 0x01", task.CDCState["dbo.users"].LastCursor)
	}
	if !task.CDCState["dbo.users"].Enabled {
		t.Error("cdc not marked enabled")
	}

	// Next poll picks up from the stored cursor.
	n, err = p.RunCDC(context.Background(), "dbo.users", execID, tableExecID)
	if err != nil || n != 1 {
		t.Fatalf("second poll = %d rows, err %v", n, err)
	}
	task, _ = f.store.GetTask(context.Background(), f.task.ID)
	if task.CDCState["dbo.users"].LastCursor != "0x02" {
		t.Errorf("cursor = %q, want 0x02", task.CDCState["dbo.users"].LastCursor)
	}
}

func TestCDCFailedWriteLeavesCursor(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeCDC, BatchRows: 100})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true
	tbl.CDCBatches = []testutil.CDCBatch{
		{Rows: [][]any{{"insert", int64(1), "alice"}}, Cursor: cursor.Cursor{0x01}},
	}
	f.dst.FailWrites = 1
	execID, tableExecID := f.createRecords(t, "dbo.users")

	_, err := f.pipeline(t).RunCDC(context.Background(), "dbo.users", execID, tableExecID)
	if !errors.Is(err, model.ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", err)
	}
	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if task.CDCState["dbo.users"].LastCursor != "" {
		t.Errorf("cursor = %q, want empty after failed write", task.CDCState["dbo.users"].LastCursor)
	}
}

func TestCDCEmptyBatchKeepsCursor(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeCDC, BatchRows: 100})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.store.AdvanceCursor(context.Background(), f.task.ID, "dbo.users", cursor.Cursor{0x05}); err != nil {
		t.Fatal(err)
	}
	n, err := f.pipeline(t).RunCDC(context.Background(), "dbo.users", execID, tableExecID)
	if err != nil || n != 0 {
		t.Fatalf("poll = %d rows, err %v", n, err)
	}
	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if task.CDCState["dbo.users"].LastCursor != "0x05" {
		t.Errorf("cursor = %q, want unchanged 0x05", task.CDCState["dbo.users"].LastCursor)
	}
}

func TestCDCEmptyBatchPersistsInitialCursor(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeCDC, BatchRows: 100})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true
	// First poll of engines that only establish a starting position.
	tbl.CDCBatches = []testutil.CDCBatch{{Cursor: cursor.Cursor{0x0a}}}
	execID, tableExecID := f.createRecords(t, "dbo.users")

	n, err := f.pipeline(t).RunCDC(context.Background(), "dbo.users", execID, tableExecID)
	if err != nil || n != 0 {
		t.Fatalf("poll = %d rows, err %v", n, err)
	}
	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if task.CDCState["dbo.users"].LastCursor != "0x0a" {
		t.Errorf("cursor = %q, want 0x0a with no rows written", task.CDCState["dbo.users"].LastCursor)
	}
	if len(f.dst.Writes) != 0 {
		t.Errorf("writes = %d, want 0", len(f.dst.Writes))
	}
}

func TestCDCEnablesTrackingWhenOff(t *testing.T) {
	f := newFixture(t, model.Task{Mode: model.ModeCDC, BatchRows: 100})
	f.src.AddTable("dbo.users", 0)
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if _, err := f.pipeline(t).RunCDC(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}
	enabled, _ := f.src.CDCEnabled(context.Background(), "dbo.users")
	if !enabled {
		t.Error("source cdc not enabled")
	}
	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if !task.CDCState["dbo.users"].Enabled {
		t.Error("store cdc flag not set")
	}
}

func TestPathTemplateResolvedPerWrite(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, BatchRows: 10,
		PathTemplate: "exports/users/",
		FileFormat:   model.FormatCSV,
	})
	f.src.AddTable("dbo.users", 5)
	execID, tableExecID := f.createRecords(t, "dbo.users")

	if err := f.pipeline(t).RunFullLoad(context.Background(), "dbo.users", execID, tableExecID); err != nil {
		t.Fatal(err)
	}
	if len(f.dst.Writes) != 1 || f.dst.Writes[0].Path != "exports/users/" {
		t.Errorf("writes = %+v", f.dst.Writes)
	}
	if f.dst.Writes[0].Mode != destination.Overwrite {
		t.Errorf("mode = %s, want overwrite", f.dst.Writes[0].Mode)
	}
}
