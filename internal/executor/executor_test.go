package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/testutil"
	"github.com/transferd/transferd/pkg/cursor"
)

type fixture struct {
	store *store.Memory
	src   *testutil.FakeSource
	dst   *testutil.FakeDestination
	sink  *testutil.FakeSink
	exec  *Executor
	task  model.Task
}

func newFixture(t *testing.T, task model.Task) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	if err := st.CreateConnector(ctx, model.Connector{
		ID: "src-1", Name: "prod-db", Kind: model.KindSource, Variant: "sql_server",
		Config: map[string]any{"host": "db1.internal", "port": 1433}, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateConnector(ctx, model.Connector{
		ID: "dst-1", Name: "lake", Kind: model.KindDestination, Variant: "s3",
		Config: map[string]any{"bucket": "lake"}, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	task.ID = "task-1"
	task.Name = "nightly"
	task.SourceConnectorID = "src-1"
	task.DestinationConnectorID = "dst-1"
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: st,
		src:   testutil.NewFakeSource(),
		dst:   testutil.NewFakeDestination(),
		sink:  testutil.NewFakeSink(),
	}
	f.exec = New(st, f.sink, zerolog.Nop())
	f.exec.PollInterval = 10 * time.Millisecond
	f.exec.newSource = func(model.Connector, zerolog.Logger) (source.Source, error) { return f.src, nil }
	f.exec.newDestination = func(model.Connector, zerolog.Logger) (destination.Destination, error) { return f.dst, nil }
	f.task = task
	return f
}

func TestExecuteFullLoad(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users", "dbo.orders"},
		BatchRows:    10, ParallelTables: 2,
	})
	f.src.AddTable("dbo.users", 15)
	f.src.AddTable("dbo.orders", 5)

	execID, err := f.exec.Execute(context.Background(), "task-1", model.ExecFullLoad)
	if err != nil {
		t.Fatal(err)
	}

	exec, err := f.store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Errorf("status = %s, want success", exec.Status)
	}
	if exec.ProcessedRows != 20 {
		t.Errorf("processed = %d, want 20", exec.ProcessedRows)
	}
	if exec.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	tes, _ := f.store.ListTableExecutions(context.Background(), execID)
	if len(tes) != 2 {
		t.Fatalf("table executions = %d, want 2", len(tes))
	}
	for _, te := range tes {
		if te.Status != model.TableSuccess {
			t.Errorf("table %s status = %s", te.TableName, te.Status)
		}
	}

	task, _ := f.store.GetTask(context.Background(), "task-1")
	if task.LastRunAt == nil {
		t.Error("last_run_at not set")
	}
	if f.sink.Count("task_started") != 1 || f.sink.Count("task_finished") != 1 {
		t.Error("task lifecycle events missing")
	}
}

func TestExecuteAbortsOnFirstTableFailure(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users", "dbo.orders"},
		BatchRows:    10, ParallelTables: 1,
	})
	f.src.AddTable("dbo.users", 5)
	f.src.AddTable("dbo.orders", 5)
	f.src.ReadFailures["dbo.users"] = 100

	execID, err := f.exec.Execute(context.Background(), "task-1", model.ExecFullLoad)
	if err == nil {
		t.Fatal("expected an error")
	}
	exec, _ := f.store.GetExecution(context.Background(), execID)
	if exec.Status != model.ExecFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}

	// The failure aborts the pass: orders is never attempted.
	tes, _ := f.store.ListTableExecutions(context.Background(), execID)
	byName := map[string]model.TableExecution{}
	for _, te := range tes {
		byName[te.TableName] = te
	}
	if got := byName["dbo.users"].Status; got != model.TableFailed {
		t.Errorf("users status = %s, want failed", got)
	}
	if got := byName["dbo.orders"].Status; got != model.TablePending {
		t.Errorf("orders status = %s, want pending", got)
	}
	if got := f.dst.RowsFor("orders"); got != 0 {
		t.Errorf("orders rows = %d, want 0", got)
	}
}

func TestExecuteCDCPartialSuccess(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users", "dbo.orders"},
		BatchRows:    100, ParallelTables: 1,
	})
	for _, name := range []string{"dbo.users", "dbo.orders"} {
		tbl := f.src.AddTable(name, 0)
		tbl.CDCEnabled = true
		tbl.CDCBatches = []testutil.CDCBatch{
			{Rows: [][]any{{"insert", int64(1), "a"}}, Cursor: cursor.Cursor{0x01}},
		}
	}
	// The first write (users) fails; orders still syncs.
	f.dst.FailWrites = 1

	execID, err := f.exec.Execute(context.Background(), "task-1", model.ExecCDCSync)
	if err != nil {
		t.Fatal(err)
	}
	exec, _ := f.store.GetExecution(context.Background(), execID)
	if exec.Status != model.ExecPartialSuccess {
		t.Errorf("status = %s, want partial_success", exec.Status)
	}

	tes, _ := f.store.ListTableExecutions(context.Background(), execID)
	byName := map[string]model.TableExecution{}
	for _, te := range tes {
		byName[te.TableName] = te
	}
	if got := byName["dbo.users"].Status; got != model.TableFailed {
		t.Errorf("users status = %s, want failed", got)
	}
	if byName["dbo.users"].ErrorMessage == "" {
		t.Error("users error message not recorded")
	}
	if got := byName["dbo.orders"].Status; got != model.TableSuccess {
		t.Errorf("orders status = %s, want success", got)
	}
}

func TestExecuteAllTablesFailed(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users"},
		BatchRows:    10,
	})
	f.src.AddTable("dbo.users", 5)
	f.src.ReadFailures["dbo.users"] = 100

	execID, err := f.exec.Execute(context.Background(), "task-1", model.ExecFullLoad)
	if err == nil {
		t.Fatal("expected an error")
	}
	exec, _ := f.store.GetExecution(context.Background(), execID)
	if exec.Status != model.ExecFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestExecuteDisabledTablesExcluded(t *testing.T) {
	off := false
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users", "dbo.audit"},
		TableConfigs: map[string]model.TableConfig{"dbo.audit": {Enabled: &off}},
		BatchRows:    10,
	})
	f.src.AddTable("dbo.users", 5)
	f.src.AddTable("dbo.audit", 5)

	execID, err := f.exec.Execute(context.Background(), "task-1", model.ExecFullLoad)
	if err != nil {
		t.Fatal(err)
	}
	tes, _ := f.store.ListTableExecutions(context.Background(), execID)
	if len(tes) != 1 || tes[0].TableName != "dbo.users" {
		t.Errorf("table executions = %+v", tes)
	}
}

func TestExecuteCDCSync(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users"},
		BatchRows:    100,
	})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true
	tbl.CDCBatches = []testutil.CDCBatch{
		{Rows: [][]any{{"insert", int64(1), "alice"}}, Cursor: cursor.Cursor{0x01}},
	}

	execID, err := f.exec.Execute(context.Background(), "task-1", model.ExecCDCSync)
	if err != nil {
		t.Fatal(err)
	}
	exec, _ := f.store.GetExecution(context.Background(), execID)
	if exec.Status != model.ExecSuccess || exec.ProcessedRows != 1 {
		t.Errorf("execution = %s, %d rows", exec.Status, exec.ProcessedRows)
	}
	task, _ := f.store.GetTask(context.Background(), "task-1")
	if task.CDCState["dbo.users"].LastCursor != "0x01" {
		t.Errorf("cursor = %q", task.CDCState["dbo.users"].LastCursor)
	}
}

func TestExecuteFullLoadThenCDCSkipsLoadedTables(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoadThenCDC, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users", "dbo.orders"},
		BatchRows:    10,
	})
	f.src.AddTable("dbo.users", 5)
	f.src.AddTable("dbo.orders", 5)
	if err := f.store.MarkFullLoadComplete(context.Background(), "task-1", "dbo.users", time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := f.exec.Execute(context.Background(), "task-1", model.ExecFullLoadThenCDC); err != nil {
		t.Fatal(err)
	}

	// Only the not-yet-loaded table got a full load.
	if got := f.dst.RowsFor("users"); got != 0 {
		t.Errorf("users rows = %d, want 0 (already loaded)", got)
	}
	if got := f.dst.RowsFor("orders"); got != 5 {
		t.Errorf("orders rows = %d, want 5", got)
	}
	task, _ := f.store.GetTask(context.Background(), "task-1")
	if _, ok := task.FullLoadCompleted["dbo.orders"]; !ok {
		t.Error("orders full load completion not recorded")
	}

	// The load phase and the CDC poll are separate execution records.
	execs, _ := f.store.ListExecutions(context.Background(), "task-1", 0)
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want 2", len(execs))
	}
	types := map[model.ExecutionType]int{}
	for _, ex := range execs {
		types[ex.Type]++
	}
	if types[model.ExecFullLoadThenCDC] != 1 || types[model.ExecCDCSync] != 1 {
		t.Errorf("execution types = %v", types)
	}
}

// A continuous full load records a fresh execution per pass, so row
// counters never accumulate across passes.
func TestContinuousFullLoadRecordsEachPass(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleContinuous,
		SourceTables: []string{"dbo.users"},
		BatchRows:    10,
	})
	f.src.AddTable("dbo.users", 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var execErr error
	go func() {
		_, execErr = f.exec.Execute(ctx, "task-1", model.ExecFullLoad)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
	if execErr != nil {
		t.Fatalf("err = %v", execErr)
	}

	execs, _ := f.store.ListExecutions(context.Background(), "task-1", 0)
	if len(execs) < 2 {
		t.Fatalf("executions = %d, want several passes", len(execs))
	}
	for _, ex := range execs {
		if ex.Status == model.ExecRunning {
			t.Errorf("execution %s left running", ex.ID)
		}
		if ex.TotalRows > 0 && ex.ProcessedRows > ex.TotalRows {
			t.Errorf("execution %s processed %d of %d rows", ex.ID, ex.ProcessedRows, ex.TotalRows)
		}
		tes, _ := f.store.ListTableExecutions(context.Background(), ex.ID)
		for _, te := range tes {
			if te.TotalRows > 0 && te.ProcessedRows > te.TotalRows {
				t.Errorf("table %s processed %d of %d rows", te.TableName, te.ProcessedRows, te.TotalRows)
			}
			if te.Status == model.TableSuccess && (te.ProcessedRows != 5 || te.TotalRows != 5) {
				t.Errorf("table %s counters = %d/%d, want 5/5", te.TableName, te.ProcessedRows, te.TotalRows)
			}
		}
	}
}

func TestExecuteContinuousStopsOnCancel(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleContinuous,
		SourceTables: []string{"dbo.users"},
		BatchRows:    100,
	})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var execErr error
	go func() {
		_, execErr = f.exec.Execute(ctx, "task-1", model.ExecCDCSync)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
	if execErr != nil {
		t.Fatalf("err = %v", execErr)
	}

	// Every poll got its own record and none was left open.
	execs, _ := f.store.ListExecutions(context.Background(), "task-1", 0)
	if len(execs) < 2 {
		t.Fatalf("executions = %d, want one per poll", len(execs))
	}
	for _, ex := range execs {
		if ex.Type != model.ExecCDCSync {
			t.Errorf("execution %s type = %s, want cdc_sync", ex.ID, ex.Type)
		}
		if ex.Status != model.ExecSuccess && ex.Status != model.ExecStopped {
			t.Errorf("execution %s status = %s", ex.ID, ex.Status)
		}
	}
}

func TestExecutionTypeFor(t *testing.T) {
	cases := []struct {
		mode model.TaskMode
		want model.ExecutionType
	}{
		{model.ModeFullLoad, model.ExecFullLoad},
		{model.ModeCDC, model.ExecCDCSync},
		{model.ModeFullLoadThenCDC, model.ExecFullLoadThenCDC},
	}
	for _, c := range cases {
		if got := ExecutionTypeFor(c.mode); got != c.want {
			t.Errorf("ExecutionTypeFor(%s) = %s, want %s", c.mode, got, c.want)
		}
	}
}
