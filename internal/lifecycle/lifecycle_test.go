package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/executor"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/testutil"
)

type fixture struct {
	store *store.Memory
	src   *testutil.FakeSource
	ctl   *Controller
}

func newFixture(t *testing.T, task model.Task) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	if err := st.CreateConnector(ctx, model.Connector{
		ID: "src-1", Name: "prod-db", Kind: model.KindSource, Variant: "sql_server",
		Config: map[string]any{"host": "db1.internal"}, IsActive: true,
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

	src := testutil.NewFakeSource()
	dst := testutil.NewFakeDestination()
	exec := executor.New(st, nil, zerolog.Nop())
	exec.PollInterval = 10 * time.Millisecond
	exec.SetAdapters(
		func(model.Connector, zerolog.Logger) (source.Source, error) { return src, nil },
		func(model.Connector, zerolog.Logger) (destination.Destination, error) { return dst, nil },
	)

	return &fixture{
		store: st,
		src:   src,
		ctl:   New(st, exec, zerolog.Nop()),
	}
}

func (f *fixture) status(t *testing.T) model.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	return task.Status
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	f.src.AddTable("dbo.users", 5)

	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")

	if got := f.status(t); got != model.TaskCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	task, _ := f.store.GetTask(context.Background(), "task-1")
	if task.ProgressPercent != 100 {
		t.Errorf("progress = %.0f, want 100", task.ProgressPercent)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleContinuous,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true

	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.ctl.Running("task-1") })

	// A second start must not spawn a second job.
	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	if got := len(f.ctl.ActiveTasks()); got != 1 {
		t.Errorf("active jobs = %d, want 1", got)
	}

	if err := f.ctl.Stop(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")
	if got := f.status(t); got != model.TaskStopped {
		t.Errorf("status = %s, want stopped", got)
	}
}

func TestConcurrentStartLaunchesOneJob(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleContinuous,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true

	var wg sync.WaitGroup
	gate := make(chan struct{})
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			errs <- f.ctl.Start(context.Background(), "task-1")
		}()
	}
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if got := len(f.ctl.ActiveTasks()); got != 1 {
		t.Fatalf("active jobs = %d, want 1", got)
	}

	if err := f.ctl.Stop(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")
	if got := f.status(t); got != model.TaskStopped {
		t.Errorf("status = %s, want stopped", got)
	}

	// An orphaned second loop would keep recording executions after the
	// stop settled.
	before, _ := f.store.ListExecutions(context.Background(), "task-1", 0)
	time.Sleep(50 * time.Millisecond)
	after, _ := f.store.ListExecutions(context.Background(), "task-1", 0)
	if len(after) != len(before) {
		t.Errorf("executions grew from %d to %d after stop", len(before), len(after))
	}
}

func TestStopWithoutJobFixesStaleStatus(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	if err := f.store.UpdateTaskStatus(context.Background(), "task-1", model.TaskRunning, 40); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.Stop(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	if got := f.status(t); got != model.TaskStopped {
		t.Errorf("status = %s, want stopped", got)
	}
}

func TestStopWhenNotRunningFails(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	err := f.ctl.Stop(context.Background(), "task-1")
	if !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleContinuous,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true

	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.ctl.Running("task-1") })

	if err := f.ctl.Pause(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")
	if got := f.status(t); got != model.TaskPaused {
		t.Errorf("status = %s, want paused", got)
	}

	// Start refuses a paused task; Resume continues it.
	if err := f.ctl.Start(context.Background(), "task-1"); !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("start on paused = %v, want ErrInvariant", err)
	}
	if err := f.ctl.Resume(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.ctl.Running("task-1") })

	if err := f.ctl.Stop(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")
}

func TestRestartAfterFailure(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeFullLoad, ScheduleType: model.ScheduleOnDemand,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	f.src.AddTable("dbo.users", 5)
	// One read failure: the first run fails (no retry policy), the restart
	// finds a healthy source.
	f.src.ReadFailures["dbo.users"] = 1

	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")
	if got := f.status(t); got != model.TaskFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	// A failed task can be started again.
	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	f.ctl.Wait("task-1")
	if got := f.status(t); got != model.TaskCompleted {
		t.Errorf("status after restart = %s, want completed", got)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t, model.Task{
		Mode: model.ModeCDC, ScheduleType: model.ScheduleContinuous,
		SourceTables: []string{"dbo.users"}, BatchRows: 10,
	})
	tbl := f.src.AddTable("dbo.users", 0)
	tbl.CDCEnabled = true

	if err := f.ctl.Start(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.ctl.Running("task-1") })

	f.ctl.Shutdown()
	if len(f.ctl.ActiveTasks()) != 0 {
		t.Error("jobs still active after shutdown")
	}
	if got := f.status(t); got != model.TaskStopped {
		t.Errorf("status = %s, want stopped", got)
	}
}
