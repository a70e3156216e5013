package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/pkg/cursor"
)

func testTask(id string) model.Task {
	return model.Task{
		ID:                     id,
		Name:                   "task-" + id,
		SourceConnectorID:      "src",
		DestinationConnectorID: "dst",
		SourceTables:           []string{"dbo.Orders", "dbo.Customers"},
		Mode:                   model.ModeFullLoad,
		ScheduleType:           model.ScheduleOnDemand,
		BatchRows:              1000,
		ParallelTables:         1,
		IsActive:               true,
	}
}

func TestAdvanceCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatal(err)
	}

	c1, _ := cursor.Parse("0x0010")
	c2, _ := cursor.Parse("0x0020")

	if err := s.AdvanceCursor(ctx, "t1", "dbo.Orders", c2); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	err := s.AdvanceCursor(ctx, "t1", "dbo.Orders", c1)
	if !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("backwards advance: got %v, want ErrInvariant", err)
	}
	// Equal cursor is an allowed no-op.
	if err := s.AdvanceCursor(ctx, "t1", "dbo.Orders", c2); err != nil {
		t.Fatalf("equal advance: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CDCState["dbo.Orders"].LastCursor != "0x0020" {
		t.Fatalf("stored cursor = %q, want 0x0020", got.CDCState["dbo.Orders"].LastCursor)
	}
}

func TestUpdateTaskPrunesRemovedTables(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatal(err)
	}
	c, _ := cursor.Parse("0x01")
	if err := s.AdvanceCursor(ctx, "t1", "dbo.Orders", c); err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceCursor(ctx, "t1", "dbo.Customers", c); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFullLoadComplete(ctx, "t1", "dbo.Customers", time.Now()); err != nil {
		t.Fatal(err)
	}

	upd := testTask("t1")
	upd.SourceTables = []string{"dbo.Orders"}
	if err := s.UpdateTask(ctx, upd); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.CDCState["dbo.Customers"]; ok {
		t.Error("cdc_state kept entry for removed table")
	}
	if _, ok := got.CDCState["dbo.Orders"]; !ok {
		t.Error("cdc_state lost entry for kept table")
	}
	if _, ok := got.FullLoadCompleted["dbo.Customers"]; ok {
		t.Error("full_load_completed kept entry for removed table")
	}
}

func TestDeleteConnectorRefusesWhileReferenced(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, id := range []string{"src", "dst"} {
		c := model.Connector{ID: id, Name: id, Kind: model.KindSource, Variant: string(model.SourcePostgreSQL),
			Config: map[string]any{"host": "localhost"}, IsActive: true}
		if err := s.CreateConnector(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConnector(ctx, "src"); !errors.Is(err, model.ErrConfigInvalid) {
		t.Fatalf("delete referenced connector: got %v, want ErrConfigInvalid", err)
	}
	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConnector(ctx, "src"); err != nil {
		t.Fatalf("delete after task removal: %v", err)
	}
}

func TestMarkInFlightStopped(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateExecution(ctx, model.TaskExecution{ID: "e1", TaskID: "t1", Type: model.ExecFullLoad, Status: model.ExecRunning}); err != nil {
		t.Fatal(err)
	}
	for id, st := range map[string]model.TableStatus{
		"te1": model.TableRunning,
		"te2": model.TablePending,
		"te3": model.TableSuccess,
	} {
		te := model.TableExecution{ID: id, ExecutionID: "e1", TableName: id, Status: st}
		if err := s.CreateTableExecution(ctx, te); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MarkInFlightStopped(ctx, "e1", "stopped by user"); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListTableExecutions(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	for _, te := range list {
		switch te.ID {
		case "te3":
			if te.Status != model.TableSuccess {
				t.Errorf("%s: completed table touched, status %s", te.ID, te.Status)
			}
		default:
			if te.Status != model.TableStopped {
				t.Errorf("%s: status %s, want stopped", te.ID, te.Status)
			}
		}
	}
}

func TestExecutionCountersAccumulate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateExecution(ctx, model.TaskExecution{ID: "e1", TaskID: "t1", Type: model.ExecFullLoad, Status: model.ExecRunning}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.AddExecutionCounters(ctx, "e1", 100, 1, 0.5); err != nil {
			t.Fatal(err)
		}
	}
	e, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ProcessedRows != 300 || e.FailedRows != 3 || e.DataSizeMB != 1.5 {
		t.Fatalf("counters = %d/%d/%g, want 300/3/1.5", e.ProcessedRows, e.FailedRows, e.DataSizeMB)
	}
}

func TestLatestExecution(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now()
	n := 0
	s.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := s.CreateExecution(ctx, model.TaskExecution{ID: id, TaskID: "t1", Type: model.ExecCDCSync, Status: model.ExecSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	e, err := s.LatestExecution(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "e3" {
		t.Fatalf("latest = %s, want e3", e.ID)
	}
	if _, err := s.LatestExecution(ctx, "other"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("latest for unknown task: got %v, want ErrNotFound", err)
	}
}
