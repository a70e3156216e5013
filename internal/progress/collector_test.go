package progress

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/model"
)

func TestCollectorTableLifecycle(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.TaskStarted("t1", "e1", []string{"dbo.Orders", "dbo.Customers"})
	c.TableStarted("t1", "dbo.Orders", 200)
	c.TableProgress("t1", "dbo.Orders", 50, 1024)
	c.TableProgress("t1", "dbo.Orders", 50, 1024)

	snap := c.Snapshot()
	if len(snap.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(snap.Tasks))
	}
	task := snap.Tasks[0]
	if task.Status != model.ExecRunning {
		t.Errorf("task status = %s", task.Status)
	}
	if len(task.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(task.Tables))
	}
	orders := task.Tables[0]
	if orders.ProcessedRows != 100 || orders.Percent != 50 {
		t.Errorf("orders = %d rows, %.0f%%", orders.ProcessedRows, orders.Percent)
	}
	if task.Tables[1].Status != model.TablePending {
		t.Errorf("untouched table status = %s", task.Tables[1].Status)
	}

	c.TableDone("t1", "dbo.Orders", model.TableSuccess)
	c.TaskFinished("t1", model.ExecPartialSuccess)

	snap = c.Snapshot()
	task = snap.Tasks[0]
	if task.Tables[0].Percent != 100 {
		t.Errorf("done table percent = %.0f", task.Tables[0].Percent)
	}
	if snap.TotalRows != 100 {
		t.Errorf("total rows = %d", snap.TotalRows)
	}
	if task.Status != model.ExecPartialSuccess {
		t.Errorf("finished task status = %s", task.Status)
	}
}

func TestCollectorCursorAndErrors(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.TaskStarted("t1", "e1", []string{"public.events"})
	c.CursorAdvanced("t1", "public.events", "0x0100")
	c.RecordError("t1", errors.New("socket closed"))

	snap := c.Snapshot()
	if snap.Tasks[0].Tables[0].Cursor != "0x0100" {
		t.Errorf("cursor = %q", snap.Tasks[0].Tables[0].Cursor)
	}
	if snap.ErrorCount != 1 || snap.LastError != "socket closed" {
		t.Errorf("errors = %d, last %q", snap.ErrorCount, snap.LastError)
	}
}

func TestCollectorSubscribe(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	c.TaskStarted("t1", "e1", []string{"a.b"})
	select {
	case snap := <-ch:
		if len(snap.Tasks) != 1 {
			t.Errorf("pushed snapshot has %d tasks", len(snap.Tasks))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot pushed")
	}
}

func TestLogRingCapacity(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{Message: fmt.Sprintf("entry %d", i)})
	}
	logs := c.Logs()
	if len(logs) > 500 {
		t.Fatalf("ring grew to %d entries", len(logs))
	}
	if logs[len(logs)-1].Message != "entry 599" {
		t.Errorf("newest entry = %q", logs[len(logs)-1].Message)
	}
}

func TestLogWriterParsesZerolog(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	logger := zerolog.New(NewLogWriter(c))
	logger.Info().Str("table", "dbo.Orders").Msg("batch written")

	logs := c.Logs()
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if logs[0].Level != "info" || logs[0].Message != "batch written" {
		t.Errorf("entry = %+v", logs[0])
	}
	if logs[0].Fields["table"] != "dbo.Orders" {
		t.Errorf("fields = %v", logs[0].Fields)
	}
}

func TestSlidingWindowRate(t *testing.T) {
	w := newSlidingWindow(time.Minute)
	now := time.Now()
	w.Add(now.Add(-10*time.Second), 500)
	w.Add(now, 500)
	rate := w.Rate()
	if rate < 50 || rate > 120 {
		t.Errorf("rate = %.1f rows/s, want ~100", rate)
	}

	// Entries beyond the window are evicted.
	w2 := newSlidingWindow(time.Second)
	w2.Add(now.Add(-time.Hour), 1e9)
	if r := w2.Rate(); r != 0 {
		t.Errorf("stale window rate = %.1f, want 0", r)
	}
}
