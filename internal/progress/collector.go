// Package progress aggregates transfer progress for the HTTP API, the
// WebSocket feed and the TUI. Pipelines report into a Sink; the Collector
// fans snapshots out to subscribers at a bounded rate.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/model"
)

// Sink receives progress events from running pipelines. Implementations
// must be safe for concurrent use by parallel table workers.
type Sink interface {
	TaskStarted(taskID, executionID string, tables []string)
	TaskFinished(taskID string, status model.ExecutionStatus)
	TableStarted(taskID, table string, totalRows int64)
	// TableProgress reports one committed batch: deltas, not totals.
	TableProgress(taskID, table string, deltaRows, deltaBytes int64)
	TableDone(taskID, table string, status model.TableStatus)
	CursorAdvanced(taskID, table, cursor string)
	RecordError(taskID string, err error)
}

// TableProgress is the per-table view inside a snapshot.
type TableProgress struct {
	Name          string            `json:"name"`
	Status        model.TableStatus `json:"status"`
	TotalRows     int64             `json:"total_rows"`
	ProcessedRows int64             `json:"processed_rows"`
	Percent       float64           `json:"percent"`
	Cursor        string            `json:"cursor,omitempty"`
	ElapsedSec    float64           `json:"elapsed_sec"`
	StartedAt     time.Time         `json:"-"`
}

// TaskProgress is the per-task view inside a snapshot.
type TaskProgress struct {
	TaskID      string                `json:"task_id"`
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
	Tables      []TableProgress       `json:"tables"`
	Percent     float64               `json:"percent"`
	StartedAt   time.Time             `json:"started_at"`
}

// Snapshot is the complete progress state at a point in time.
type Snapshot struct {
	Timestamp   time.Time      `json:"timestamp"`
	Tasks       []TaskProgress `json:"tasks"`
	RowsPerSec  float64        `json:"rows_per_sec"`
	BytesPerSec float64        `json:"bytes_per_sec"`
	TotalRows   int64          `json:"total_rows"`
	TotalBytes  int64          `json:"total_bytes"`
	ErrorCount  int            `json:"error_count"`
	LastError   string         `json:"last_error,omitempty"`
}

// LogEntry is a log line captured for the UI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type taskState struct {
	executionID string
	status      model.ExecutionStatus
	startedAt   time.Time
	tables      map[string]*TableProgress
	tableOrder  []string
}

// Collector is the production Sink. It keeps an in-memory view of every
// active task, computes sliding-window throughput and pushes snapshots to
// subscribers.
type Collector struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	tasks      map[string]*taskState
	taskOrder  []string

	totalRows  atomic.Int64
	totalBytes atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Value // string

	rowWindow  *slidingWindow
	byteWindow *slidingWindow

	// remote, when set, replaces the locally aggregated view. The TUI
	// command uses this to mirror a daemon's snapshot over HTTP.
	remote *Snapshot

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector starts a collector and its broadcast loop.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "progress").Logger(),
		tasks:       make(map[string]*taskState),
		subscribers: make(map[chan Snapshot]struct{}),
		rowWindow:   newSlidingWindow(60 * time.Second),
		byteWindow:  newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

func (c *Collector) TaskStarted(taskID, executionID string, tables []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &taskState{
		executionID: executionID,
		status:      model.ExecRunning,
		startedAt:   time.Now(),
		tables:      make(map[string]*TableProgress, len(tables)),
	}
	for _, t := range tables {
		st.tables[t] = &TableProgress{Name: t, Status: model.TablePending}
		st.tableOrder = append(st.tableOrder, t)
	}
	if _, known := c.tasks[taskID]; !known {
		c.taskOrder = append(c.taskOrder, taskID)
	}
	c.tasks[taskID] = st
}

func (c *Collector) TaskFinished(taskID string, status model.ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskID]; ok {
		st.status = status
	}
}

func (c *Collector) TableStarted(taskID, table string, totalRows int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp := c.table(taskID, table); tp != nil {
		tp.Status = model.TableRunning
		tp.TotalRows = totalRows
		tp.ProcessedRows = 0
		tp.Percent = 0
		tp.StartedAt = time.Now()
	}
}

func (c *Collector) TableProgress(taskID, table string, deltaRows, deltaBytes int64) {
	c.mu.Lock()
	if tp := c.table(taskID, table); tp != nil {
		tp.ProcessedRows += deltaRows
		if tp.TotalRows > 0 {
			tp.Percent = float64(tp.ProcessedRows) / float64(tp.TotalRows) * 100
		}
		if !tp.StartedAt.IsZero() {
			tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
		}
	}
	c.mu.Unlock()

	now := time.Now()
	c.rowWindow.Add(now, float64(deltaRows))
	c.byteWindow.Add(now, float64(deltaBytes))
	c.totalBytes.Add(deltaBytes)
}

func (c *Collector) TableDone(taskID, table string, status model.TableStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp := c.table(taskID, table); tp != nil {
		tp.Status = status
		if status == model.TableSuccess {
			tp.Percent = 100
			c.totalRows.Add(tp.ProcessedRows)
		}
		if !tp.StartedAt.IsZero() {
			tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
		}
	}
}

func (c *Collector) CursorAdvanced(taskID, table, cursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp := c.table(taskID, table); tp != nil {
		tp.Cursor = cursor
	}
}

func (c *Collector) RecordError(taskID string, err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
		c.logger.Warn().Str("task_id", taskID).Err(err).Msg("pipeline error")
	}
}

// table returns the tracked table entry; callers hold c.mu.
func (c *Collector) table(taskID, table string) *TableProgress {
	st, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	tp, ok := st.tables[table]
	if !ok {
		tp = &TableProgress{Name: table, Status: model.TablePending}
		st.tables[table] = tp
		st.tableOrder = append(st.tableOrder, table)
	}
	return tp
}

// SetRemote makes the collector mirror a snapshot fetched from another
// process instead of its own aggregation.
func (c *Collector) SetRemote(snap Snapshot) {
	c.mu.Lock()
	c.remote = &snap
	c.mu.Unlock()
}

// Snapshot returns the current progress state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.remote != nil {
		return *c.remote
	}

	tasks := make([]TaskProgress, 0, len(c.taskOrder))
	for _, id := range c.taskOrder {
		st := c.tasks[id]
		tp := TaskProgress{
			TaskID:      id,
			ExecutionID: st.executionID,
			Status:      st.status,
			StartedAt:   st.startedAt,
			Tables:      make([]TableProgress, 0, len(st.tableOrder)),
		}
		var sum float64
		for _, key := range st.tableOrder {
			t := *st.tables[key]
			tp.Tables = append(tp.Tables, t)
			sum += t.Percent
		}
		if len(tp.Tables) > 0 {
			tp.Percent = sum / float64(len(tp.Tables))
		}
		tasks = append(tasks, tp)
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}
	return Snapshot{
		Timestamp:   time.Now(),
		Tasks:       tasks,
		RowsPerSec:  c.rowWindow.Rate(),
		BytesPerSec: c.byteWindow.Rate(),
		TotalRows:   c.totalRows.Load(),
		TotalBytes:  c.totalBytes.Load(),
		ErrorCount:  int(c.errorCount.Load()),
		LastError:   lastErr,
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		// Drop the oldest quarter in one shift.
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Subscribe returns a channel receiving periodic snapshots.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

var _ Sink = (*Collector)(nil)

// --- sliding window for throughput ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
