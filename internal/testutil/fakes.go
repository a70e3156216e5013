// Package testutil provides in-memory source, destination and sink fakes
// with scriptable failures for pipeline and executor tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/pkg/cursor"
)

// CDCBatch is one scripted poll result of a fake table.
type CDCBatch struct {
	Rows   [][]any
	Cursor cursor.Cursor
}

// FakeTable is the scripted content of one source table.
type FakeTable struct {
	Columns    []batch.ColumnSpec
	Rows       [][]any
	CDCEnabled bool
	CDCBatches []CDCBatch

	cdcAt int
}

// FakeSource implements source.Source from scripted tables.
type FakeSource struct {
	mu     sync.Mutex
	Tables map[string]*FakeTable

	// ReadFailures errors the next N ReadBatch calls per table.
	ReadFailures map[string]int
	// ReadErr is the error those failing reads return.
	ReadErr error

	Connected bool
	Closed    bool
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		Tables:       map[string]*FakeTable{},
		ReadFailures: map[string]int{},
	}
}

// AddTable scripts a table with sequential integer ids.
func (s *FakeSource) AddTable(name string, rows int) *FakeTable {
	t := &FakeTable{
		Columns: []batch.ColumnSpec{
			{Name: "id", Type: "bigint", PrimaryKey: true},
			{Name: "name", Type: "varchar", MaxLength: 64, Nullable: true},
		},
	}
	for i := 0; i < rows; i++ {
		t.Rows = append(t.Rows, []any{int64(i + 1), fmt.Sprintf("row-%d", i+1)})
	}
	s.Tables[name] = t
	return t
}

func (s *FakeSource) Connect(context.Context) error { s.Connected = true; return nil }
func (s *FakeSource) Close() error                  { s.Closed = true; return nil }
func (s *FakeSource) Ping(context.Context) error    { return nil }
func (s *FakeSource) DB() *sql.DB                   { return nil }
func (s *FakeSource) DatabaseName() string          { return "fakedb" }

func (s *FakeSource) Dialect() source.Dialect {
	return source.Dialect{
		QuoteIdent:  func(n string) string { return `"` + n + `"` },
		Placeholder: func(i int) string { return "?" },
	}
}

func (s *FakeSource) ListTables(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for n := range s.Tables {
		names = append(names, n)
	}
	return names, nil
}

func (s *FakeSource) table(name string) (*FakeTable, error) {
	t, ok := s.Tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, model.ErrNotFound)
	}
	return t, nil
}

func (s *FakeSource) Columns(_ context.Context, name string) ([]batch.ColumnSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return append([]batch.ColumnSpec(nil), t.Columns...), nil
}

func (s *FakeSource) RowCount(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	return int64(len(t.Rows)), nil
}

func (s *FakeSource) ReadBatch(_ context.Context, name string, offset, limit int) (*batch.RowBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.ReadFailures[name]; n > 0 {
		s.ReadFailures[name] = n - 1
		if s.ReadErr != nil {
			return nil, s.ReadErr
		}
		return nil, fmt.Errorf("%w: scripted read failure", model.ErrTransient)
	}
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	b := batch.New(append([]batch.ColumnSpec(nil), t.Columns...))
	for i := offset; i < len(t.Rows) && i < offset+limit; i++ {
		b.Rows = append(b.Rows, append([]any(nil), t.Rows[i]...))
	}
	return b, nil
}

func (s *FakeSource) CDCEnabled(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return false, err
	}
	return t.CDCEnabled, nil
}

func (s *FakeSource) EnableCDC(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return err
	}
	t.CDCEnabled = true
	return nil
}

func (s *FakeSource) ReadCDC(_ context.Context, name string, from cursor.Cursor, _ int) (*batch.RowBatch, cursor.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return nil, from, err
	}
	if !t.CDCEnabled {
		return nil, from, fmt.Errorf("table %s: %w", name, model.ErrNotEnabled)
	}
	if t.cdcAt >= len(t.CDCBatches) {
		return batch.New(nil), from, nil
	}
	next := t.CDCBatches[t.cdcAt]
	t.cdcAt++
	cols := append([]batch.ColumnSpec{{Name: "_operation", Type: "varchar", MaxLength: 16}}, t.Columns...)
	b := batch.New(cols)
	b.Rows = next.Rows
	return b, next.Cursor, nil
}

var _ source.Source = (*FakeSource)(nil)

// WriteRecord captures one committed fake write.
type WriteRecord struct {
	Table string
	Path  string
	Mode  destination.WriteMode
	Rows  int64
}

// FakeDestination implements destination.Destination in memory.
type FakeDestination struct {
	mu sync.Mutex

	// FailWrites errors the next N Write calls, after FailWritesAfter
	// successful ones.
	FailWrites      int
	FailWritesAfter int
	WriteErr        error

	Writes    []WriteRecord
	Cleanups  []string
	TableCols map[string][]batch.ColumnSpec

	Connected bool
	Closed    bool
}

func NewFakeDestination() *FakeDestination {
	return &FakeDestination{TableCols: map[string][]batch.ColumnSpec{}}
}

func (d *FakeDestination) Connect(context.Context) error { d.Connected = true; return nil }
func (d *FakeDestination) Close() error                  { d.Closed = true; return nil }
func (d *FakeDestination) Ping(context.Context) error    { return nil }

func (d *FakeDestination) EnsureTable(_ context.Context, table string, cols []batch.ColumnSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.TableCols[table]; !ok {
		d.TableCols[table] = append([]batch.ColumnSpec(nil), cols...)
	}
	return nil
}

func (d *FakeDestination) EnsureColumns(_ context.Context, table string, cols []batch.ColumnSpec) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	have := map[string]struct{}{}
	for _, c := range d.TableCols[table] {
		have[c.Name] = struct{}{}
	}
	var added []string
	for _, c := range cols {
		if _, ok := have[c.Name]; !ok {
			d.TableCols[table] = append(d.TableCols[table], c)
			added = append(added, c.Name)
		}
	}
	return added, nil
}

func (d *FakeDestination) Write(_ context.Context, opts destination.Options, b *batch.RowBatch) (destination.WriteResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWritesAfter > 0 {
		d.FailWritesAfter--
	} else if d.FailWrites > 0 {
		d.FailWrites--
		if d.WriteErr != nil {
			return destination.WriteResult{}, d.WriteErr
		}
		return destination.WriteResult{}, fmt.Errorf("%w: scripted write failure", model.ErrWrite)
	}
	d.Writes = append(d.Writes, WriteRecord{
		Table: opts.Table,
		Path:  opts.Path,
		Mode:  opts.Mode,
		Rows:  int64(b.NumRows()),
	})
	return destination.WriteResult{
		RowsWritten:  int64(b.NumRows()),
		BytesWritten: b.EstimateBytes(),
		Artifact:     opts.Table,
	}, nil
}

func (d *FakeDestination) CleanupPartial(_ context.Context, scope string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Cleanups = append(d.Cleanups, scope)
	return nil
}

// RowsFor sums committed rows for a destination table.
func (d *FakeDestination) RowsFor(table string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, w := range d.Writes {
		if w.Table == table {
			n += w.Rows
		}
	}
	return n
}

var _ destination.Destination = (*FakeDestination)(nil)

// SinkEvent is one recorded progress event.
type SinkEvent struct {
	Kind   string
	TaskID string
	Table  string
	Value  int64
	Text   string
}

// FakeSink records progress events in order.
type FakeSink struct {
	mu     sync.Mutex
	Events []SinkEvent
}

func NewFakeSink() *FakeSink { return &FakeSink{} }

func (s *FakeSink) add(e SinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, e)
}

func (s *FakeSink) TaskStarted(taskID, executionID string, _ []string) {
	s.add(SinkEvent{Kind: "task_started", TaskID: taskID, Text: executionID})
}

func (s *FakeSink) TaskFinished(taskID string, status model.ExecutionStatus) {
	s.add(SinkEvent{Kind: "task_finished", TaskID: taskID, Text: string(status)})
}

func (s *FakeSink) TableStarted(taskID, table string, totalRows int64) {
	s.add(SinkEvent{Kind: "table_started", TaskID: taskID, Table: table, Value: totalRows})
}

func (s *FakeSink) TableProgress(taskID, table string, deltaRows, _ int64) {
	s.add(SinkEvent{Kind: "table_progress", TaskID: taskID, Table: table, Value: deltaRows})
}

func (s *FakeSink) TableDone(taskID, table string, status model.TableStatus) {
	s.add(SinkEvent{Kind: "table_done", TaskID: taskID, Table: table, Text: string(status)})
}

func (s *FakeSink) CursorAdvanced(taskID, table, cur string) {
	s.add(SinkEvent{Kind: "cursor_advanced", TaskID: taskID, Table: table, Text: cur})
}

func (s *FakeSink) RecordError(taskID string, err error) {
	text := ""
	if err != nil {
		text = err.Error()
	}
	s.add(SinkEvent{Kind: "error", TaskID: taskID, Text: text})
}

// Count returns how many events of a kind were recorded.
func (s *FakeSink) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var _ progress.Sink = (*FakeSink)(nil)
