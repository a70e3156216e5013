package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/pkg/cursor"
)

// Memory is an in-process Store used by tests and the standalone dev mode.
// It applies the same invariants as the Postgres store.
type Memory struct {
	mu         sync.Mutex
	connectors map[string]model.Connector
	tasks      map[string]model.Task
	execs      map[string]model.TaskExecution
	tableExecs map[string]model.TableExecution
	variables  map[string]model.GlobalVariable
	now        func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		connectors: map[string]model.Connector{},
		tasks:      map[string]model.Task{},
		execs:      map[string]model.TaskExecution{},
		tableExecs: map[string]model.TableExecution{},
		variables:  map[string]model.GlobalVariable{},
		now:        time.Now,
	}
}

// --- connectors ---

func (s *Memory) CreateConnector(_ context.Context, c model.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connectors[c.ID]; ok {
		return fmt.Errorf("%w: connector %s already exists", model.ErrConfigInvalid, c.ID)
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.connectors[c.ID] = c
	return nil
}

func (s *Memory) GetConnector(_ context.Context, id string) (model.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return model.Connector{}, fmt.Errorf("connector %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (s *Memory) ListConnectors(_ context.Context) ([]model.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]model.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *Memory) UpdateConnector(_ context.Context, c model.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.connectors[c.ID]
	if !ok {
		return fmt.Errorf("connector %s: %w", c.ID, model.ErrNotFound)
	}
	c.CreatedAt = cur.CreatedAt
	c.LastTestedAt = cur.LastTestedAt
	c.TestStatus = cur.TestStatus
	c.UpdatedAt = s.now()
	s.connectors[c.ID] = c
	return nil
}

func (s *Memory) DeleteConnector(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connectors[id]; !ok {
		return fmt.Errorf("connector %s: %w", id, model.ErrNotFound)
	}
	refs := 0
	for _, t := range s.tasks {
		if t.SourceConnectorID == id || t.DestinationConnectorID == id {
			refs++
		}
	}
	if refs > 0 {
		return fmt.Errorf("%w: connector %s is referenced by %d task(s)", model.ErrConfigInvalid, id, refs)
	}
	delete(s.connectors, id)
	return nil
}

func (s *Memory) RecordConnectorTest(_ context.Context, id string, ok bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, found := s.connectors[id]
	if !found {
		return fmt.Errorf("connector %s: %w", id, model.ErrNotFound)
	}
	c.LastTestedAt = &at
	if ok {
		c.TestStatus = "success"
	} else {
		c.TestStatus = "failed"
	}
	c.UpdatedAt = s.now()
	s.connectors[id] = c
	return nil
}

// --- tasks ---

func (s *Memory) CreateTask(_ context.Context, t model.Task) error {
	if err := model.ValidateTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s already exists", model.ErrConfigInvalid, t.ID)
	}
	t.Status = model.TaskCreated
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	s.tasks[t.ID] = t
	return nil
}

func (s *Memory) GetTask(_ context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return t, nil
}

func (s *Memory) ListTasks(_ context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *Memory) UpdateTask(_ context.Context, t model.Task) error {
	if err := model.ValidateTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}

	keep := make(map[string]struct{}, len(t.SourceTables))
	for _, tbl := range t.SourceTables {
		keep[tbl] = struct{}{}
	}
	t.CDCState = map[string]model.TableCDCState{}
	for tbl, st := range cur.CDCState {
		if _, kept := keep[tbl]; kept {
			t.CDCState[tbl] = st
		}
	}
	t.FullLoadCompleted = map[string]time.Time{}
	for tbl, at := range cur.FullLoadCompleted {
		if _, kept := keep[tbl]; kept {
			t.FullLoadCompleted[tbl] = at
		}
	}

	t.Status = cur.Status
	t.ProgressPercent = cur.ProgressPercent
	t.LastRunAt = cur.LastRunAt
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	s.tasks[t.ID] = t
	return nil
}

func (s *Memory) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	delete(s.tasks, id)
	for eid, e := range s.execs {
		if e.TaskID == id {
			delete(s.execs, eid)
			for tid, te := range s.tableExecs {
				if te.ExecutionID == eid {
					delete(s.tableExecs, tid)
				}
			}
		}
	}
	return nil
}

func (s *Memory) UpdateTaskStatus(_ context.Context, id string, status model.TaskStatus, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	t.Status = status
	t.ProgressPercent = progress
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return nil
}

func (s *Memory) SetTaskLastRun(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	t.LastRunAt = &at
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return nil
}

func (s *Memory) AdvanceCursor(_ context.Context, taskID, table string, cur cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	prev, err := cursor.Parse(t.CDCState[table].LastCursor)
	if err != nil {
		return fmt.Errorf("stored cursor for %s: %w", table, err)
	}
	if cursor.Compare(cur, prev) < 0 {
		return fmt.Errorf("%w: cursor for %s would move backwards (%s -> %s)",
			model.ErrInvariant, table, prev, cur)
	}
	if t.CDCState == nil {
		t.CDCState = map[string]model.TableCDCState{}
	}
	st := t.CDCState[table]
	st.LastCursor = cur.String()
	t.CDCState[table] = st
	t.UpdatedAt = s.now()
	s.tasks[taskID] = t
	return nil
}

func (s *Memory) SetTableCDCEnabled(_ context.Context, taskID, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if t.CDCState == nil {
		t.CDCState = map[string]model.TableCDCState{}
	}
	st := t.CDCState[table]
	st.Enabled = true
	t.CDCState[table] = st
	t.UpdatedAt = s.now()
	s.tasks[taskID] = t
	return nil
}

func (s *Memory) MarkFullLoadComplete(_ context.Context, taskID, table string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if t.FullLoadCompleted == nil {
		t.FullLoadCompleted = map[string]time.Time{}
	}
	t.FullLoadCompleted[table] = at
	t.UpdatedAt = s.now()
	s.tasks[taskID] = t
	return nil
}

// --- task executions ---

func (s *Memory) CreateExecution(_ context.Context, e model.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; ok {
		return fmt.Errorf("%w: execution %s already exists", model.ErrConfigInvalid, e.ID)
	}
	e.CreatedAt = s.now()
	s.execs[e.ID] = e
	return nil
}

func (s *Memory) GetExecution(_ context.Context, id string) (model.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return model.TaskExecution{}, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}

func (s *Memory) executionsFor(taskID string) []model.TaskExecution {
	list := []model.TaskExecution{}
	for _, e := range s.execs {
		if e.TaskID == taskID {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

func (s *Memory) LatestExecution(_ context.Context, taskID string) (model.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.executionsFor(taskID)
	if len(list) == 0 {
		return model.TaskExecution{}, fmt.Errorf("no executions for task %s: %w", taskID, model.ErrNotFound)
	}
	return list[0], nil
}

func (s *Memory) ListExecutions(_ context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.executionsFor(taskID)
	if limit <= 0 {
		limit = 50
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Memory) UpdateExecution(_ context.Context, id string, u ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.TotalRows != nil {
		e.TotalRows = *u.TotalRows
	}
	if u.ProgressPercent != nil {
		e.ProgressPercent = *u.ProgressPercent
	}
	if u.RowsPerSecond != nil {
		e.RowsPerSecond = *u.RowsPerSecond
	}
	if u.ErrorMessage != nil {
		e.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorDetails != nil {
		e.ErrorDetails = u.ErrorDetails
	}
	if u.CDCLSNStart != nil {
		e.CDCLSNStart = *u.CDCLSNStart
	}
	if u.CDCLSNEnd != nil {
		e.CDCLSNEnd = *u.CDCLSNEnd
	}
	if u.SchemaChanges != nil {
		e.SchemaChanges = u.SchemaChanges
	}
	if u.StartedAt != nil {
		e.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		e.CompletedAt = u.CompletedAt
		if e.StartedAt != nil {
			e.DurationSeconds = u.CompletedAt.Sub(*e.StartedAt).Seconds()
		}
	}
	s.execs[id] = e
	return nil
}

func (s *Memory) AddExecutionCounters(_ context.Context, id string, rows, failed int64, sizeMB float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	e.ProcessedRows += rows
	e.FailedRows += failed
	e.DataSizeMB += sizeMB
	s.execs[id] = e
	return nil
}

// --- table executions ---

func (s *Memory) CreateTableExecution(_ context.Context, te model.TableExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tableExecs[te.ID]; ok {
		return fmt.Errorf("%w: table execution %s already exists", model.ErrConfigInvalid, te.ID)
	}
	te.CreatedAt = s.now()
	s.tableExecs[te.ID] = te
	return nil
}

func (s *Memory) GetTableExecution(_ context.Context, id string) (model.TableExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.tableExecs[id]
	if !ok {
		return model.TableExecution{}, fmt.Errorf("table execution %s: %w", id, model.ErrNotFound)
	}
	return te, nil
}

func (s *Memory) ListTableExecutions(_ context.Context, executionID string) ([]model.TableExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []model.TableExecution{}
	for _, te := range s.tableExecs {
		if te.ExecutionID == executionID {
			list = append(list, te)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *Memory) UpdateTableExecution(_ context.Context, id string, u TableExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.tableExecs[id]
	if !ok {
		return fmt.Errorf("table execution %s: %w", id, model.ErrNotFound)
	}
	if u.Status != nil {
		te.Status = *u.Status
	}
	if u.TotalRows != nil {
		te.TotalRows = *u.TotalRows
	}
	if u.ProcessedRows != nil {
		te.ProcessedRows = *u.ProcessedRows
	}
	if u.RetryCount != nil {
		te.RetryCount = *u.RetryCount
	}
	if u.LastRetryAt != nil {
		te.LastRetryAt = u.LastRetryAt
	}
	if u.StartedAt != nil {
		te.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		te.CompletedAt = u.CompletedAt
	}
	if u.ErrorMessage != nil {
		te.ErrorMessage = *u.ErrorMessage
	}
	s.tableExecs[id] = te
	return nil
}

func (s *Memory) AddTableExecutionProgress(_ context.Context, id string, rows, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.tableExecs[id]
	if !ok {
		return fmt.Errorf("table execution %s: %w", id, model.ErrNotFound)
	}
	te.ProcessedRows += rows
	te.FailedRows += failed
	s.tableExecs[id] = te
	return nil
}

func (s *Memory) MarkInFlightStopped(_ context.Context, executionID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, te := range s.tableExecs {
		if te.ExecutionID != executionID {
			continue
		}
		if te.Status == model.TablePending || te.Status == model.TableRunning {
			te.Status = model.TableStopped
			te.ErrorMessage = message
			te.CompletedAt = &now
			s.tableExecs[id] = te
		}
	}
	return nil
}

// --- global variables ---

func (s *Memory) CreateVariable(_ context.Context, v model.GlobalVariable) error {
	if err := model.ValidateVariable(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.variables {
		if cur.Name == v.Name {
			return fmt.Errorf("%w: variable %q already exists", model.ErrConfigInvalid, v.Name)
		}
	}
	v.CreatedAt = s.now()
	v.UpdatedAt = v.CreatedAt
	s.variables[v.ID] = v
	return nil
}

func (s *Memory) GetVariableByName(_ context.Context, name string) (model.GlobalVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.variables {
		if v.Name == name {
			return v, nil
		}
	}
	return model.GlobalVariable{}, fmt.Errorf("variable %s: %w", name, model.ErrNotFound)
}

func (s *Memory) ListVariables(_ context.Context, activeOnly bool) ([]model.GlobalVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []model.GlobalVariable{}
	for _, v := range s.variables {
		if activeOnly && !v.IsActive {
			continue
		}
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (s *Memory) UpdateVariable(_ context.Context, v model.GlobalVariable) error {
	if err := model.ValidateVariable(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.variables[v.ID]
	if !ok {
		return fmt.Errorf("variable %s: %w", v.ID, model.ErrNotFound)
	}
	v.CreatedAt = cur.CreatedAt
	v.UpdatedAt = s.now()
	s.variables[v.ID] = v
	return nil
}

func (s *Memory) DeleteVariable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variables[id]; !ok {
		return fmt.Errorf("variable %s: %w", id, model.ErrNotFound)
	}
	delete(s.variables, id)
	return nil
}

// --- dashboard ---

func (s *Memory) Metrics(_ context.Context) (DashboardMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := DashboardMetrics{
		TotalTasks:       len(s.tasks),
		TotalConnectors:  len(s.connectors),
		RecentExecutions: []model.TaskExecution{},
	}
	for _, t := range s.tasks {
		switch t.Status {
		case model.TaskRunning:
			m.RunningTasks++
		case model.TaskCompleted:
			m.CompletedTasks++
		case model.TaskFailed:
			m.FailedTasks++
		}
	}
	cutoff := s.now().Add(-24 * time.Hour)
	all := []model.TaskExecution{}
	for _, e := range s.execs {
		m.TotalRows += e.ProcessedRows
		m.TotalDataSizeMB += e.DataSizeMB
		if e.Status == model.ExecPending || e.Status == model.ExecRunning {
			m.ActiveExecutions++
		}
		if e.CreatedAt.After(cutoff) {
			m.ExecutionsLast24h++
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > 10 {
		all = all[:10]
	}
	m.RecentExecutions = all
	return m, nil
}

var _ Store = (*Memory)(nil)
