// Package store persists connectors, tasks, executions and global
// variables. The Postgres implementation is the production store; the
// Memory implementation backs tests.
package store

import (
	"context"
	"time"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/pkg/cursor"
)

// ExecutionUpdate carries the mutable fields of a TaskExecution. Nil
// pointers leave the stored value untouched.
type ExecutionUpdate struct {
	Status          *model.ExecutionStatus
	TotalRows       *int64
	ProgressPercent *float64
	RowsPerSecond   *float64
	ErrorMessage    *string
	ErrorDetails    map[string]any
	CDCLSNStart     *string
	CDCLSNEnd       *string
	SchemaChanges   []string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// TableExecutionUpdate carries the mutable fields of a TableExecution.
type TableExecutionUpdate struct {
	Status        *model.TableStatus
	TotalRows     *int64
	ProcessedRows *int64
	RetryCount    *int
	LastRetryAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
}

// DashboardMetrics is the aggregate view served by the dashboard endpoint.
type DashboardMetrics struct {
	TotalTasks         int                   `json:"total_tasks"`
	RunningTasks       int                   `json:"running_tasks"`
	CompletedTasks     int                   `json:"completed_tasks"`
	FailedTasks        int                   `json:"failed_tasks"`
	TotalConnectors    int                   `json:"total_connectors"`
	TotalRows          int64                 `json:"total_rows_transferred"`
	TotalDataSizeMB    float64               `json:"total_data_size_mb"`
	RecentExecutions   []model.TaskExecution `json:"recent_executions"`
	ActiveExecutions   int                   `json:"active_executions"`
	ExecutionsLast24h  int                   `json:"executions_last_24h"`
}

// Store is the persistence contract of the engine. Updates are short
// transactions; counter bumps are monotonic increments.
type Store interface {
	// Connectors. DeleteConnector fails while any task references it.
	CreateConnector(ctx context.Context, c model.Connector) error
	GetConnector(ctx context.Context, id string) (model.Connector, error)
	ListConnectors(ctx context.Context) ([]model.Connector, error)
	UpdateConnector(ctx context.Context, c model.Connector) error
	DeleteConnector(ctx context.Context, id string) error
	RecordConnectorTest(ctx context.Context, id string, ok bool, at time.Time) error

	// Tasks. UpdateTask replaces the definition and prunes cdc_state and
	// full_load_completed_tables entries for tables no longer configured.
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id string) error
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, progress float64) error
	SetTaskLastRun(ctx context.Context, id string, at time.Time) error

	// CDC bookkeeping. AdvanceCursor is a read-modify-write that refuses
	// to move a cursor backwards. MarkFullLoadComplete only accrues.
	AdvanceCursor(ctx context.Context, taskID, table string, cur cursor.Cursor) error
	SetTableCDCEnabled(ctx context.Context, taskID, table string) error
	MarkFullLoadComplete(ctx context.Context, taskID, table string, at time.Time) error

	// Executions.
	CreateExecution(ctx context.Context, e model.TaskExecution) error
	GetExecution(ctx context.Context, id string) (model.TaskExecution, error)
	LatestExecution(ctx context.Context, taskID string) (model.TaskExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error)
	UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error
	AddExecutionCounters(ctx context.Context, id string, rows, failed int64, sizeMB float64) error

	// Table executions.
	CreateTableExecution(ctx context.Context, te model.TableExecution) error
	GetTableExecution(ctx context.Context, id string) (model.TableExecution, error)
	ListTableExecutions(ctx context.Context, executionID string) ([]model.TableExecution, error)
	UpdateTableExecution(ctx context.Context, id string, u TableExecutionUpdate) error
	AddTableExecutionProgress(ctx context.Context, id string, rows, failed int64) error
	MarkInFlightStopped(ctx context.Context, executionID, message string) error

	// Global variables.
	CreateVariable(ctx context.Context, v model.GlobalVariable) error
	GetVariableByName(ctx context.Context, name string) (model.GlobalVariable, error)
	ListVariables(ctx context.Context, activeOnly bool) ([]model.GlobalVariable, error)
	UpdateVariable(ctx context.Context, v model.GlobalVariable) error
	DeleteVariable(ctx context.Context, id string) error

	// Dashboard rollup.
	Metrics(ctx context.Context) (DashboardMetrics, error)
}
