// Package model holds the persisted value records of the transfer engine:
// connectors, tasks, executions and global variables. Records are plain
// values; all mutation goes through the store.
package model

import (
	"time"
)

// ConnectorKind distinguishes data sources from destinations.
type ConnectorKind string

const (
	KindSource      ConnectorKind = "source"
	KindDestination ConnectorKind = "destination"
)

// SourceVariant enumerates supported source engines.
type SourceVariant string

const (
	SourceSQLServer  SourceVariant = "sql_server"
	SourcePostgreSQL SourceVariant = "postgresql"
	SourceMySQL      SourceVariant = "mysql"
	SourceOracle     SourceVariant = "oracle"
)

// DestinationVariant enumerates supported destination engines.
type DestinationVariant string

const (
	DestSnowflake DestinationVariant = "snowflake"
	DestS3        DestinationVariant = "s3"
)

// Connector is a named, reusable connection definition. Connectors are
// created by the CRUD surface and read-only to the engine.
type Connector struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Kind         ConnectorKind  `json:"connector_type"`
	Variant      string         `json:"variant"`
	Config       map[string]any `json:"connection_config"`
	IsActive     bool           `json:"is_active"`
	LastTestedAt *time.Time     `json:"last_tested_at,omitempty"`
	TestStatus   string         `json:"test_status,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TaskMode selects how a task moves data.
type TaskMode string

const (
	ModeFullLoad        TaskMode = "full_load"
	ModeCDC             TaskMode = "cdc"
	ModeFullLoadThenCDC TaskMode = "full_load_then_cdc"
)

// ScheduleType selects when executions are dispatched.
type ScheduleType string

const (
	ScheduleOnDemand   ScheduleType = "on_demand"
	ScheduleContinuous ScheduleType = "continuous"
	ScheduleInterval   ScheduleType = "interval"
)

// TaskStatus is the lifecycle state of a task. Only the lifecycle
// controller writes it.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskStopped   TaskStatus = "stopped"
)

// FileFormat is the object format for file-based destinations.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatCSV     FileFormat = "csv"
	FormatJSON    FileFormat = "json"
)

// Transformation is one declarative transform step. Config keys depend on
// the kind; string values may carry $variable tokens resolved per batch.
type Transformation struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// TableConfig overrides task-level behaviour for a single table.
type TableConfig struct {
	Enabled         *bool            `json:"enabled,omitempty"`
	Transformations []Transformation `json:"transformations,omitempty"`
}

// RetryPolicy bounds per-table retries inside a pipeline run.
type RetryPolicy struct {
	Enabled        bool `json:"retry_enabled"`
	MaxRetries     int  `json:"max_retries"`
	DelaySeconds   int  `json:"retry_delay_seconds"`
	CleanupOnRetry bool `json:"cleanup_on_retry"`
}

// TableCDCState is the per-table CDC bookkeeping on a task.
type TableCDCState struct {
	Enabled    bool   `json:"enabled,omitempty"`
	LastCursor string `json:"last_cursor,omitempty"`
}

// Task declares one managed transfer: a source, a destination, the tables
// to move and how to move them.
type Task struct {
	ID                     string                    `json:"id"`
	Name                   string                    `json:"name"`
	Description            string                    `json:"description,omitempty"`
	SourceConnectorID      string                    `json:"source_connector_id"`
	DestinationConnectorID string                    `json:"destination_connector_id"`
	SourceTables           []string                  `json:"source_tables"`
	TableMappings          map[string]string         `json:"table_mappings,omitempty"`
	TableConfigs           map[string]TableConfig    `json:"table_configs,omitempty"`
	Mode                   TaskMode                  `json:"mode"`
	BatchRows              int                       `json:"batch_rows"`
	BatchSizeMB            float64                   `json:"batch_size_mb"`
	ScheduleType           ScheduleType              `json:"schedule_type"`
	ScheduleIntervalSec    int                       `json:"schedule_interval_seconds,omitempty"`
	FileFormat             FileFormat                `json:"file_format,omitempty"`
	PathTemplate           string                    `json:"path_template,omitempty"`
	Transformations        []Transformation          `json:"transformations,omitempty"`
	HandleSchemaDrift      bool                      `json:"handle_schema_drift"`
	Retry                  RetryPolicy               `json:"retry_policy"`
	ParallelTables         int                       `json:"parallel_tables"`
	Status                 TaskStatus                `json:"status"`
	ProgressPercent        float64                   `json:"current_progress_percent"`
	LastRunAt              *time.Time                `json:"last_run_at,omitempty"`
	CDCState               map[string]TableCDCState  `json:"cdc_state,omitempty"`
	FullLoadCompleted      map[string]time.Time      `json:"full_load_completed_tables,omitempty"`
	IsActive               bool                      `json:"is_active"`
	CreatedAt              time.Time                 `json:"created_at"`
	UpdatedAt              time.Time                 `json:"updated_at"`
}

// TableEnabled reports whether a table participates in executions.
// A per-table override with enabled=false excludes it at scheduling time.
func (t *Task) TableEnabled(table string) bool {
	tc, ok := t.TableConfigs[table]
	if !ok || tc.Enabled == nil {
		return true
	}
	return *tc.Enabled
}

// TableTransformations returns the effective transform list for a table:
// the per-table override when present, the task-level list otherwise.
func (t *Task) TableTransformations(table string) []Transformation {
	if tc, ok := t.TableConfigs[table]; ok && tc.Transformations != nil {
		return tc.Transformations
	}
	return t.Transformations
}

// DestinationTable maps a source table name through table_mappings.
func (t *Task) DestinationTable(table string) string {
	if mapped, ok := t.TableMappings[table]; ok && mapped != "" {
		return mapped
	}
	// Strip the schema qualifier for the destination side.
	if i := lastDot(table); i >= 0 {
		return table[i+1:]
	}
	return table
}

// EnabledTables returns the task's tables minus disabled overrides,
// in declared order.
func (t *Task) EnabledTables() []string {
	out := make([]string, 0, len(t.SourceTables))
	for _, tbl := range t.SourceTables {
		if t.TableEnabled(tbl) {
			out = append(out, tbl)
		}
	}
	return out
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// ExecutionType is the flavour of a single task invocation.
type ExecutionType string

const (
	ExecFullLoad        ExecutionType = "full_load"
	ExecCDCSync         ExecutionType = "cdc_sync"
	ExecFullLoadThenCDC ExecutionType = "full_load_then_cdc"
)

// ExecutionStatus is the terminal or in-flight state of an execution.
type ExecutionStatus string

const (
	ExecPending        ExecutionStatus = "pending"
	ExecRunning        ExecutionStatus = "running"
	ExecSuccess        ExecutionStatus = "success"
	ExecFailed         ExecutionStatus = "failed"
	ExecPartialSuccess ExecutionStatus = "partial_success"
	ExecStopped        ExecutionStatus = "stopped"
)

// TaskExecution records a single invocation of a task.
type TaskExecution struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	Type            ExecutionType   `json:"execution_type"`
	Status          ExecutionStatus `json:"status"`
	TotalRows       int64           `json:"total_rows"`
	ProcessedRows   int64           `json:"processed_rows"`
	FailedRows      int64           `json:"failed_rows"`
	ProgressPercent float64         `json:"progress_percent"`
	DataSizeMB      float64         `json:"data_size_mb"`
	RowsPerSecond   float64         `json:"rows_per_second,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    map[string]any  `json:"error_details,omitempty"`
	CDCLSNStart     string          `json:"cdc_lsn_start,omitempty"`
	CDCLSNEnd       string          `json:"cdc_lsn_end,omitempty"`
	SchemaChanges   []string        `json:"schema_changes_detected,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TableStatus is the per-table state inside one execution.
type TableStatus string

const (
	TablePending TableStatus = "pending"
	TableRunning TableStatus = "running"
	TableSuccess TableStatus = "success"
	TableFailed  TableStatus = "failed"
	TableStopped TableStatus = "stopped"
)

// TableExecution is the per-table progress record under a TaskExecution.
type TableExecution struct {
	ID            string      `json:"id"`
	ExecutionID   string      `json:"task_execution_id"`
	TableName     string      `json:"table_name"`
	TotalRows     int64       `json:"total_rows"`
	ProcessedRows int64       `json:"processed_rows"`
	FailedRows    int64       `json:"failed_rows"`
	Status        TableStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	LastRetryAt   *time.Time  `json:"last_retry_at,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// VariableType is the kind of a global variable.
type VariableType string

const (
	VarStatic     VariableType = "static"
	VarDBQuery    VariableType = "db_query"
	VarExpression VariableType = "expression"
)

// GlobalVariable is a named, reusable value definition resolved at
// transfer time by the variable resolver.
type GlobalVariable struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        VariableType   `json:"variable_type"`
	Config      map[string]any `json:"config"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SplitTable splits "schema.table" into its parts. A bare name yields an
// empty schema; adapters substitute their default.
func SplitTable(qualified string) (schema, table string) {
	if i := lastDot(qualified); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "", qualified
}
