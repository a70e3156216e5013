package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/pkg/cursor"
)

// Postgres is the pgxpool-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS connectors (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	description    TEXT NOT NULL DEFAULT '',
	connector_type TEXT NOT NULL,
	variant        TEXT NOT NULL,
	connection_config JSONB NOT NULL,
	is_active      BOOLEAN NOT NULL DEFAULT true,
	last_tested_at TIMESTAMPTZ,
	test_status    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	description    TEXT NOT NULL DEFAULT '',
	source_connector_id      TEXT NOT NULL REFERENCES connectors(id),
	destination_connector_id TEXT NOT NULL REFERENCES connectors(id),
	source_tables  JSONB NOT NULL,
	table_mappings JSONB,
	table_configs  JSONB,
	mode           TEXT NOT NULL,
	batch_rows     INTEGER NOT NULL,
	batch_size_mb  DOUBLE PRECISION NOT NULL DEFAULT 50,
	schedule_type  TEXT NOT NULL,
	schedule_interval_seconds INTEGER NOT NULL DEFAULT 0,
	file_format    TEXT NOT NULL DEFAULT '',
	path_template  TEXT NOT NULL DEFAULT '',
	transformations JSONB,
	handle_schema_drift BOOLEAN NOT NULL DEFAULT true,
	retry_policy   JSONB,
	parallel_tables INTEGER NOT NULL DEFAULT 1,
	status         TEXT NOT NULL DEFAULT 'created',
	current_progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_run_at    TIMESTAMPTZ,
	cdc_state      JSONB,
	full_load_completed_tables JSONB,
	is_active      BOOLEAN NOT NULL DEFAULT true,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_executions (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	execution_type TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	total_rows     BIGINT NOT NULL DEFAULT 0,
	processed_rows BIGINT NOT NULL DEFAULT 0,
	failed_rows    BIGINT NOT NULL DEFAULT 0,
	progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	rows_per_second  DOUBLE PRECISION NOT NULL DEFAULT 0,
	data_size_mb   DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	error_details  JSONB,
	cdc_lsn_start  TEXT NOT NULL DEFAULT '',
	cdc_lsn_end    TEXT NOT NULL DEFAULT '',
	schema_changes_detected JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_task_executions_task ON task_executions(task_id, created_at DESC);

CREATE TABLE IF NOT EXISTS table_executions (
	id             TEXT PRIMARY KEY,
	task_execution_id TEXT NOT NULL REFERENCES task_executions(id) ON DELETE CASCADE,
	table_name     TEXT NOT NULL,
	total_rows     BIGINT NOT NULL DEFAULT 0,
	processed_rows BIGINT NOT NULL DEFAULT 0,
	failed_rows    BIGINT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_retry_at  TIMESTAMPTZ,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_table_executions_exec ON table_executions(task_execution_id);

CREATE TABLE IF NOT EXISTS global_variables (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	description   TEXT NOT NULL DEFAULT '',
	variable_type TEXT NOT NULL,
	config        JSONB NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Bootstrap creates the schema if it does not exist.
func (s *Postgres) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// --- connectors ---

const connectorCols = `id, name, description, connector_type, variant, connection_config,
	is_active, last_tested_at, test_status, created_at, updated_at`

func (s *Postgres) CreateConnector(ctx context.Context, c model.Connector) error {
	cfg, err := marshalJSON(c.Config)
	if err != nil {
		return fmt.Errorf("marshal connector config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO connectors (id, name, description, connector_type, variant, connection_config, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Name, c.Description, c.Kind, c.Variant, cfg, c.IsActive)
	if err != nil {
		return fmt.Errorf("create connector: %w", err)
	}
	return nil
}

func scanConnector(row pgx.Row) (model.Connector, error) {
	var c model.Connector
	var cfg []byte
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Kind, &c.Variant, &cfg,
		&c.IsActive, &c.LastTestedAt, &c.TestStatus, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if err := unmarshalJSON(cfg, &c.Config); err != nil {
		return c, fmt.Errorf("decode connector config: %w", err)
	}
	return c, nil
}

func (s *Postgres) GetConnector(ctx context.Context, id string) (model.Connector, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectorCols+` FROM connectors WHERE id = $1`, id)
	c, err := scanConnector(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("connector %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get connector: %w", err)
	}
	return c, nil
}

func (s *Postgres) ListConnectors(ctx context.Context) ([]model.Connector, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectorCols+` FROM connectors ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	list := []model.Connector{}
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (s *Postgres) UpdateConnector(ctx context.Context, c model.Connector) error {
	cfg, err := marshalJSON(c.Config)
	if err != nil {
		return fmt.Errorf("marshal connector config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE connectors SET
			name = $2, description = $3, connector_type = $4, variant = $5,
			connection_config = $6, is_active = $7, updated_at = now()
		WHERE id = $1
	`, c.ID, c.Name, c.Description, c.Kind, c.Variant, cfg, c.IsActive)
	if err != nil {
		return fmt.Errorf("update connector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connector %s: %w", c.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeleteConnector(ctx context.Context, id string) error {
	var refs int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM tasks
		WHERE source_connector_id = $1 OR destination_connector_id = $1
	`, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("check connector references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: connector %s is referenced by %d task(s)", model.ErrConfigInvalid, id, refs)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM connectors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connector %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) RecordConnectorTest(ctx context.Context, id string, ok bool, at time.Time) error {
	status := "success"
	if !ok {
		status = "failed"
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE connectors SET last_tested_at = $2, test_status = $3, updated_at = now() WHERE id = $1
	`, id, at, status)
	if err != nil {
		return fmt.Errorf("record connector test: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connector %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- tasks ---

const taskCols = `id, name, description, source_connector_id, destination_connector_id,
	source_tables, table_mappings, table_configs, mode, batch_rows, batch_size_mb,
	schedule_type, schedule_interval_seconds, file_format, path_template, transformations,
	handle_schema_drift, retry_policy, parallel_tables, status, current_progress_percent,
	last_run_at, cdc_state, full_load_completed_tables, is_active, created_at, updated_at`

func (s *Postgres) CreateTask(ctx context.Context, t model.Task) error {
	if err := model.ValidateTask(t); err != nil {
		return err
	}
	enc, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, name, description, source_connector_id, destination_connector_id,
			source_tables, table_mappings, table_configs, mode, batch_rows, batch_size_mb,
			schedule_type, schedule_interval_seconds, file_format, path_template, transformations,
			handle_schema_drift, retry_policy, parallel_tables, status, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, t.ID, t.Name, t.Description, t.SourceConnectorID, t.DestinationConnectorID,
		enc.tables, enc.mappings, enc.configs, t.Mode, t.BatchRows, t.BatchSizeMB,
		t.ScheduleType, t.ScheduleIntervalSec, t.FileFormat, t.PathTemplate, enc.transforms,
		t.HandleSchemaDrift, enc.retry, t.ParallelTables, model.TaskCreated, t.IsActive)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

type taskJSON struct {
	tables, mappings, configs, transforms, retry []byte
}

func encodeTaskJSON(t model.Task) (taskJSON, error) {
	var enc taskJSON
	var err error
	if enc.tables, err = marshalJSON(t.SourceTables); err != nil {
		return enc, fmt.Errorf("marshal source_tables: %w", err)
	}
	if enc.mappings, err = marshalJSON(t.TableMappings); err != nil {
		return enc, fmt.Errorf("marshal table_mappings: %w", err)
	}
	if enc.configs, err = marshalJSON(t.TableConfigs); err != nil {
		return enc, fmt.Errorf("marshal table_configs: %w", err)
	}
	if enc.transforms, err = marshalJSON(t.Transformations); err != nil {
		return enc, fmt.Errorf("marshal transformations: %w", err)
	}
	if enc.retry, err = marshalJSON(t.Retry); err != nil {
		return enc, fmt.Errorf("marshal retry_policy: %w", err)
	}
	return enc, nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	var tables, mappings, configs, transforms, retry, cdcState, completed []byte
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.SourceConnectorID, &t.DestinationConnectorID,
		&tables, &mappings, &configs, &t.Mode, &t.BatchRows, &t.BatchSizeMB,
		&t.ScheduleType, &t.ScheduleIntervalSec, &t.FileFormat, &t.PathTemplate, &transforms,
		&t.HandleSchemaDrift, &retry, &t.ParallelTables, &t.Status, &t.ProgressPercent,
		&t.LastRunAt, &cdcState, &completed, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	for _, dec := range []struct {
		data []byte
		dst  any
	}{
		{tables, &t.SourceTables},
		{mappings, &t.TableMappings},
		{configs, &t.TableConfigs},
		{transforms, &t.Transformations},
		{retry, &t.Retry},
		{cdcState, &t.CDCState},
		{completed, &t.FullLoadCompleted},
	} {
		if err := unmarshalJSON(dec.data, dec.dst); err != nil {
			return t, fmt.Errorf("decode task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Postgres) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	list := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Postgres) UpdateTask(ctx context.Context, t model.Task) error {
	if err := model.ValidateTask(t); err != nil {
		return err
	}
	enc, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	// Redefinition prunes CDC and full-load bookkeeping for removed tables.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update task: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, t.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load task for update: %w", err)
	}

	keep := make(map[string]struct{}, len(t.SourceTables))
	for _, tbl := range t.SourceTables {
		keep[tbl] = struct{}{}
	}
	for tbl := range cur.CDCState {
		if _, ok := keep[tbl]; !ok {
			delete(cur.CDCState, tbl)
		}
	}
	for tbl := range cur.FullLoadCompleted {
		if _, ok := keep[tbl]; !ok {
			delete(cur.FullLoadCompleted, tbl)
		}
	}
	cdcState, err := marshalJSON(cur.CDCState)
	if err != nil {
		return fmt.Errorf("marshal cdc_state: %w", err)
	}
	completed, err := marshalJSON(cur.FullLoadCompleted)
	if err != nil {
		return fmt.Errorf("marshal full_load_completed_tables: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET
			name = $2, description = $3, source_connector_id = $4, destination_connector_id = $5,
			source_tables = $6, table_mappings = $7, table_configs = $8, mode = $9,
			batch_rows = $10, batch_size_mb = $11, schedule_type = $12, schedule_interval_seconds = $13,
			file_format = $14, path_template = $15, transformations = $16, handle_schema_drift = $17,
			retry_policy = $18, parallel_tables = $19, is_active = $20,
			cdc_state = $21, full_load_completed_tables = $22, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Name, t.Description, t.SourceConnectorID, t.DestinationConnectorID,
		enc.tables, enc.mappings, enc.configs, t.Mode,
		t.BatchRows, t.BatchSizeMB, t.ScheduleType, t.ScheduleIntervalSec,
		t.FileFormat, t.PathTemplate, enc.transforms, t.HandleSchemaDrift,
		enc.retry, t.ParallelTables, t.IsActive, cdcState, completed)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, progress float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, current_progress_percent = $3, updated_at = now() WHERE id = $1
	`, id, status, progress)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) SetTaskLastRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET last_run_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set task last_run_at: %w", err)
	}
	return nil
}

// cdcStateRMW runs a read-modify-write on the task's cdc_state map under a
// row lock.
func (s *Postgres) cdcStateRMW(ctx context.Context, taskID string, mutate func(map[string]model.TableCDCState) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin cdc_state update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT cdc_state FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read cdc_state: %w", err)
	}

	state := map[string]model.TableCDCState{}
	if err := unmarshalJSON(raw, &state); err != nil {
		return fmt.Errorf("decode cdc_state: %w", err)
	}
	if err := mutate(state); err != nil {
		return err
	}
	out, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("marshal cdc_state: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET cdc_state = $2, updated_at = now() WHERE id = $1`, taskID, out); err != nil {
		return fmt.Errorf("write cdc_state: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) AdvanceCursor(ctx context.Context, taskID, table string, cur cursor.Cursor) error {
	return s.cdcStateRMW(ctx, taskID, func(state map[string]model.TableCDCState) error {
		prev, err := cursor.Parse(state[table].LastCursor)
		if err != nil {
			return fmt.Errorf("stored cursor for %s: %w", table, err)
		}
		if cursor.Compare(cur, prev) < 0 {
			return fmt.Errorf("%w: cursor for %s would move backwards (%s -> %s)",
				model.ErrInvariant, table, prev, cur)
		}
		st := state[table]
		st.LastCursor = cur.String()
		state[table] = st
		return nil
	})
}

func (s *Postgres) SetTableCDCEnabled(ctx context.Context, taskID, table string) error {
	return s.cdcStateRMW(ctx, taskID, func(state map[string]model.TableCDCState) error {
		st := state[table]
		st.Enabled = true
		state[table] = st
		return nil
	})
}

func (s *Postgres) MarkFullLoadComplete(ctx context.Context, taskID, table string, at time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin full_load_completed update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT full_load_completed_tables FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read full_load_completed_tables: %w", err)
	}
	completed := map[string]time.Time{}
	if err := unmarshalJSON(raw, &completed); err != nil {
		return fmt.Errorf("decode full_load_completed_tables: %w", err)
	}
	completed[table] = at
	out, err := marshalJSON(completed)
	if err != nil {
		return fmt.Errorf("marshal full_load_completed_tables: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET full_load_completed_tables = $2, updated_at = now() WHERE id = $1`, taskID, out); err != nil {
		return fmt.Errorf("write full_load_completed_tables: %w", err)
	}
	return tx.Commit(ctx)
}

// --- task executions ---

const execCols = `id, task_id, execution_type, status, total_rows, processed_rows, failed_rows,
	progress_percent, rows_per_second, data_size_mb, started_at, completed_at, duration_seconds,
	error_message, error_details, cdc_lsn_start, cdc_lsn_end, schema_changes_detected, created_at`

func (s *Postgres) CreateExecution(ctx context.Context, e model.TaskExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_executions (id, task_id, execution_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.TaskID, e.Type, e.Status, e.StartedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func scanExecution(row pgx.Row) (model.TaskExecution, error) {
	var e model.TaskExecution
	var details, changes []byte
	err := row.Scan(&e.ID, &e.TaskID, &e.Type, &e.Status, &e.TotalRows, &e.ProcessedRows, &e.FailedRows,
		&e.ProgressPercent, &e.RowsPerSecond, &e.DataSizeMB, &e.StartedAt, &e.CompletedAt, &e.DurationSeconds,
		&e.ErrorMessage, &details, &e.CDCLSNStart, &e.CDCLSNEnd, &changes, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if err := unmarshalJSON(details, &e.ErrorDetails); err != nil {
		return e, fmt.Errorf("decode error_details: %w", err)
	}
	if err := unmarshalJSON(changes, &e.SchemaChanges); err != nil {
		return e, fmt.Errorf("decode schema_changes_detected: %w", err)
	}
	return e, nil
}

func (s *Postgres) GetExecution(ctx context.Context, id string) (model.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+execCols+` FROM task_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (s *Postgres) LatestExecution(ctx context.Context, taskID string) (model.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+execCols+` FROM task_executions WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, taskID)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, fmt.Errorf("no executions for task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("latest execution: %w", err)
	}
	return e, nil
}

func (s *Postgres) ListExecutions(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+execCols+` FROM task_executions WHERE task_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	list := []model.TaskExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (s *Postgres) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error {
	set := []string{}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if u.Status != nil {
		add("status = $%d", *u.Status)
	}
	if u.TotalRows != nil {
		add("total_rows = $%d", *u.TotalRows)
	}
	if u.ProgressPercent != nil {
		add("progress_percent = $%d", *u.ProgressPercent)
	}
	if u.RowsPerSecond != nil {
		add("rows_per_second = $%d", *u.RowsPerSecond)
	}
	if u.ErrorMessage != nil {
		add("error_message = $%d", *u.ErrorMessage)
	}
	if u.ErrorDetails != nil {
		data, err := marshalJSON(u.ErrorDetails)
		if err != nil {
			return fmt.Errorf("marshal error_details: %w", err)
		}
		add("error_details = $%d", data)
	}
	if u.CDCLSNStart != nil {
		add("cdc_lsn_start = $%d", *u.CDCLSNStart)
	}
	if u.CDCLSNEnd != nil {
		add("cdc_lsn_end = $%d", *u.CDCLSNEnd)
	}
	if u.SchemaChanges != nil {
		data, err := marshalJSON(u.SchemaChanges)
		if err != nil {
			return fmt.Errorf("marshal schema_changes_detected: %w", err)
		}
		add("schema_changes_detected = $%d", data)
	}
	if u.StartedAt != nil {
		add("started_at = $%d", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at = $%d", *u.CompletedAt)
		set = append(set, "duration_seconds = EXTRACT(EPOCH FROM (completed_at - started_at))")
	}
	if len(set) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE task_executions SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) AddExecutionCounters(ctx context.Context, id string, rows, failed int64, sizeMB float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions SET
			processed_rows = processed_rows + $2,
			failed_rows = failed_rows + $3,
			data_size_mb = data_size_mb + $4
		WHERE id = $1
	`, id, rows, failed, sizeMB)
	if err != nil {
		return fmt.Errorf("add execution counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- table executions ---

const tableExecCols = `id, task_execution_id, table_name, total_rows, processed_rows, failed_rows,
	status, retry_count, last_retry_at, started_at, completed_at, error_message, created_at`

func (s *Postgres) CreateTableExecution(ctx context.Context, te model.TableExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO table_executions (id, task_execution_id, table_name, total_rows, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, te.ID, te.ExecutionID, te.TableName, te.TotalRows, te.Status, te.StartedAt)
	if err != nil {
		return fmt.Errorf("create table execution: %w", err)
	}
	return nil
}

func scanTableExecution(row pgx.Row) (model.TableExecution, error) {
	var te model.TableExecution
	err := row.Scan(&te.ID, &te.ExecutionID, &te.TableName, &te.TotalRows, &te.ProcessedRows, &te.FailedRows,
		&te.Status, &te.RetryCount, &te.LastRetryAt, &te.StartedAt, &te.CompletedAt, &te.ErrorMessage, &te.CreatedAt)
	return te, err
}

func (s *Postgres) GetTableExecution(ctx context.Context, id string) (model.TableExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tableExecCols+` FROM table_executions WHERE id = $1`, id)
	te, err := scanTableExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return te, fmt.Errorf("table execution %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return te, fmt.Errorf("get table execution: %w", err)
	}
	return te, nil
}

func (s *Postgres) ListTableExecutions(ctx context.Context, executionID string) ([]model.TableExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tableExecCols+` FROM table_executions
		WHERE task_execution_id = $1 ORDER BY created_at
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list table executions: %w", err)
	}
	defer rows.Close()

	list := []model.TableExecution{}
	for rows.Next() {
		te, err := scanTableExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, te)
	}
	return list, rows.Err()
}

func (s *Postgres) UpdateTableExecution(ctx context.Context, id string, u TableExecutionUpdate) error {
	set := []string{}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if u.Status != nil {
		add("status = $%d", *u.Status)
	}
	if u.TotalRows != nil {
		add("total_rows = $%d", *u.TotalRows)
	}
	if u.ProcessedRows != nil {
		add("processed_rows = $%d", *u.ProcessedRows)
	}
	if u.RetryCount != nil {
		add("retry_count = $%d", *u.RetryCount)
	}
	if u.LastRetryAt != nil {
		add("last_retry_at = $%d", *u.LastRetryAt)
	}
	if u.StartedAt != nil {
		add("started_at = $%d", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at = $%d", *u.CompletedAt)
	}
	if u.ErrorMessage != nil {
		add("error_message = $%d", *u.ErrorMessage)
	}
	if len(set) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE table_executions SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update table execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("table execution %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) AddTableExecutionProgress(ctx context.Context, id string, rows, failed int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE table_executions SET
			processed_rows = processed_rows + $2,
			failed_rows = failed_rows + $3
		WHERE id = $1
	`, id, rows, failed)
	if err != nil {
		return fmt.Errorf("add table execution progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("table execution %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) MarkInFlightStopped(ctx context.Context, executionID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE table_executions SET status = $2, error_message = $3, completed_at = now()
		WHERE task_execution_id = $1 AND status IN ('pending', 'running')
	`, executionID, model.TableStopped, message)
	if err != nil {
		return fmt.Errorf("mark in-flight stopped: %w", err)
	}
	return nil
}

// --- global variables ---

const variableCols = `id, name, description, variable_type, config, is_active, created_at, updated_at`

func (s *Postgres) CreateVariable(ctx context.Context, v model.GlobalVariable) error {
	if err := model.ValidateVariable(v); err != nil {
		return err
	}
	cfg, err := marshalJSON(v.Config)
	if err != nil {
		return fmt.Errorf("marshal variable config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO global_variables (id, name, description, variable_type, config, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.Name, v.Description, v.Type, cfg, v.IsActive)
	if err != nil {
		return fmt.Errorf("create variable: %w", err)
	}
	return nil
}

func scanVariable(row pgx.Row) (model.GlobalVariable, error) {
	var v model.GlobalVariable
	var cfg []byte
	err := row.Scan(&v.ID, &v.Name, &v.Description, &v.Type, &cfg, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return v, err
	}
	if err := unmarshalJSON(cfg, &v.Config); err != nil {
		return v, fmt.Errorf("decode variable config: %w", err)
	}
	return v, nil
}

func (s *Postgres) GetVariableByName(ctx context.Context, name string) (model.GlobalVariable, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+variableCols+` FROM global_variables WHERE name = $1`, name)
	v, err := scanVariable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, fmt.Errorf("variable %s: %w", name, model.ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("get variable: %w", err)
	}
	return v, nil
}

func (s *Postgres) ListVariables(ctx context.Context, activeOnly bool) ([]model.GlobalVariable, error) {
	q := `SELECT ` + variableCols + ` FROM global_variables`
	if activeOnly {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY name`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	list := []model.GlobalVariable{}
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func (s *Postgres) UpdateVariable(ctx context.Context, v model.GlobalVariable) error {
	if err := model.ValidateVariable(v); err != nil {
		return err
	}
	cfg, err := marshalJSON(v.Config)
	if err != nil {
		return fmt.Errorf("marshal variable config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE global_variables SET
			name = $2, description = $3, variable_type = $4, config = $5, is_active = $6, updated_at = now()
		WHERE id = $1
	`, v.ID, v.Name, v.Description, v.Type, cfg, v.IsActive)
	if err != nil {
		return fmt.Errorf("update variable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("variable %s: %w", v.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeleteVariable(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM global_variables WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete variable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("variable %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- dashboard ---

func (s *Postgres) Metrics(ctx context.Context) (DashboardMetrics, error) {
	var m DashboardMetrics
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM tasks),
			(SELECT count(*) FROM tasks WHERE status = 'running'),
			(SELECT count(*) FROM tasks WHERE status = 'completed'),
			(SELECT count(*) FROM tasks WHERE status = 'failed'),
			(SELECT count(*) FROM connectors),
			COALESCE((SELECT sum(processed_rows) FROM task_executions), 0),
			COALESCE((SELECT sum(data_size_mb) FROM task_executions), 0),
			(SELECT count(*) FROM task_executions WHERE status IN ('pending', 'running')),
			(SELECT count(*) FROM task_executions WHERE created_at > now() - interval '24 hours')
	`).Scan(&m.TotalTasks, &m.RunningTasks, &m.CompletedTasks, &m.FailedTasks,
		&m.TotalConnectors, &m.TotalRows, &m.TotalDataSizeMB, &m.ActiveExecutions, &m.ExecutionsLast24h)
	if err != nil {
		return m, fmt.Errorf("dashboard metrics: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+execCols+` FROM task_executions ORDER BY created_at DESC LIMIT 10
	`)
	if err != nil {
		return m, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()
	m.RecentExecutions = []model.TaskExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return m, err
		}
		m.RecentExecutions = append(m.RecentExecutions, e)
	}
	return m, rows.Err()
}

var _ Store = (*Postgres)(nil)
