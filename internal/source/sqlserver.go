package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/pkg/cursor"
)

// sqlServerSource reads from SQL Server. Change capture rides on the native
// CDC feature: per-table capture instances and LSN cursors.
type sqlServerSource struct {
	cfg Config
	db  *sql.DB
	log zerolog.Logger
}

func newSQLServer(cfg Config, log zerolog.Logger) *sqlServerSource {
	if cfg.Port == 0 {
		cfg.Port = 1433
	}
	if cfg.Schema == "" {
		cfg.Schema = "dbo"
	}
	return &sqlServerSource{cfg: cfg, log: log}
}

func (s *sqlServerSource) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		s.cfg.Username, s.cfg.Password, s.cfg.Host, s.cfg.Port, s.cfg.Database)
	db, err := openWithRetry(ctx, "sqlserver", dsn, s.log)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *sqlServerSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlServerSource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConnectionFailed, err)
	}
	return nil
}

func (s *sqlServerSource) DB() *sql.DB        { return s.db }
func (s *sqlServerSource) DatabaseName() string { return s.cfg.Database }

func quoteBracket(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (s *sqlServerSource) Dialect() Dialect {
	return Dialect{
		QuoteIdent:  quoteBracket,
		Placeholder: func(i int) string { return fmt.Sprintf("@p%d", i) },
	}
}

func (s *sqlServerSource) splitTable(table string) (schema, name string) {
	schema, name = model.SplitTable(table)
	if schema == "" {
		schema = s.cfg.Schema
	}
	return schema, name
}

func (s *sqlServerSource) qualify(table string) string {
	schema, name := s.splitTable(table)
	return quoteBracket(schema) + "." + quoteBracket(name)
}

func (s *sqlServerSource) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_SCHEMA, TABLE_NAME
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, err
		}
		tables = append(tables, schema+"."+name)
	}
	return tables, rows.Err()
}

func (s *sqlServerSource) Columns(ctx context.Context, table string) ([]batch.ColumnSpec, error) {
	schema, name := s.splitTable(table)
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.COLUMN_NAME, c.DATA_TYPE, COALESCE(c.CHARACTER_MAXIMUM_LENGTH, 0),
			CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
			COALESCE(c.COLUMN_DEFAULT, ''),
			CASE WHEN pk.COLUMN_NAME IS NULL THEN 0 ELSE 1 END
		FROM INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN (
			SELECT kcu.TABLE_SCHEMA, kcu.TABLE_NAME, kcu.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
				ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
				AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		) pk ON pk.TABLE_SCHEMA = c.TABLE_SCHEMA
			AND pk.TABLE_NAME = c.TABLE_NAME
			AND pk.COLUMN_NAME = c.COLUMN_NAME
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION
	`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []batch.ColumnSpec
	for rows.Next() {
		var c batch.ColumnSpec
		var nullable, pk int
		if err := rows.Scan(&c.Name, &c.Type, &c.MaxLength, &nullable, &c.Default, &pk); err != nil {
			return nil, err
		}
		c.Nullable = nullable == 1
		c.PrimaryKey = pk == 1
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: %w", table, model.ErrNotFound)
	}
	return cols, nil
}

func (s *sqlServerSource) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+s.qualify(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", model.ErrTransient, table, err)
	}
	return n, nil
}

func (s *sqlServerSource) ReadBatch(ctx context.Context, table string, offset, limit int) (*batch.RowBatch, error) {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	order, err := orderColumn(cols)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
		s.qualify(table), quoteBracket(order), offset, limit)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrTransient, table, err)
	}
	defer rows.Close()
	return scanRows(rows, cols)
}

var captureNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// captureInstance is the default name SQL Server assigns when CDC is
// enabled without an explicit instance.
func (s *sqlServerSource) captureInstance(table string) (string, error) {
	schema, name := s.splitTable(table)
	if !captureNameRe.MatchString(schema) || !captureNameRe.MatchString(name) {
		return "", fmt.Errorf("%w: table name %q not usable as a capture instance", model.ErrConfigInvalid, table)
	}
	return schema + "_" + name, nil
}

func (s *sqlServerSource) CDCEnabled(ctx context.Context, table string) (bool, error) {
	schema, name := s.splitTable(table)
	var tracked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT t.is_tracked_by_cdc FROM sys.tables t
		JOIN sys.schemas sc ON sc.schema_id = t.schema_id
		WHERE sc.name = @p1 AND t.name = @p2
	`, schema, name).Scan(&tracked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("table %s: %w", table, model.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("cdc status of %s: %w", table, err)
	}
	return tracked, nil
}

func (s *sqlServerSource) EnableCDC(ctx context.Context, table string) error {
	enabled, err := s.CDCEnabled(ctx, table)
	if err != nil {
		return err
	}
	if enabled {
		return nil
	}
	schema, name := s.splitTable(table)
	_, err = s.db.ExecContext(ctx, `
		EXEC sys.sp_cdc_enable_table
			@source_schema = @p1, @source_name = @p2, @role_name = NULL
	`, schema, name)
	if err != nil {
		return fmt.Errorf("enable cdc on %s: %w", table, err)
	}
	s.log.Info().Str("table", table).Msg("cdc enabled")
	return nil
}

func (s *sqlServerSource) ReadCDC(ctx context.Context, table string, from cursor.Cursor, limit int) (*batch.RowBatch, cursor.Cursor, error) {
	capture, err := s.captureInstance(table)
	if err != nil {
		return nil, from, err
	}

	var maxLSN []byte
	if err := s.db.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_max_lsn()").Scan(&maxLSN); err != nil {
		return nil, from, fmt.Errorf("%w: max lsn: %v", model.ErrTransient, err)
	}
	if len(maxLSN) == 0 {
		return nil, from, fmt.Errorf("%w: cdc has no max lsn, is the capture job running", model.ErrNotEnabled)
	}

	var fromLSN []byte
	if from.IsZero() {
		err = s.db.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_min_lsn(@p1)", capture).Scan(&fromLSN)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT sys.fn_cdc_increment_lsn(@p1)", []byte(from)).Scan(&fromLSN)
	}
	if err != nil {
		return nil, from, fmt.Errorf("%w: from lsn: %v", model.ErrTransient, err)
	}
	if len(fromLSN) == 0 || cursor.Compare(cursor.Cursor(fromLSN), cursor.Cursor(maxLSN)) > 0 {
		return batch.New(nil), from, nil
	}

	dataCols, err := s.Columns(ctx, table)
	if err != nil {
		return nil, from, err
	}

	q := fmt.Sprintf(`
		SELECT TOP (%d) * FROM cdc.%s(@p1, @p2, N'all')
		ORDER BY __$start_lsn, __$seqval
	`, limit, quoteBracket("fn_cdc_get_all_changes_"+capture))
	rows, err := s.db.QueryContext(ctx, q, fromLSN, maxLSN)
	if err != nil {
		return nil, from, fmt.Errorf("%w: read changes of %s: %v", model.ErrTransient, table, err)
	}
	defer rows.Close()

	return collectChanges(rows, dataCols, "__$start_lsn", "__$operation", from, sqlServerOperation)
}

func sqlServerOperation(v any) string {
	n, _ := v.(int64)
	switch n {
	case 1:
		return "delete"
	case 2:
		return "insert"
	case 3, 4:
		return "update"
	default:
		return "unknown"
	}
}

// collectChanges maps a change-function result set into a batch with a
// leading _operation column followed by the table's data columns. The
// returned cursor is the highest change position seen, or from when the
// result set is empty.
func collectChanges(rows *sql.Rows, dataCols []batch.ColumnSpec,
	lsnCol, opCol string, from cursor.Cursor, mapOp func(any) string) (*batch.RowBatch, cursor.Cursor, error) {

	names, err := rows.Columns()
	if err != nil {
		return nil, from, err
	}
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	lsnIdx, ok := idx[lsnCol]
	if !ok {
		return nil, from, fmt.Errorf("%w: change set lacks %s", model.ErrInvariant, lsnCol)
	}
	opIdx, ok := idx[opCol]
	if !ok {
		return nil, from, fmt.Errorf("%w: change set lacks %s", model.ErrInvariant, opCol)
	}

	cols := append([]batch.ColumnSpec{{Name: "_operation", Type: "varchar", MaxLength: 16}}, dataCols...)
	b := batch.New(cols)

	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	high := from
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, from, fmt.Errorf("scan change row: %w", err)
		}
		row := make([]any, 0, len(cols))
		row = append(row, mapOp(vals[opIdx]))
		for _, c := range dataCols {
			i, ok := idx[c.Name]
			if !ok {
				row = append(row, nil)
				continue
			}
			if bs, ok := vals[i].([]byte); ok {
				row = append(row, string(bs))
			} else {
				row = append(row, vals[i])
			}
		}
		b.Rows = append(b.Rows, row)
		if lsn, ok := vals[lsnIdx].([]byte); ok {
			high = cursor.Max(high, cursor.Cursor(append([]byte(nil), lsn...)))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, from, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	return b, high, nil
}

var _ Source = (*sqlServerSource)(nil)
