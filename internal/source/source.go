// Package source implements the read side of a transfer: one adapter per
// supported engine behind a single Source interface. Adapters own a
// database/sql pool, expose stable-ordered batch reads for full loads and
// cursor-based change reads for CDC.
package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/pkg/cursor"
)

// Dialect carries the SQL flavour facts the variable resolver needs to
// build safe queries against a source.
type Dialect struct {
	// QuoteIdent wraps an identifier in the engine's quoting characters.
	QuoteIdent func(string) string
	// Placeholder returns the bind marker for the i-th parameter (1-based).
	Placeholder func(i int) string
}

// Source is one side of a table pipeline. Connect must be called before any
// other method; adapters are not safe for concurrent use, the executor gives
// each table worker its own instance.
type Source interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	// ListTables returns schema-qualified table names.
	ListTables(ctx context.Context) ([]string, error)
	// Columns describes a table in ordinal order.
	Columns(ctx context.Context, table string) ([]batch.ColumnSpec, error)
	// RowCount returns the current table cardinality.
	RowCount(ctx context.Context, table string) (int64, error)
	// ReadBatch reads limit rows at offset under a stable ordering, so a
	// resumed load never skips or repeats rows the source has not mutated.
	ReadBatch(ctx context.Context, table string, offset, limit int) (*batch.RowBatch, error)

	// CDCEnabled reports whether change capture is available for the table.
	CDCEnabled(ctx context.Context, table string) (bool, error)
	// EnableCDC turns change capture on for the table.
	EnableCDC(ctx context.Context, table string) error
	// ReadCDC returns changes after the cursor plus the new high-water mark.
	// An empty batch returns the input cursor unchanged.
	ReadCDC(ctx context.Context, table string, from cursor.Cursor, limit int) (*batch.RowBatch, cursor.Cursor, error)

	// DB exposes the pool for ad-hoc reads (variable resolution).
	DB() *sql.DB
	Dialect() Dialect
	DatabaseName() string
}

// Config is the decoded connection_config shared by all engines. Engine
// specific keys ride along in the connector config and are decoded again by
// the adapter that needs them.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
	Schema   string `json:"schema,omitempty"`
	SSLMode  string `json:"ssl_mode,omitempty"`

	// Oracle only.
	ServiceName string `json:"service_name,omitempty"`
}

// DecodeConfig maps a connector's config into Config via a JSON round trip,
// tolerating ports arriving as strings.
func DecodeConfig(raw map[string]any) (Config, error) {
	if p, ok := raw["port"].(string); ok {
		if n, err := strconv.Atoi(p); err == nil {
			clone := make(map[string]any, len(raw))
			for k, v := range raw {
				clone[k] = v
			}
			clone["port"] = n
			raw = clone
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	if cfg.Host == "" {
		return Config{}, fmt.Errorf("%w: host is required", model.ErrConfigInvalid)
	}
	return cfg, nil
}

// New builds the adapter for a source connector.
func New(c model.Connector, logger zerolog.Logger) (Source, error) {
	if c.Kind != model.KindSource {
		return nil, fmt.Errorf("%w: connector %s is not a source", model.ErrConfigInvalid, c.ID)
	}
	cfg, err := DecodeConfig(c.Config)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", c.ID, err)
	}
	log := logger.With().Str("component", "source").Str("variant", c.Variant).Logger()
	switch model.SourceVariant(c.Variant) {
	case model.SourceSQLServer:
		return newSQLServer(cfg, log), nil
	case model.SourcePostgreSQL:
		return newPostgres(cfg, log), nil
	case model.SourceMySQL:
		return newMySQL(cfg, log), nil
	case model.SourceOracle:
		return newOracle(cfg, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown source variant %q", model.ErrConfigInvalid, c.Variant)
	}
}

// openWithRetry opens and pings a pool with exponential backoff. Transient
// dial failures get five attempts before the connection counts as failed.
func openWithRetry(ctx context.Context, driver, dsn string, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("source ping failed")
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrConnectionFailed, err)
	}
	return db, nil
}

// scanRows drains sql.Rows into a RowBatch with the given column specs.
func scanRows(rows *sql.Rows, cols []batch.ColumnSpec) (*batch.RowBatch, error) {
	b := batch.New(cols)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]any, len(cols))
		for i, v := range vals {
			// Drivers reuse []byte buffers between Next calls.
			if bs, ok := v.([]byte); ok {
				row[i] = string(bs)
			} else {
				row[i] = v
			}
		}
		b.Rows = append(b.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	return b, nil
}

// orderColumn picks the stable ordering column for a table: the first
// primary key column, else the first ordinal column.
func orderColumn(cols []batch.ColumnSpec) (string, error) {
	for _, c := range cols {
		if c.PrimaryKey {
			return c.Name, nil
		}
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("%w: table has no columns", model.ErrConfigInvalid)
	}
	return cols[0].Name, nil
}
