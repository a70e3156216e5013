// Package destination implements the write side of a transfer: a Snowflake
// adapter for warehouse loads and an S3 adapter for object storage, behind
// one Destination interface. Writes are whole batches; a batch either
// commits fully or reports an error.
package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
)

// WriteMode selects how a batch lands.
type WriteMode string

const (
	// Append adds rows to whatever is already there.
	Append WriteMode = "append"
	// Overwrite replaces the table or path contents. Only the first batch
	// of a load uses it; the rest of the load appends.
	Overwrite WriteMode = "overwrite"
)

// Options steers a single Write call.
type Options struct {
	// Table is the destination table name (warehouse destinations).
	Table string
	// Path is the resolved object path (file destinations).
	Path string
	// Format is the object format for file destinations.
	Format model.FileFormat
	Mode   WriteMode
}

// WriteResult reports what a committed Write produced.
type WriteResult struct {
	RowsWritten  int64
	BytesWritten int64
	// Artifact is the object key or table the rows landed in.
	Artifact string
}

// Destination is the write side of a table pipeline. Adapters are not safe
// for concurrent use; each table worker gets its own instance.
type Destination interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	// EnsureTable creates the destination table when it does not exist.
	// File destinations treat this as a no-op.
	EnsureTable(ctx context.Context, table string, cols []batch.ColumnSpec) error
	// EnsureColumns adds source columns missing at the destination and
	// returns their names. Columns are only ever added, never dropped or
	// retyped.
	EnsureColumns(ctx context.Context, table string, cols []batch.ColumnSpec) ([]string, error)

	// Write commits one batch. The batch is not observable at the
	// destination until Write returns nil.
	Write(ctx context.Context, opts Options, b *batch.RowBatch) (WriteResult, error)

	// CleanupPartial removes everything written for scope since Connect or
	// the last cleanup, for retries that must restart from a clean slate.
	CleanupPartial(ctx context.Context, scope string) error
}

// SnowflakeConfig is the decoded connection_config of a Snowflake connector.
type SnowflakeConfig struct {
	Account   string `json:"account"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Database  string `json:"database"`
	Schema    string `json:"schema"`
	Warehouse string `json:"warehouse"`
	Role      string `json:"role,omitempty"`
}

// S3Config is the decoded connection_config of an S3 connector.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
}

// New builds the adapter for a destination connector.
func New(c model.Connector, logger zerolog.Logger) (Destination, error) {
	if c.Kind != model.KindDestination {
		return nil, fmt.Errorf("%w: connector %s is not a destination", model.ErrConfigInvalid, c.ID)
	}
	log := logger.With().Str("component", "destination").Str("variant", c.Variant).Logger()
	switch model.DestinationVariant(c.Variant) {
	case model.DestSnowflake:
		var cfg SnowflakeConfig
		if err := decodeConfig(c.Config, &cfg); err != nil {
			return nil, fmt.Errorf("connector %s: %w", c.ID, err)
		}
		if cfg.Account == "" || cfg.Database == "" {
			return nil, fmt.Errorf("%w: snowflake account and database are required", model.ErrConfigInvalid)
		}
		return newSnowflake(cfg, log), nil
	case model.DestS3:
		var cfg S3Config
		if err := decodeConfig(c.Config, &cfg); err != nil {
			return nil, fmt.Errorf("connector %s: %w", c.ID, err)
		}
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", model.ErrConfigInvalid)
		}
		return newS3(cfg, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown destination variant %q", model.ErrConfigInvalid, c.Variant)
	}
}

func decodeConfig(raw map[string]any, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	return nil
}

// cellString renders a cell for text formats. NULL renders as the empty
// string in CSV and as JSON null in JSONL.
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
