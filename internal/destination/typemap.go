package destination

import (
	"fmt"
	"strings"

	"github.com/transferd/transferd/internal/batch"
)

// snowflakeType maps a source column type to its Snowflake equivalent.
// Unknown types fall back to the widest VARCHAR rather than failing the
// transfer.
func snowflakeType(c batch.ColumnSpec) string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	// Strip a length suffix like varchar(255).
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "bit", "boolean", "bool":
		return "BOOLEAN"
	case "tinyint", "smallint", "int2":
		return "SMALLINT"
	case "int", "integer", "int4", "mediumint", "serial":
		return "INTEGER"
	case "bigint", "int8", "bigserial", "long":
		return "BIGINT"
	case "decimal", "numeric", "number", "money", "smallmoney":
		return "NUMBER(38,9)"
	case "real", "float4":
		return "FLOAT"
	case "float", "float8", "double", "double precision", "binary_double", "binary_float":
		return "FLOAT"
	case "date":
		return "DATE"
	case "time", "time without time zone":
		return "TIME"
	case "datetime", "datetime2", "smalldatetime", "timestamp", "timestamp without time zone":
		return "TIMESTAMP_NTZ"
	case "datetimeoffset", "timestamptz", "timestamp with time zone":
		return "TIMESTAMP_TZ"
	case "binary", "varbinary", "bytea", "blob", "raw", "image":
		return "BINARY"
	case "json", "jsonb":
		return "VARIANT"
	case "uuid", "uniqueidentifier":
		return "VARCHAR(36)"
	case "char", "nchar", "character":
		if c.MaxLength > 0 {
			return fmt.Sprintf("CHAR(%d)", c.MaxLength)
		}
		return "CHAR(1)"
	case "varchar", "nvarchar", "character varying", "varchar2", "nvarchar2", "text",
		"ntext", "tinytext", "mediumtext", "longtext", "clob", "nclob":
		// max-length markers (-1) and unbounded text widen fully.
		if c.MaxLength > 0 && c.MaxLength <= 16777216 {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
		}
		return "VARCHAR(16777216)"
	default:
		return "VARCHAR(16777216)"
	}
}
