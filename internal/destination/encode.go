package destination

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
)

// encodeBatch serializes a batch into the requested object format.
func encodeBatch(format model.FileFormat, b *batch.RowBatch) ([]byte, error) {
	switch format {
	case model.FormatCSV:
		return encodeCSV(b)
	case model.FormatJSON:
		return encodeJSONL(b)
	case model.FormatParquet, "":
		return encodeParquet(b)
	default:
		return nil, fmt.Errorf("%w: file format %q", model.ErrConfigInvalid, format)
	}
}

func encodeCSV(b *batch.RowBatch) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(b.ColumnNames()); err != nil {
		return nil, err
	}
	record := make([]string, len(b.Columns))
	for _, row := range b.Rows {
		for i, v := range row {
			record[i] = cellString(v)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func encodeJSONL(b *batch.RowBatch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	names := b.ColumnNames()
	for _, row := range b.Rows {
		obj := make(map[string]any, len(names))
		for i, name := range names {
			obj[name] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// columnClass buckets a source type into the parquet physical type it
// serializes to.
func columnClass(sourceType string) string {
	t := strings.ToLower(sourceType)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch {
	case strings.Contains(t, "bool") || t == "bit":
		return "bool"
	case strings.Contains(t, "int") || t == "serial" || t == "bigserial":
		return "int"
	case strings.Contains(t, "float") || strings.Contains(t, "double") ||
		strings.Contains(t, "decimal") || strings.Contains(t, "numeric") ||
		strings.Contains(t, "number") || strings.Contains(t, "real") ||
		strings.Contains(t, "money"):
		return "float"
	case strings.Contains(t, "timestamp") || strings.Contains(t, "datetime") ||
		t == "date" || t == "smalldatetime":
		return "time"
	default:
		return "string"
	}
}

func parquetSchema(cols []batch.ColumnSpec) *parquet.Schema {
	group := parquet.Group{}
	for _, c := range cols {
		var node parquet.Node
		switch columnClass(c.Type) {
		case "bool":
			node = parquet.Leaf(parquet.BooleanType)
		case "int":
			node = parquet.Int(64)
		case "float":
			node = parquet.Leaf(parquet.DoubleType)
		case "time":
			node = parquet.Timestamp(parquet.Microsecond)
		default:
			node = parquet.String()
		}
		group[c.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema("rows", group)
}

func encodeParquet(b *batch.RowBatch) ([]byte, error) {
	schema := parquetSchema(b.Columns)
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[map[string]any](&buf, schema)

	rows := make([]map[string]any, 0, len(b.Rows))
	for _, row := range b.Rows {
		obj := make(map[string]any, len(b.Columns))
		for i, c := range b.Columns {
			obj[c.Name] = coerceParquet(columnClass(c.Type), row[i])
		}
		rows = append(rows, obj)
	}
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// coerceParquet fits a driver value to its parquet column. Values that do
// not fit become NULL rather than failing the batch.
func coerceParquet(class string, v any) any {
	if v == nil {
		return nil
	}
	switch class {
	case "bool":
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil
			}
			return b
		}
		return nil
	case "int":
		switch x := v.(type) {
		case int64:
			return x
		case int:
			return int64(x)
		case int32:
			return int64(x)
		case uint64:
			return int64(x)
		case float64:
			return int64(x)
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil
			}
			return n
		}
		return nil
	case "float":
		switch x := v.(type) {
		case float64:
			return x
		case float32:
			return float64(x)
		case int64:
			return float64(x)
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil
			}
			return f
		}
		return nil
	case "time":
		switch x := v.(type) {
		case time.Time:
			return x.UnixMicro()
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, x); err == nil {
					return ts.UnixMicro()
				}
			}
			return nil
		case int64:
			return x
		}
		return nil
	default:
		return cellString(v)
	}
}
