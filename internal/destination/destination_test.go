package destination

import (
	"strings"
	"testing"
	"time"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
)

func TestObjectKey(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		path   string
		format model.FileFormat
		mode   WriteMode
		want   string
	}{
		{
			name:   "recognised extension used verbatim",
			path:   "tenants/42/Orders/data_20240301_120000.parquet",
			format: model.FormatParquet,
			mode:   Append,
			want:   "tenants/42/Orders/data_20240301_120000.parquet",
		},
		{
			name:   "missing extension appended to resolved path",
			path:   "tenants/42/Orders/data_20240301_120000",
			format: model.FormatParquet,
			mode:   Append,
			want:   "tenants/42/Orders/data_20240301_120000.parquet",
		},
		{
			name:   "bare file name gets format extension",
			path:   "exports/orders",
			format: model.FormatCSV,
			mode:   Append,
			want:   "exports/orders.csv",
		},
		{
			name:   "trailing slash gets timestamped name",
			path:   "exports/orders/",
			format: model.FormatCSV,
			mode:   Append,
			want:   "exports/orders/data_20240301_120000.csv",
		},
		{
			name:   "trailing slash overwrite gets fixed name",
			path:   "exports/orders/",
			format: model.FormatJSON,
			mode:   Overwrite,
			want:   "exports/orders/data.json",
		},
		{
			name:   "empty path writes at root",
			path:   "",
			format: model.FormatParquet,
			mode:   Append,
			want:   "data_20240301_120000.parquet",
		},
		{
			name:   "unrecognised extension still gets format extension",
			path:   "exports/v1.2",
			format: model.FormatParquet,
			mode:   Append,
			want:   "exports/v1.2.parquet",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ObjectKey(tt.path, tt.format, tt.mode, now)
			if got != tt.want {
				t.Errorf("ObjectKey(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestTableKeyPrefix(t *testing.T) {
	tests := []struct {
		table string
		want  string
	}{
		{"dbo.Orders", "dbo/Orders"},
		{"users", "users"},
		{"warehouse.public.items", "warehouse/public/items"},
	}
	for _, tt := range tests {
		if got := tableKeyPrefix(tt.table); got != tt.want {
			t.Errorf("tableKeyPrefix(%q) = %q, want %q", tt.table, got, tt.want)
		}
	}
}

func TestSnowflakeType(t *testing.T) {
	tests := []struct {
		col  batch.ColumnSpec
		want string
	}{
		{batch.ColumnSpec{Type: "nvarchar", MaxLength: -1}, "VARCHAR(16777216)"},
		{batch.ColumnSpec{Type: "nvarchar", MaxLength: 255}, "VARCHAR(255)"},
		{batch.ColumnSpec{Type: "datetime2"}, "TIMESTAMP_NTZ"},
		{batch.ColumnSpec{Type: "bit"}, "BOOLEAN"},
		{batch.ColumnSpec{Type: "uniqueidentifier"}, "VARCHAR(36)"},
		{batch.ColumnSpec{Type: "sql_variant"}, "VARCHAR(16777216)"},
		{batch.ColumnSpec{Type: "NUMBER"}, "NUMBER(38,9)"},
		{batch.ColumnSpec{Type: "varchar(100)"}, "VARCHAR(16777216)"},
		{batch.ColumnSpec{Type: "timestamp with time zone"}, "TIMESTAMP_TZ"},
	}
	for _, tt := range tests {
		if got := snowflakeType(tt.col); got != tt.want {
			t.Errorf("snowflakeType(%q) = %q, want %q", tt.col.Type, got, tt.want)
		}
	}
}

func TestEncodeCSV(t *testing.T) {
	b := batch.New([]batch.ColumnSpec{{Name: "id", Type: "int"}, {Name: "name", Type: "varchar"}})
	b.Rows = [][]any{
		{int64(1), "alice"},
		{int64(2), nil},
	}
	out, err := encodeCSV(b)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0] != "id,name" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[2] != "2," {
		t.Errorf("null row = %q, want %q", lines[2], "2,")
	}
}

func TestEncodeJSONL(t *testing.T) {
	b := batch.New([]batch.ColumnSpec{{Name: "id", Type: "int"}})
	b.Rows = [][]any{{int64(7)}}
	out, err := encodeJSONL(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(out)); got != `{"id":7}` {
		t.Errorf("jsonl = %q", got)
	}
}

func TestEncodeParquetRoundRows(t *testing.T) {
	b := batch.New([]batch.ColumnSpec{
		{Name: "id", Type: "bigint"},
		{Name: "amount", Type: "decimal"},
		{Name: "name", Type: "nvarchar"},
	})
	b.Rows = [][]any{
		{int64(1), 10.5, "a"},
		{int64(2), nil, "b"},
	}
	out, err := encodeParquet(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Fatal("empty parquet output")
	}
	// PAR1 magic at both ends.
	if string(out[:4]) != "PAR1" || string(out[len(out)-4:]) != "PAR1" {
		t.Error("output is not a parquet file")
	}
}

func TestCoerceParquet(t *testing.T) {
	if got := coerceParquet("int", "42"); got != int64(42) {
		t.Errorf("int coercion = %v", got)
	}
	if got := coerceParquet("int", "not a number"); got != nil {
		t.Errorf("bad int should become NULL, got %v", got)
	}
	if got := coerceParquet("time", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)); got != int64(1704067200000000) {
		t.Errorf("time coercion = %v", got)
	}
	if got := coerceParquet("string", int64(5)); got != "5" {
		t.Errorf("string coercion = %v", got)
	}
}
