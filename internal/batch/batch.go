// Package batch defines the in-memory tabular value that flows through the
// extract-transform-load loop. It replaces driver- or library-specific row
// containers with a plain columns+rows structure transformations can
// operate on.
package batch

import (
	"fmt"
	"time"
)

// ColumnSpec describes one column of a batch or table.
type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MaxLength  int    `json:"max_length,omitempty"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"is_primary_key,omitempty"`
	Default    string `json:"default,omitempty"`
}

// RowBatch is one batch of rows read from a source. Cell values are the
// driver-decoded Go values; nil means SQL NULL.
type RowBatch struct {
	Columns []ColumnSpec
	Rows    [][]any
}

// New creates an empty batch with the given columns.
func New(cols []ColumnSpec) *RowBatch {
	return &RowBatch{Columns: cols}
}

// NumRows returns the row count.
func (b *RowBatch) NumRows() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Empty reports whether the batch carries no rows.
func (b *RowBatch) Empty() bool {
	return b.NumRows() == 0
}

// ColumnIndex returns the position of a column by name, or -1.
func (b *RowBatch) ColumnIndex(name string) int {
	for i, c := range b.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ColumnNames returns the column names in order.
func (b *RowBatch) ColumnNames() []string {
	names := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone deep-copies the batch structure. Cell values are shared: transforms
// replace cells, they never mutate them in place.
func (b *RowBatch) Clone() *RowBatch {
	out := &RowBatch{
		Columns: append([]ColumnSpec(nil), b.Columns...),
		Rows:    make([][]any, len(b.Rows)),
	}
	for i, r := range b.Rows {
		out.Rows[i] = append([]any(nil), r...)
	}
	return out
}

// AppendColumn adds a column with one value per row. values must match the
// row count.
func (b *RowBatch) AppendColumn(spec ColumnSpec, values []any) error {
	if len(values) != len(b.Rows) {
		return fmt.Errorf("column %q: %d values for %d rows", spec.Name, len(values), len(b.Rows))
	}
	if b.ColumnIndex(spec.Name) >= 0 {
		return fmt.Errorf("column %q already exists", spec.Name)
	}
	b.Columns = append(b.Columns, spec)
	for i := range b.Rows {
		b.Rows[i] = append(b.Rows[i], values[i])
	}
	return nil
}

// DropColumn removes a column by index.
func (b *RowBatch) DropColumn(idx int) {
	b.Columns = append(b.Columns[:idx], b.Columns[idx+1:]...)
	for i, r := range b.Rows {
		b.Rows[i] = append(r[:idx], r[idx+1:]...)
	}
}

// EstimateBytes approximates the in-memory size of the batch. It is used
// only for the soft batch_size_mb budget; destinations report the actual
// serialized size.
func (b *RowBatch) EstimateBytes() int64 {
	var n int64
	for _, row := range b.Rows {
		for _, v := range row {
			n += cellSize(v)
		}
	}
	return n
}

func cellSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 1
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	case bool:
		return 1
	case time.Time:
		return 16
	default:
		return 8
	}
}
