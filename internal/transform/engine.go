// Package transform applies ordered, declarative transformations to row
// batches between read and write. Transforms are pure over the batch;
// their string arguments may carry $tokens resolved per batch.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
)

// Engine applies transformation lists. resolve substitutes $tokens in
// string arguments; a nil resolve leaves them untouched.
type Engine struct {
	resolve func(string) string
	log     zerolog.Logger
}

// New builds an engine bound to a resolver hook.
func New(resolve func(string) string, logger zerolog.Logger) *Engine {
	if resolve == nil {
		resolve = func(s string) string { return s }
	}
	return &Engine{
		resolve: resolve,
		log:     logger.With().Str("component", "transform").Logger(),
	}
}

// Apply runs the transforms in list order over a copy of the batch. The
// input batch is never mutated. Any failing transform fails the whole
// batch.
func (e *Engine) Apply(b *batch.RowBatch, list []model.Transformation) (*batch.RowBatch, error) {
	if len(list) == 0 {
		return b, nil
	}
	out := b.Clone()
	for i, t := range list {
		if err := e.applyOne(out, t); err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %v", model.ErrTransformation, i+1, t.Type, err)
		}
		if dup := duplicateColumn(out); dup != "" {
			return nil, fmt.Errorf("%w: step %d (%s): duplicate column %q", model.ErrTransformation, i+1, t.Type, dup)
		}
	}
	return out, nil
}

func duplicateColumn(b *batch.RowBatch) string {
	seen := make(map[string]struct{}, len(b.Columns))
	for _, c := range b.Columns {
		if _, ok := seen[c.Name]; ok {
			return c.Name
		}
		seen[c.Name] = struct{}{}
	}
	return ""
}

func (e *Engine) applyOne(b *batch.RowBatch, t model.Transformation) error {
	switch t.Type {
	case "add_column":
		return e.addColumn(b, t.Config)
	case "rename_column":
		return e.renameColumn(b, t.Config)
	case "drop_column":
		return e.dropColumn(b, t.Config)
	case "cast_type":
		return e.castType(b, t.Config)
	case "filter_rows":
		return e.filterRows(b, t.Config)
	case "replace_value":
		return e.replaceValue(b, t.Config)
	case "concatenate_columns":
		return e.concatenateColumns(b, t.Config)
	case "split_column":
		return e.splitColumn(b, t.Config)
	case "apply_function":
		return e.applyFunction(b, t.Config)
	default:
		return fmt.Errorf("unknown transform type %q", t.Type)
	}
}

func cfgString(cfg map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := cfg[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if v != nil {
				return fmt.Sprintf("%v", v)
			}
		}
	}
	return ""
}

func cfgStrings(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return nil
	}
}

func (e *Engine) addColumn(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column_name", "name")
	if name == "" {
		return fmt.Errorf("add_column needs column_name")
	}
	values := make([]any, b.NumRows())
	colType := "varchar"

	switch {
	case cfgString(cfg, "function") != "":
		switch fn := cfgString(cfg, "function"); fn {
		case "current_timestamp":
			now := time.Now().UTC()
			colType = "timestamp"
			for i := range values {
				values[i] = now
			}
		case "row_number":
			colType = "bigint"
			for i := range values {
				values[i] = int64(i + 1)
			}
		case "uuid":
			for i := range values {
				values[i] = uuid.NewString()
			}
		default:
			return fmt.Errorf("unknown add_column function %q", fn)
		}
	case cfgString(cfg, "source_column") != "":
		src := cfgString(cfg, "source_column")
		idx := b.ColumnIndex(src)
		if idx < 0 {
			return fmt.Errorf("source column %q not found", src)
		}
		colType = b.Columns[idx].Type
		for i, row := range b.Rows {
			values[i] = row[idx]
		}
	default:
		v := e.resolve(cfgString(cfg, "value"))
		for i := range values {
			values[i] = v
		}
	}
	return b.AppendColumn(batch.ColumnSpec{Name: name, Type: colType, Nullable: true}, values)
}

func (e *Engine) renameColumn(b *batch.RowBatch, cfg map[string]any) error {
	old := cfgString(cfg, "old_name", "column_name")
	newName := cfgString(cfg, "new_name")
	if old == "" || newName == "" {
		return fmt.Errorf("rename_column needs old_name and new_name")
	}
	idx := b.ColumnIndex(old)
	if idx < 0 {
		return nil
	}
	b.Columns[idx].Name = newName
	return nil
}

func (e *Engine) dropColumn(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column_name")
	if name == "" {
		return fmt.Errorf("drop_column needs column_name")
	}
	idx := b.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	b.DropColumn(idx)
	return nil
}

func (e *Engine) castType(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column_name")
	target := strings.ToLower(cfgString(cfg, "target_type", "new_type"))
	idx := b.ColumnIndex(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}
	for i, row := range b.Rows {
		v, err := castCell(row[idx], target)
		if err != nil {
			return fmt.Errorf("row %d: %v", i, err)
		}
		row[idx] = v
	}
	b.Columns[idx].Type = target
	return nil
}

func castCell(v any, target string) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := asString(v)
	switch target {
	case "int", "integer", "bigint":
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to %s", s, target)
		}
		return n, nil
	case "float", "double", "decimal":
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to %s", s, target)
		}
		return f, nil
	case "bool", "boolean":
		bv, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to %s", s, target)
		}
		return bv, nil
	case "string", "varchar", "text":
		return s, nil
	case "datetime", "timestamp":
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("cannot cast %q to %s", s, target)
	default:
		return nil, fmt.Errorf("unknown target type %q", target)
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func (e *Engine) filterRows(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column", "column_name")
	op := cfgString(cfg, "operator")
	value := e.resolve(cfgString(cfg, "value"))
	idx := b.ColumnIndex(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}

	kept := b.Rows[:0]
	for _, row := range b.Rows {
		keep, err := compare(row[idx], op, value)
		if err != nil {
			return err
		}
		if keep {
			kept = append(kept, row)
		}
	}
	b.Rows = kept
	return nil
}

func compare(cell any, op, value string) (bool, error) {
	cs := ""
	if cell != nil {
		cs = asString(cell)
	}
	switch op {
	case "==", "=":
		return cs == value, nil
	case "!=":
		return cs != value, nil
	case ">", "<", ">=", "<=":
		a, aerr := strconv.ParseFloat(strings.TrimSpace(cs), 64)
		bv, berr := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if aerr != nil || berr != nil {
			// Fall back to lexicographic ordering for non-numeric cells.
			switch op {
			case ">":
				return cs > value, nil
			case "<":
				return cs < value, nil
			case ">=":
				return cs >= value, nil
			default:
				return cs <= value, nil
			}
		}
		switch op {
		case ">":
			return a > bv, nil
		case "<":
			return a < bv, nil
		case ">=":
			return a >= bv, nil
		default:
			return a <= bv, nil
		}
	case "in", "not_in":
		found := false
		for _, p := range strings.Split(value, ",") {
			if strings.TrimSpace(p) == cs {
				found = true
				break
			}
		}
		if op == "in" {
			return found, nil
		}
		return !found, nil
	default:
		return false, fmt.Errorf("unknown filter operator %q", op)
	}
}

func (e *Engine) replaceValue(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column_name")
	oldV := e.resolve(cfgString(cfg, "old_value"))
	newV := e.resolve(cfgString(cfg, "new_value"))
	idx := b.ColumnIndex(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}
	for _, row := range b.Rows {
		if row[idx] != nil && asString(row[idx]) == oldV {
			row[idx] = newV
		}
	}
	return nil
}

func (e *Engine) concatenateColumns(b *batch.RowBatch, cfg map[string]any) error {
	cols := cfgStrings(cfg, "columns")
	target := cfgString(cfg, "new_column", "column_name")
	sep := cfgString(cfg, "separator")
	if len(cols) == 0 || target == "" {
		return fmt.Errorf("concatenate_columns needs columns and new_column")
	}
	idxs := make([]int, len(cols))
	for i, c := range cols {
		idxs[i] = b.ColumnIndex(c)
		if idxs[i] < 0 {
			return fmt.Errorf("column %q not found", c)
		}
	}
	values := make([]any, b.NumRows())
	parts := make([]string, len(idxs))
	for i, row := range b.Rows {
		for j, idx := range idxs {
			if row[idx] == nil {
				parts[j] = ""
			} else {
				parts[j] = asString(row[idx])
			}
		}
		values[i] = strings.Join(parts, sep)
	}
	return b.AppendColumn(batch.ColumnSpec{Name: target, Type: "varchar", Nullable: true}, values)
}

func (e *Engine) splitColumn(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column_name")
	sep := cfgString(cfg, "separator")
	targets := cfgStrings(cfg, "new_columns")
	if name == "" || sep == "" || len(targets) == 0 {
		return fmt.Errorf("split_column needs column_name, separator and new_columns")
	}
	idx := b.ColumnIndex(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}
	columns := make([][]any, len(targets))
	for i := range columns {
		columns[i] = make([]any, b.NumRows())
	}
	for i, row := range b.Rows {
		var parts []string
		if row[idx] != nil {
			parts = strings.Split(asString(row[idx]), sep)
		}
		for j := range targets {
			if j < len(parts) {
				columns[j][i] = parts[j]
			}
		}
	}
	for j, t := range targets {
		if err := b.AppendColumn(batch.ColumnSpec{Name: t, Type: "varchar", Nullable: true}, columns[j]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyFunction(b *batch.RowBatch, cfg map[string]any) error {
	name := cfgString(cfg, "column_name")
	fn := cfgString(cfg, "function")
	idx := b.ColumnIndex(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}
	for _, row := range b.Rows {
		if row[idx] == nil {
			continue
		}
		s := asString(row[idx])
		switch fn {
		case "upper":
			row[idx] = strings.ToUpper(s)
		case "lower":
			row[idx] = strings.ToLower(s)
		case "trim":
			row[idx] = strings.TrimSpace(s)
		case "length":
			row[idx] = int64(len(s))
		default:
			return fmt.Errorf("unknown function %q", fn)
		}
	}
	if fn == "length" {
		b.Columns[idx].Type = "bigint"
	}
	return nil
}
