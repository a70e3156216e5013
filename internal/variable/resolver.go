// Package variable resolves $identifier tokens in templates: path
// templates, transform arguments and query conditions. Resolution order is
// built-in dynamic, context, inline, then global variables; anything
// unresolvable becomes the literal "unknown".
package variable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
)

// Unknown is substituted for any token that fails to resolve.
const Unknown = "unknown"

var tokenRe = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// maxDepth bounds recursive resolution of expression and query values.
const maxDepth = 10

// Context carries the per-table facts templates can reference.
type Context struct {
	SourceDatabaseName string
	TableName          string
	TaskName           string
	TaskID             string
	ConnectorName      string
	Server             string
	Port               int
}

// contextMap lowers the context into its case-insensitive lookup keys.
func (c Context) contextMap() map[string]string {
	m := map[string]string{
		"sourcedatabasename": c.SourceDatabaseName,
		"tablename":          c.TableName,
		"sourcetablename":    c.TableName,
		"taskname":           c.TaskName,
		"taskid":             c.TaskID,
		"connectorname":      c.ConnectorName,
		"server":             c.Server,
		"servername":         c.Server,
	}
	if c.Port != 0 {
		m["port"] = strconv.Itoa(c.Port)
	}
	return m
}

// Resolver substitutes tokens for one table run. Not safe for concurrent
// use; each pipeline builds its own.
type Resolver struct {
	globals map[string]model.GlobalVariable
	ctx     map[string]string
	src     source.Source
	variant model.SourceVariant
	cache   map[string]string
	log     zerolog.Logger
	// Warn surfaces resolution failures without failing the transfer.
	Warn func(format string, args ...any)

	now func() time.Time
}

// New loads the active global variables once and binds the resolver to a
// table run. src may be nil when the task has no source connection open.
func New(ctx context.Context, st store.Store, src source.Source, variant model.SourceVariant, tctx Context, logger zerolog.Logger) (*Resolver, error) {
	log := logger.With().Str("component", "variable").Logger()
	r := &Resolver{
		globals: map[string]model.GlobalVariable{},
		ctx:     tctx.contextMap(),
		src:     src,
		variant: variant,
		cache:   map[string]string{},
		log:     log,
		now:     time.Now,
	}
	r.Warn = func(format string, args ...any) {
		log.Warn().Msgf(format, args...)
	}
	if st != nil {
		vars, err := st.ListVariables(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("load global variables: %w", err)
		}
		for _, v := range vars {
			r.globals[v.Name] = v
		}
	}
	return r, nil
}

// Resolve substitutes every token in the template. The trailing inline
// clause, when present, is parsed for bindings and stripped first.
func (r *Resolver) Resolve(ctx context.Context, template string) string {
	body, inline := parseInline(template)
	return r.resolveString(ctx, body, inline, 0)
}

func (r *Resolver) resolveString(ctx context.Context, s string, inline map[string]inlineVar, depth int) string {
	if depth > maxDepth {
		r.Warn("variable recursion exceeded %d levels", maxDepth)
		return s
	}
	return tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		return r.resolveToken(ctx, tok[1:], inline, depth)
	})
}

func (r *Resolver) resolveToken(ctx context.Context, name string, inline map[string]inlineVar, depth int) string {
	// Built-in dynamic, fresh on every evaluation.
	switch strings.ToLower(name) {
	case "timestamp":
		return r.now().UTC().Format("20060102_150405")
	case "date":
		return r.now().UTC().Format("20060102")
	case "uuid":
		return uuid.NewString()
	}

	if v, ok := r.ctx[strings.ToLower(name)]; ok {
		return v
	}

	if cached, ok := r.cache[name]; ok {
		return cached
	}

	if iv, ok := inline[name]; ok {
		val := r.evalInline(ctx, iv, inline, depth)
		r.cache[name] = val
		return val
	}

	if g, ok := r.globals[name]; ok {
		val := r.evalGlobal(ctx, g, inline, depth)
		r.cache[name] = val
		return val
	}

	r.Warn("variable $%s did not resolve", name)
	return Unknown
}

func (r *Resolver) evalGlobal(ctx context.Context, g model.GlobalVariable, inline map[string]inlineVar, depth int) string {
	switch g.Type {
	case model.VarStatic:
		v, _ := g.Config["value"].(string)
		return r.resolveString(ctx, v, inline, depth+1)
	case model.VarExpression:
		expr, _ := g.Config["expression"].(string)
		return r.resolveString(ctx, expr, inline, depth+1)
	case model.VarDBQuery:
		var q dbQuery
		if err := decodeQuery(g.Config, &q); err != nil {
			r.Warn("variable $%s: %v", g.Name, err)
			return Unknown
		}
		v, err := r.runQuery(ctx, q, inline, depth)
		if err != nil {
			r.Warn("variable $%s: %v", g.Name, err)
			return Unknown
		}
		return v
	default:
		r.Warn("variable $%s has unknown type %q", g.Name, g.Type)
		return Unknown
	}
}

func (r *Resolver) evalInline(ctx context.Context, iv inlineVar, inline map[string]inlineVar, depth int) string {
	switch iv.kind {
	case inlineStatic:
		return iv.value
	case inlineExpression:
		return r.resolveString(ctx, iv.value, inline, depth+1)
	case inlineQuery:
		v, err := r.runQuery(ctx, iv.query, inline, depth)
		if err != nil {
			r.Warn("inline variable $%s: %v", iv.name, err)
			return Unknown
		}
		return v
	default:
		return Unknown
	}
}

// dbQuery is the config payload of a db_query variable.
type dbQuery struct {
	Schema string           `json:"schema"`
	Table  string           `json:"table"`
	Column string           `json:"column"`
	Where  []whereCondition `json:"where_conditions"`

	// RawQuery bypasses query building; it must be a bare SELECT.
	RawQuery string `json:"raw_query,omitempty"`

	// Optional scoped connection; empty means the task's source.
	Server   string `json:"server,omitempty"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type whereCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

func decodeQuery(raw map[string]any, dst *dbQuery) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

var allowedOperators = map[string]struct{}{
	"=": {}, "!=": {}, ">": {}, "<": {}, ">=": {}, "<=": {}, "LIKE": {}, "IN": {},
}

var nonWordRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// cleanIdent strips an identifier down to word characters before quoting.
func cleanIdent(s string) string {
	return nonWordRe.ReplaceAllString(s, "")
}

func (r *Resolver) runQuery(ctx context.Context, q dbQuery, inline map[string]inlineVar, depth int) (string, error) {
	db, dialect, cleanup, err := r.queryTarget(ctx, q)
	if err != nil {
		return "", err
	}
	defer cleanup()

	if q.RawQuery != "" {
		if !isSelect(q.RawQuery) {
			return "", fmt.Errorf("raw query is not a SELECT")
		}
		return scanScalar(ctx, db, q.RawQuery)
	}

	query, args, err := buildQuery(dialect, q, func(v string) string {
		return r.resolveString(ctx, v, inline, depth+1)
	})
	if err != nil {
		return "", err
	}
	return scanScalar(ctx, db, query, args...)
}

// buildQuery assembles a parameterised scalar SELECT. Identifiers are
// stripped to word characters and quoted; every condition value becomes a
// bound parameter after token resolution.
func buildQuery(dialect source.Dialect, q dbQuery, resolveValue func(string) string) (string, []any, error) {
	if q.Column == "" || q.Table == "" {
		return "", nil, fmt.Errorf("db_query needs column and table")
	}
	target := dialect.QuoteIdent(cleanIdent(q.Table))
	if q.Schema != "" {
		target = dialect.QuoteIdent(cleanIdent(q.Schema)) + "." + target
	}
	sb := strings.Builder{}
	sb.WriteString("SELECT ")
	sb.WriteString(dialect.QuoteIdent(cleanIdent(q.Column)))
	sb.WriteString(" FROM ")
	sb.WriteString(target)

	var args []any
	argn := 0
	for i, w := range q.Where {
		op := strings.ToUpper(strings.TrimSpace(w.Operator))
		if _, ok := allowedOperators[op]; !ok {
			return "", nil, fmt.Errorf("operator %q not allowed", w.Operator)
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString(dialect.QuoteIdent(cleanIdent(w.Field)))
		sb.WriteString(" ")
		sb.WriteString(op)

		resolved := resolveValue(w.Value)
		if op == "IN" {
			parts := strings.Split(resolved, ",")
			marks := make([]string, len(parts))
			for j, p := range parts {
				argn++
				marks[j] = dialect.Placeholder(argn)
				args = append(args, unquote(strings.TrimSpace(p)))
			}
			sb.WriteString(" (")
			sb.WriteString(strings.Join(marks, ", "))
			sb.WriteString(")")
		} else {
			argn++
			sb.WriteString(" ")
			sb.WriteString(dialect.Placeholder(argn))
			args = append(args, resolved)
		}
	}
	return sb.String(), args, nil
}

// queryTarget picks the connection a db_query runs on: a fresh scoped one
// when the variable carries its own server, the task's source otherwise.
func (r *Resolver) queryTarget(ctx context.Context, q dbQuery) (*sql.DB, source.Dialect, func(), error) {
	if q.Server == "" {
		if r.src == nil {
			return nil, source.Dialect{}, nil, fmt.Errorf("no source connection available")
		}
		return r.src.DB(), r.src.Dialect(), func() {}, nil
	}
	conn := model.Connector{
		ID:      "variable-scoped",
		Name:    "variable-scoped",
		Kind:    model.KindSource,
		Variant: string(r.variant),
		Config: map[string]any{
			"host":     q.Server,
			"port":     q.Port,
			"database": q.Database,
			"username": q.Username,
			"password": q.Password,
		},
	}
	scoped, err := source.New(conn, r.log)
	if err != nil {
		return nil, source.Dialect{}, nil, err
	}
	if err := scoped.Connect(ctx); err != nil {
		return nil, source.Dialect{}, nil, err
	}
	return scoped.DB(), scoped.Dialect(), func() { scoped.Close() }, nil
}

func scanScalar(ctx context.Context, db *sql.DB, query string, args ...any) (string, error) {
	var v any
	if err := db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return "", err
	}
	return formatScalar(v), nil
}

// formatScalar renders a query result the way a template wants it:
// integral numbers without a decimal point.
func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return Unknown
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format("20060102_150405")
	default:
		return fmt.Sprintf("%v", x)
	}
}

func isSelect(q string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(q)), "SELECT")
}
