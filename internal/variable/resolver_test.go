package variable

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
)

func newTestResolver(t *testing.T, vars ...model.GlobalVariable) *Resolver {
	t.Helper()
	st := store.NewMemory()
	for i, v := range vars {
		if v.ID == "" {
			v.ID = fmt.Sprintf("v%d", i)
		}
		v.IsActive = true
		if err := st.CreateVariable(context.Background(), v); err != nil {
			t.Fatal(err)
		}
	}
	r, err := New(context.Background(), st, nil, model.SourcePostgreSQL, Context{
		SourceDatabaseName: "appdb",
		TableName:          "Orders",
		TaskName:           "nightly",
		TaskID:             "task-1",
		Server:             "db1.internal",
		Port:               5432,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestResolveContextAndBuiltins(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	tests := []struct {
		template string
		want     string
	}{
		{"exports/$tableName/data_$timestamp", "exports/Orders/data_20240301_120000"},
		{"$sourceDatabaseName/$date", "appdb/20240301"},
		{"$TASKNAME-$taskid", "nightly-task-1"},
		{"$server:$port", "db1.internal:5432"},
		{"$sourceTableName", "Orders"},
		{"no tokens here", "no tokens here"},
		{"$nope/$tableName", "unknown/Orders"},
	}
	for _, tt := range tests {
		if got := r.Resolve(ctx, tt.template); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestResolveUUIDNeverCached(t *testing.T) {
	r := newTestResolver(t)
	out := r.Resolve(context.Background(), "$uuid $uuid")
	parts := strings.Fields(out)
	if len(parts) != 2 || parts[0] == parts[1] {
		t.Errorf("two $uuid evaluations must differ, got %q", out)
	}
	if len(parts[0]) != 36 {
		t.Errorf("not a uuid: %q", parts[0])
	}
}

func TestResolveGlobals(t *testing.T) {
	r := newTestResolver(t,
		model.GlobalVariable{Name: "env", Type: model.VarStatic, Config: map[string]any{"value": "prod"}},
		model.GlobalVariable{Name: "path_base", Type: model.VarExpression,
			Config: map[string]any{"expression": "$env/$tableName"}},
	)
	ctx := context.Background()

	if got := r.Resolve(ctx, "s3://$path_base/file"); got != "s3://prod/Orders/file" {
		t.Errorf("expression resolution = %q", got)
	}
	// Name matching for globals is exact.
	if got := r.Resolve(ctx, "$ENV"); got != Unknown {
		t.Errorf("case-mismatched global = %q, want %q", got, Unknown)
	}
}

func TestResolveDeterminismWithinInstance(t *testing.T) {
	r := newTestResolver(t,
		model.GlobalVariable{Name: "env", Type: model.VarStatic, Config: map[string]any{"value": "prod"}},
	)
	ctx := context.Background()
	a := r.Resolve(ctx, "$env/$tableName/$date")
	b := r.Resolve(ctx, "$env/$tableName/$date")
	if a != b {
		t.Errorf("same template resolved differently: %q vs %q", a, b)
	}
}

func TestParseInline(t *testing.T) {
	body, vars := parseInline("exports/$region/$tableName where $region = 'emea', $cutoff = SELECT max_id FROM config.limits WHERE tenant = 7")
	if body != "exports/$region/$tableName" {
		t.Errorf("body = %q", body)
	}
	if len(vars) != 2 {
		t.Fatalf("got %d inline vars, want 2", len(vars))
	}
	if v := vars["region"]; v.kind != inlineStatic || v.value != "emea" {
		t.Errorf("region = %+v", v)
	}
	q := vars["cutoff"]
	if q.kind != inlineQuery || q.query.Column != "max_id" || q.query.Schema != "config" || q.query.Table != "limits" {
		t.Errorf("cutoff = %+v", q)
	}
	if len(q.query.Where) != 1 || q.query.Where[0].Field != "tenant" || q.query.Where[0].Value != "7" {
		t.Errorf("cutoff where = %+v", q.query.Where)
	}

	body, vars = parseInline("plain/path/no/clause")
	if body != "plain/path/no/clause" || vars != nil {
		t.Errorf("no-clause parse = %q, %v", body, vars)
	}
}

func TestParseInlineExpressionAndRawQuery(t *testing.T) {
	_, vars := parseInline("x where $combo = $env-$date, $odd = SELECT a, b FROM t1 JOIN t2 ON x")
	if v := vars["combo"]; v.kind != inlineExpression || v.value != "$env-$date" {
		t.Errorf("combo = %+v", v)
	}
	// Multi-column joins defeat the recogniser; the text runs verbatim.
	if v := vars["odd"]; v.kind != inlineQuery || v.query.RawQuery == "" {
		t.Errorf("odd = %+v", v)
	}
}

func TestResolveInlineShadowsGlobal(t *testing.T) {
	r := newTestResolver(t,
		model.GlobalVariable{Name: "region", Type: model.VarStatic, Config: map[string]any{"value": "global-value"}},
	)
	got := r.Resolve(context.Background(), "x/$region where $region = 'inline-value'")
	if got != "x/inline-value" {
		t.Errorf("inline should shadow global, got %q", got)
	}
}

func TestBuildQuerySQLInjectionSafety(t *testing.T) {
	dialect := source.Dialect{
		QuoteIdent:  func(s string) string { return "[" + s + "]" },
		Placeholder: func(i int) string { return fmt.Sprintf("@p%d", i) },
	}
	q := dbQuery{
		Schema: "dbo",
		Table:  "tenants; DROP TABLE users--",
		Column: "id",
		Where: []whereCondition{
			{Field: "name' OR '1'='1", Operator: "=", Value: "x'; DELETE FROM t; --"},
		},
	}
	sqlText, args, err := buildQuery(dialect, q, func(v string) string { return v })
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT [id] FROM [dbo].[tenantsDROPTABLEusers] WHERE [nameOR11] = @p1"
	if sqlText != want {
		t.Errorf("query = %q, want %q", sqlText, want)
	}
	if len(args) != 1 || args[0] != "x'; DELETE FROM t; --" {
		t.Errorf("value not bound as parameter: %v", args)
	}
}

func TestBuildQueryIN(t *testing.T) {
	dialect := source.Dialect{
		QuoteIdent:  func(s string) string { return `"` + s + `"` },
		Placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	}
	q := dbQuery{
		Table:  "t",
		Column: "c",
		Where:  []whereCondition{{Field: "id", Operator: "IN", Value: "1, 2, 3"}},
	}
	sqlText, args, err := buildQuery(dialect, q, func(v string) string { return v })
	if err != nil {
		t.Fatal(err)
	}
	if sqlText != `SELECT "c" FROM "t" WHERE "id" IN ($1, $2, $3)` {
		t.Errorf("query = %q", sqlText)
	}
	if len(args) != 3 || args[0] != "1" || args[2] != "3" {
		t.Errorf("args = %v", args)
	}
}

func TestBuildQueryRejectsUnknownOperator(t *testing.T) {
	dialect := source.Dialect{
		QuoteIdent:  func(s string) string { return s },
		Placeholder: func(i int) string { return "?" },
	}
	q := dbQuery{
		Table:  "t",
		Column: "c",
		Where:  []whereCondition{{Field: "id", Operator: "UNION", Value: "x"}},
	}
	if _, _, err := buildQuery(dialect, q, func(v string) string { return v }); err == nil {
		t.Error("non-whitelisted operator must be rejected")
	}
}

func TestFormatScalar(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{int64(42), "42"},
		{float64(42), "42"},
		{float64(4.5), "4.5"},
		{"text", "text"},
		{[]byte("bytes"), "bytes"},
		{true, "true"},
		{nil, Unknown},
	}
	for _, tt := range tests {
		if got := formatScalar(tt.in); got != tt.want {
			t.Errorf("formatScalar(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
