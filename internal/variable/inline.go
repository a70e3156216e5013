package variable

import (
	"regexp"
	"strings"
)

// Inline variables ride on the template itself:
//
//	exports/$region/$tableName where $region = SELECT region FROM config.tenants WHERE id = 7
//
// The clause is stripped from the template before substitution.

type inlineKind int

const (
	inlineStatic inlineKind = iota
	inlineExpression
	inlineQuery
)

type inlineVar struct {
	name  string
	kind  inlineKind
	value string
	query dbQuery
}

var (
	inlineClauseRe  = regexp.MustCompile(`(?i)\s+where\s+\$[A-Za-z_][A-Za-z0-9_]*\s*=`)
	inlineBindingRe = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)
	selectRe        = regexp.MustCompile(`(?is)^SELECT\s+([A-Za-z0-9_]+)\s+FROM\s+(?:([A-Za-z0-9_]+)\.)?([A-Za-z0-9_]+)(?:\s+WHERE\s+(.+))?$`)
	conditionRe     = regexp.MustCompile(`(?is)^([A-Za-z0-9_]+)\s*(>=|<=|!=|=|>|<|LIKE|IN)\s*(.+)$`)
	andSplitRe      = regexp.MustCompile(`(?i)\s+AND\s+`)
)

// parseInline splits a template into its body and inline bindings. The
// clause starts at the first " where $name =" occurrence; SELECT text
// inside a binding never matches that shape, so bindings survive intact.
func parseInline(template string) (string, map[string]inlineVar) {
	locs := inlineClauseRe.FindAllStringIndex(template, -1)
	if len(locs) == 0 {
		return template, nil
	}
	start := locs[0][0]
	body := template[:start]
	clause := strings.TrimSpace(template[start:])
	// Drop the leading "where".
	clause = strings.TrimSpace(clause[len("where"):])

	vars := map[string]inlineVar{}
	for _, binding := range splitBindings(clause) {
		m := inlineBindingRe.FindStringSubmatch(strings.TrimSpace(binding))
		if m == nil {
			continue
		}
		vars[m[1]] = classifyInline(m[1], strings.TrimSpace(m[2]))
	}
	if len(vars) == 0 {
		return template, nil
	}
	return strings.TrimRight(body, " "), vars
}

// splitBindings splits "a = x, b = y" on commas, gluing back fragments
// that do not start a new $name binding (commas inside SELECTs).
func splitBindings(clause string) []string {
	parts := strings.Split(clause, ",")
	var out []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if inlineBindingRe.MatchString(trimmed) || len(out) == 0 {
			out = append(out, p)
		} else {
			out[len(out)-1] += "," + p
		}
	}
	return out
}

func classifyInline(name, expr string) inlineVar {
	if isSelect(expr) {
		q, ok := parseSelect(expr)
		if !ok {
			// Keep the statement verbatim; it runs parameterless.
			q = dbQuery{RawQuery: expr}
		}
		return inlineVar{name: name, kind: inlineQuery, query: q}
	}
	if strings.Contains(expr, "$") {
		return inlineVar{name: name, kind: inlineExpression, value: expr}
	}
	return inlineVar{name: name, kind: inlineStatic, value: unquote(expr)}
}

// parseSelect recognises single-column, single-table SELECTs and lifts
// them into a parameterised query description.
func parseSelect(expr string) (dbQuery, bool) {
	m := selectRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return dbQuery{}, false
	}
	q := dbQuery{Column: m[1], Schema: m[2], Table: m[3]}
	if m[4] != "" {
		for _, cond := range andSplitRe.Split(m[4], -1) {
			cm := conditionRe.FindStringSubmatch(strings.TrimSpace(cond))
			if cm == nil {
				return dbQuery{}, false
			}
			op := strings.ToUpper(cm[2])
			value := strings.TrimSpace(cm[3])
			if op == "IN" {
				value = strings.TrimSpace(strings.Trim(value, "()"))
			}
			q.Where = append(q.Where, whereCondition{
				Field:    cm[1],
				Operator: op,
				Value:    unquote(value),
			})
		}
	}
	return q, true
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
