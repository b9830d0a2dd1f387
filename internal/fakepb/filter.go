package fakepb

import (
	"fmt"
	"strconv"
	"strings"
)

// condition is one `field op value` comparison.
type condition struct {
	field string
	op    string
	value string
	null  bool
}

// anyOf holds alternatives joined by ||.
type anyOf []condition

// filter is a conjunction of alternatives, which covers what the services
// send: `a="x" && (b="y" || b="z")`.
type filter []anyOf

func parseFilter(expr string) (filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var f filter
	for _, part := range splitTopLevel(expr, "&&") {
		part = trimParens(strings.TrimSpace(part))

		var alternatives anyOf
		for _, clause := range splitTopLevel(part, "||") {
			cond, err := parseCondition(trimParens(strings.TrimSpace(clause)))
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, cond)
		}
		f = append(f, alternatives)
	}
	return f, nil
}

func parseCondition(clause string) (condition, error) {
	idx := strings.IndexAny(clause, "!=~<>")
	if idx <= 0 {
		return condition{}, fmt.Errorf("invalid filter clause %q", clause)
	}

	op := clause[idx : idx+1]
	if idx+1 < len(clause) && clause[idx+1] == '=' {
		op += "="
	}
	if op == "!" {
		return condition{}, fmt.Errorf("invalid operator in %q", clause)
	}

	cond := condition{
		field: strings.TrimSpace(clause[:idx]),
		op:    op,
	}

	raw := strings.TrimSpace(clause[idx+len(op):])
	switch {
	case raw == "null":
		cond.null = true
	case len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0]:
		cond.value = raw[1 : len(raw)-1]
	default:
		cond.value = raw
	}

	return cond, nil
}

func (f filter) matches(rec Record) bool {
	for _, alternatives := range f {
		ok := false
		for _, cond := range alternatives {
			if cond.matches(rec) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (c condition) matches(rec Record) bool {
	actual := stringify(rec[c.field])
	expected := c.value
	if c.null {
		expected = ""
	}

	switch c.op {
	case "=":
		return actual == expected
	case "!=":
		return actual != expected
	case "~":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case ">", ">=", "<", "<=":
		return compare(actual, expected, c.op)
	}
	return false
}

func compare(a, b, op string) bool {
	af, aErr := strconv.ParseFloat(a, 64)
	bf, bErr := strconv.ParseFloat(b, 64)

	var cmp int
	if aErr == nil && bErr == nil {
		switch {
		case af < bf:
			cmp = -1
		case af > bf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(a, b)
	}

	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	default:
		return cmp <= 0
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// splitTopLevel splits on sep outside parentheses and quotes.
func splitTopLevel(expr, sep string) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)

	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case depth == 0 && strings.HasPrefix(expr[i:], sep):
			parts = append(parts, expr[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}

	return append(parts, expr[start:])
}

func trimParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && balanced(s[1:len(s)-1]) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func balanced(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
