package records

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Record is one row of a collection as the backend returns it.
type Record map[string]any

func (r Record) ID() string {
	return r.String("id")
}

// String returns field as a string, or "" when it is missing or not a
// string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Map returns field as an object, or nil.
func (r Record) Map(field string) map[string]any {
	m, _ := r[field].(map[string]any)
	return m
}

// Clone copies the top level of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ParseJSONFields returns a copy of rec whose JSON fields hold structured
// values. Text that does not parse, or that decodes to a bare string,
// becomes an empty object; the problem is only logged.
func ParseJSONFields(rec Record, fields []string, logger zerolog.Logger) Record {
	out := rec.Clone()

	for _, field := range fields {
		raw, ok := out[field].(string)
		if !ok {
			continue
		}

		if strings.TrimSpace(raw) == "" {
			out[field] = map[string]any{}
			continue
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			logger.Warn().
				Err(err).
				Str("field", field).
				Str("record_id", out.ID()).
				Msg("failed to parse JSON field")
			out[field] = map[string]any{}
			continue
		}
		if _, isText := value.(string); isText {
			logger.Warn().
				Str("field", field).
				Str("record_id", out.ID()).
				Msg("JSON field holds a string literal, not a structured value")
			value = map[string]any{}
		}
		out[field] = value
	}

	return out
}

// StringifyJSONFields returns a copy of rec whose structured JSON fields are
// encoded as text, the form the backend stores.
func StringifyJSONFields(rec Record, fields []string) (Record, error) {
	out := rec.Clone()

	for _, field := range fields {
		value, ok := out[field]
		if !ok || value == nil {
			continue
		}
		if _, isText := value.(string); isText {
			continue
		}

		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode JSON field %s: %w", field, err)
		}
		out[field] = string(encoded)
	}

	return out, nil
}

// Eq renders a `field="value"` clause with value quoted for the filter
// language.
func Eq(field, value string) string {
	return fmt.Sprintf(`%s="%s"`, field, escapeFilterValue(value))
}

// IsEmpty renders a clause matching records where field is unset.
func IsEmpty(field string) string {
	return field + `=""`
}

// AnyOf renders `(field="a" || field="b")`. An empty list matches nothing
// sensible, so it returns "".
func AnyOf(field string, values []string) string {
	if len(values) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(values))
	for _, v := range values {
		clauses = append(clauses, Eq(field, v))
	}
	return "(" + strings.Join(clauses, " || ") + ")"
}

// EqualityFilters builds a FilterBuilder emitting Eq(field, value) for each
// of fields present in ListParams.Where.
func EqualityFilters(fields ...string) func(ListParams) []string {
	return func(p ListParams) []string {
		var clauses []string
		for _, field := range fields {
			if v := p.Where[field]; v != "" {
				clauses = append(clauses, Eq(field, v))
			}
		}
		return clauses
	}
}

func escapeFilterValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}
