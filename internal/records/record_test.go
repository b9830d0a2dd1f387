package records

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONFields(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  any
	}{
		{name: "object text", input: `{"floor":2,"tags":["a"]}`, want: map[string]any{"floor": float64(2), "tags": []any{"a"}}},
		{name: "array text", input: `[1,2]`, want: []any{float64(1), float64(2)}},
		{name: "malformed text", input: `{"floor":`, want: map[string]any{}},
		{name: "empty text", input: "", want: map[string]any{}},
		{name: "string literal text", input: `"just text"`, want: map[string]any{}},
		{name: "already structured", input: map[string]any{"a": "b"}, want: map[string]any{"a": "b"}},
		{name: "null stays null", input: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{"id": "r1", "metadata": tt.input, "name": `{"not":"a json field"}`}
			got := ParseJSONFields(rec, []string{"metadata"}, zerolog.Nop())

			assert.Equal(t, tt.want, got["metadata"])
			assert.Equal(t, `{"not":"a json field"}`, got["name"], "only designated fields are parsed")
			assert.Equal(t, tt.input, rec["metadata"], "input is not modified")
		})
	}
}

func TestStringifyJSONFields_RoundTrip(t *testing.T) {
	original := map[string]any{
		"coordinates": map[string]any{"x": 10.5, "y": float64(3)},
		"labels":      []any{"north", "cold"},
	}
	rec := Record{"metadata": original, "config": "already text", "missing": nil}

	encoded, err := StringifyJSONFields(rec, []string{"metadata", "config", "missing", "absent"})
	require.NoError(t, err)

	text, ok := encoded["metadata"].(string)
	require.True(t, ok)
	assert.JSONEq(t, `{"coordinates":{"x":10.5,"y":3},"labels":["north","cold"]}`, text)
	assert.Equal(t, "already text", encoded["config"])
	assert.Nil(t, encoded["missing"])
	assert.NotContains(t, encoded, "absent")

	decoded := ParseJSONFields(encoded, []string{"metadata"}, zerolog.Nop())
	assert.Equal(t, original, decoded["metadata"])
}

func TestStringifyJSONFields_Unencodable(t *testing.T) {
	_, err := StringifyJSONFields(Record{"metadata": map[string]any{"ch": make(chan int)}}, []string{"metadata"})
	assert.Error(t, err)
}

func TestFilterHelpers(t *testing.T) {
	assert.Equal(t, `edge_id="e1"`, Eq("edge_id", "e1"))
	assert.Equal(t, `name="say \"hi\""`, Eq("name", `say "hi"`))
	assert.Equal(t, `parent_id=""`, IsEmpty("parent_id"))
	assert.Equal(t, `(role_id="r1" || role_id="r2")`, AnyOf("role_id", []string{"r1", "r2"}))
	assert.Empty(t, AnyOf("role_id", nil))

	build := EqualityFilters("type", "region")
	assert.Equal(t, []string{`type="gateway"`}, build(ListParams{Where: map[string]string{"type": "gateway", "other": "x"}}))
	assert.Empty(t, build(ListParams{}))
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{"id": "r1", "count": 3, "metadata": map[string]any{"a": 1}}

	assert.Equal(t, "r1", rec.ID())
	assert.Empty(t, rec.String("count"))
	assert.Equal(t, map[string]any{"a": 1}, rec.Map("metadata"))
	assert.Nil(t, rec.Map("id"))

	clone := rec.Clone()
	clone["id"] = "r2"
	assert.Equal(t, "r1", rec.ID())
}
