package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	data := map[string]interface{}{
		"status": "urgent",
		"message": map[string]interface{}{
			"author": map[string]interface{}{"name": "ada"},
			"tags":   []interface{}{"a", "b"},
		},
		"empty": nil,
	}

	tests := []struct {
		path      string
		wantValue interface{}
		wantFound bool
	}{
		{"status", "urgent", true},
		{"message.author.name", "ada", true},
		{"message.tags.1", "b", true},
		{"message.tags.7", nil, false},
		{"message.missing.deeper", nil, false},
		{"status.length", nil, false},
		{"empty", nil, true},
		{"empty.child", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, found := Lookup(data, tt.path)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, got)
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		field    interface{}
		found    bool
		value    interface{}
		want     bool
	}{
		{"equals same string", OpEquals, "urgent", true, "urgent", true},
		{"equals different string", OpEquals, "low", true, "urgent", false},
		{"equals string vs number", OpEquals, "5", true, 5, false},
		{"equals number vs string", OpEquals, 5, true, "5", false},
		{"equals int vs float", OpEquals, 5, true, 5.0, true},
		{"equals bool", OpEquals, true, true, true, true},
		{"equals nil", OpEquals, nil, true, nil, true},
		{"equals missing", OpEquals, nil, false, nil, false},
		{"contains number as string", OpContains, 5, true, "5", true},
		{"contains substring", OpContains, "hello world", true, "world", true},
		{"contains absent", OpContains, "hello", true, "bye", false},
		{"contains float rendering", OpContains, 2.5, true, "2.5", true},
		{"greater_than numeric strings", OpGreaterThan, "10", true, "2", true},
		{"greater_than numbers", OpGreaterThan, 3, true, 7, false},
		{"greater_than missing", OpGreaterThan, nil, false, 0, false},
		{"greater_than unparsable", OpGreaterThan, "abc", true, 1, false},
		{"less_than mixed", OpLessThan, "1.5", true, 2, true},
		{"less_than empty string is zero", OpLessThan, "", true, 1, true},
		{"less_than bool coerces", OpLessThan, false, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.operator, tt.field, tt.found, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown operator", func(t *testing.T) {
		_, err := Compare("starts_with", "abc", true, "a")
		assert.ErrorIs(t, err, ErrUnknownOperator)
		assert.Equal(t, "UnknownOperatorError: starts_with", err.Error())
	})
}

func TestCompareOnPayload(t *testing.T) {
	payload := map[string]interface{}{"count": 5}
	v, found := Lookup(payload, "count")

	ok, err := Compare(OpContains, v, found, "5")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Compare(OpEquals, v, found, "5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "undefined", Stringify(nil, false))
	assert.Equal(t, "null", Stringify(nil, true))
	assert.Equal(t, "42", Stringify(42, true))
	assert.Equal(t, "0.25", Stringify(0.25, true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]interface{}{"a": 1}, true))
}
