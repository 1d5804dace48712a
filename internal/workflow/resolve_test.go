package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveInputLiteralsPassThrough(t *testing.T) {
	resolved := ResolveInput(map[string]any{
		"count":   float64(3),
		"enabled": true,
		"name":    "plain",
	}, map[string]any{"name": "should-not-apply"})

	assert.Equal(t, float64(3), resolved["count"])
	assert.Equal(t, true, resolved["enabled"])
	assert.Equal(t, "plain", resolved["name"])
}

func TestResolveInputVariableReferences(t *testing.T) {
	vars := map[string]any{
		"email":  "a@b.com",
		"record": map[string]any{"id": "r-1"},
	}
	resolved := ResolveInput(map[string]any{
		"to":      "$email",
		"payload": "$record",
		"missing": "$nope",
	}, vars)

	assert.Equal(t, "a@b.com", resolved["to"])
	assert.Equal(t, map[string]any{"id": "r-1"}, resolved["payload"])
	assert.Nil(t, resolved["missing"])
	assert.Contains(t, resolved, "missing")
}

func TestResolveInputDollarOnlyValue(t *testing.T) {
	// "$" references the empty variable name, which is never set.
	resolved := ResolveInput(map[string]any{"v": "$"}, map[string]any{"x": 1})
	assert.Nil(t, resolved["v"])
}

func TestResolveInputEmptyDeclaration(t *testing.T) {
	resolved := ResolveInput(nil, map[string]any{"x": 1})
	assert.Empty(t, resolved)
	assert.NotNil(t, resolved)
}

func TestLookupPathNested(t *testing.T) {
	tree := map[string]any{
		"result": map[string]any{
			"contact": map[string]any{"email": "a@b.com"},
			"ids":     []any{"1", "2"},
		},
	}

	v, ok := LookupPath(tree, "result.contact.email")
	assert.True(t, ok)
	assert.Equal(t, "a@b.com", v)

	v, ok = LookupPath(tree, "result")
	assert.True(t, ok)
	assert.Equal(t, tree["result"], v)
}

func TestLookupPathMissingSegment(t *testing.T) {
	tree := map[string]any{"a": map[string]any{"b": 1}}

	v, ok := LookupPath(tree, "a.c")
	assert.False(t, ok)
	assert.Nil(t, v)

	v, ok = LookupPath(tree, "x.y")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestLookupPathThroughNonMap(t *testing.T) {
	tree := map[string]any{"a": map[string]any{"ids": []any{"1"}}}

	// Path descends into a slice; there is nothing to key into.
	v, ok := LookupPath(tree, "a.ids.0")
	assert.False(t, ok)
	assert.Nil(t, v)

	v, ok = LookupPath(tree, "a.ids.0.deeper")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestLookupPathEdgeInputs(t *testing.T) {
	_, ok := LookupPath(nil, "a")
	assert.False(t, ok)

	_, ok = LookupPath(map[string]any{"a": 1}, "")
	assert.False(t, ok)

	// A value that is itself nil still counts as present.
	v, ok := LookupPath(map[string]any{"a": nil}, "a")
	assert.True(t, ok)
	assert.Nil(t, v)
}
