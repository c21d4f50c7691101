package tools

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSchemaPassthrough(t *testing.T) {
	in := `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`
	out, note, err := NormalizeSchema(json.RawMessage(in))
	require.NoError(t, err)
	assert.Empty(t, note)
	assert.JSONEq(t, in, string(out))
}

func TestNormalizeSchemaEmpty(t *testing.T) {
	for _, raw := range []string{"", "null"} {
		out, note, err := NormalizeSchema(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Empty(t, note)
		assert.JSONEq(t, `{"type":"object","additionalProperties":true}`, string(out))
	}
}

func TestNormalizeSchemaNestedUnion(t *testing.T) {
	in := `{
		"type": "object",
		"properties": {
			"target": {"anyOf": [{"type": "string"}, {"type": "object"}]},
			"dry_run": {"type": "boolean"}
		}
	}`
	out, note, err := NormalizeSchema(json.RawMessage(in))
	require.NoError(t, err)
	assert.Contains(t, note, "union")

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	props := m["properties"].(map[string]any)

	// The union field collapses; its sibling is untouched.
	target := props["target"].(map[string]any)
	assert.Equal(t, "object", target["type"])
	assert.Equal(t, true, target["additionalProperties"])
	dryRun := props["dry_run"].(map[string]any)
	assert.Equal(t, "boolean", dryRun["type"])
}

func TestNormalizeSchemaTopLevelNonObject(t *testing.T) {
	out, note, err := NormalizeSchema(json.RawMessage(`{"type":"string"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, note)
	assert.JSONEq(t, `{"type":"object","additionalProperties":true}`, string(out))
}

func TestNormalizeSchemaRecursiveRef(t *testing.T) {
	in := `{
		"type": "object",
		"properties": {"tree": {"$ref": "#/$defs/node"}},
		"$defs": {
			"node": {
				"type": "object",
				"properties": {"children": {"type": "array", "items": {"$ref": "#/$defs/node"}}}
			}
		}
	}`
	_, _, err := NormalizeSchema(json.RawMessage(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursive")
}

func TestNormalizeSchemaInvalidJSON(t *testing.T) {
	_, _, err := NormalizeSchema(json.RawMessage(`{not json`))
	require.Error(t, err)
}

func TestLibraryCache(t *testing.T) {
	c := NewLibraryCache(time.Minute)

	_, ok := c.Lookup("react")
	assert.False(t, ok)

	c.Store("react", "/facebook/react")
	id, ok := c.Lookup("react")
	require.True(t, ok)
	assert.Equal(t, "/facebook/react", id)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLibraryCacheExpiry(t *testing.T) {
	c := NewLibraryCache(-time.Second)
	c.Store("react", "/facebook/react")

	_, ok := c.Lookup("react")
	assert.False(t, ok)
}
