package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// permissiveObject is the fallback schema for constructs the function-call
// grammar cannot express.
const permissiveObject = `{"type":"object","additionalProperties":true}`

// NormalizeSchema translates a tool's JSON input schema into the subset the
// LLM function-call grammar tolerates. Passes, in order:
//
//  1. anyOf/oneOf unions at any level flatten to a permissive object, noted
//     in the returned description suffix.
//  2. Non-object top-level schemas collapse to a permissive object.
//  3. Recursive $ref chains cannot be flattened; the tool is dropped with an
//     error for the caller to report as a warning.
//
// The note return is a human-readable suffix for the tool description, empty
// when the schema passed through unchanged.
func NormalizeSchema(raw json.RawMessage) (json.RawMessage, string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(permissiveObject), "", nil
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, "", fmt.Errorf("input schema is not a JSON object: %w", err)
	}

	if hasRecursiveRef(schema) {
		return nil, "", fmt.Errorf("schema contains recursive $ref, no safe translation")
	}

	var notes []string
	normalized := normalizeNode(schema, &notes)

	m, ok := normalized.(map[string]any)
	if !ok || m["type"] != "object" {
		notes = append(notes, "schema simplified to a free-form object")
		return json.RawMessage(permissiveObject), strings.Join(notes, "; "), nil
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("re-marshaling normalized schema: %w", err)
	}
	return out, strings.Join(notes, "; "), nil
}

// normalizeNode rewrites one schema node, recursing through properties and
// items.
func normalizeNode(node any, notes *[]string) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}

	if _, union := m["anyOf"]; union {
		*notes = append(*notes, "a union field was simplified to a free-form object")
		return mustParse(permissiveObject)
	}
	if _, union := m["oneOf"]; union {
		*notes = append(*notes, "a union field was simplified to a free-form object")
		return mustParse(permissiveObject)
	}
	if _, union := m["allOf"]; union {
		*notes = append(*notes, "a composed field was simplified to a free-form object")
		return mustParse(permissiveObject)
	}

	if props, ok := m["properties"].(map[string]any); ok {
		for name, sub := range props {
			props[name] = normalizeNode(sub, notes)
		}
	}
	if items, ok := m["items"]; ok {
		m["items"] = normalizeNode(items, notes)
	}
	return m
}

// hasRecursiveRef walks the schema looking for a $ref whose target is an
// ancestor definition. A conservative check: any $ref pointing into $defs or
// definitions that also appears inside that definition's own subtree counts.
func hasRecursiveRef(schema map[string]any) bool {
	defs := collectDefs(schema)
	for name, def := range defs {
		if refersTo(def, name) {
			return true
		}
	}
	return false
}

func collectDefs(schema map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := schema[key].(map[string]any); ok {
			for name, def := range defs {
				out[name] = def
			}
		}
	}
	return out
}

// refersTo reports whether node's subtree contains a $ref ending in name.
func refersTo(node any, name string) bool {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok && strings.HasSuffix(ref, "/"+name) {
			return true
		}
		for _, sub := range v {
			if refersTo(sub, name) {
				return true
			}
		}
	case []any:
		for _, sub := range v {
			if refersTo(sub, name) {
				return true
			}
		}
	}
	return false
}

func mustParse(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		panic(err)
	}
	return m
}
