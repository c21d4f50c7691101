// Package tools ranks and selects the tool subset disclosed to the LLM per
// step. The gateway catalog is large; every node invocation gets an ordered,
// capped slice relevant to its role and the text it is working on.
package tools

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/maestro/pkg/config"
)

// Descriptor is one catalog entry: the gateway's tool definition merged with
// the per-tool annotations from config.
type Descriptor struct {
	Name        string
	Server      string
	Description string
	// InputSchema is the normalized function-call schema. Tools whose schema
	// could not be safely normalized are absent from the catalog.
	InputSchema json.RawMessage
	Tags        []string
	// Profiles lists the agent profiles this tool belongs to.
	Profiles []string
	// Timeout overrides the default invocation deadline when non-zero.
	Timeout    time.Duration
	Idempotent bool
}

// Warning records a tool dropped or degraded during catalog construction.
type Warning struct {
	Tool   string
	Reason string
}

// Catalog is the annotated tool inventory in stable gateway order.
type Catalog struct {
	entries []Descriptor
	byName  map[string]int
}

// BuildCatalog merges gateway tool definitions with config annotations and
// normalizes every input schema. Tools with no safe schema translation are
// dropped and reported as warnings rather than failing the build.
func BuildCatalog(gatewayTools []*mcpsdk.Tool, registry *config.ProfileRegistry) (*Catalog, []Warning, error) {
	cat := &Catalog{byName: make(map[string]int, len(gatewayTools))}
	var warnings []Warning

	for _, t := range gatewayTools {
		if t.Name == "" {
			continue
		}
		if _, dup := cat.byName[t.Name]; dup {
			warnings = append(warnings, Warning{Tool: t.Name, Reason: "duplicate name in gateway catalog"})
			continue
		}

		rawSchema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling schema for tool %s: %w", t.Name, err)
		}
		schema, note, err := NormalizeSchema(rawSchema)
		if err != nil {
			warnings = append(warnings, Warning{Tool: t.Name, Reason: err.Error()})
			continue
		}

		d := Descriptor{
			Name:        t.Name,
			Server:      serverOf(t.Name),
			Description: t.Description,
			InputSchema: schema,
			Idempotent:  true,
		}
		if note != "" {
			d.Description = joinNote(d.Description, note)
		}
		if o := registry.Override(t.Name); o != nil {
			d.Tags = o.Tags
			d.Profiles = o.Profiles
			if o.TimeoutSeconds > 0 {
				d.Timeout = time.Duration(o.TimeoutSeconds) * time.Second
			}
			if o.Idempotent != nil {
				d.Idempotent = *o.Idempotent
			}
		}

		cat.byName[d.Name] = len(cat.entries)
		cat.entries = append(cat.entries, d)
	}

	return cat, warnings, nil
}

// Len returns the catalog size.
func (c *Catalog) Len() int { return len(c.entries) }

// Get returns the descriptor for a canonical tool name.
func (c *Catalog) Get(name string) (*Descriptor, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return &c.entries[i], true
}

// All returns the catalog entries in stable gateway order.
func (c *Catalog) All() []Descriptor {
	return slices.Clone(c.entries)
}

// MatchesProfile reports whether the descriptor belongs to the profile:
// either by membership, by tag overlap, or by name glob.
func (d *Descriptor) MatchesProfile(p *config.ToolProfile) bool {
	if slices.Contains(d.Profiles, p.Name) {
		return true
	}
	for _, tag := range p.Tags {
		if slices.Contains(d.Tags, tag) {
			return true
		}
	}
	for _, glob := range p.NameGlobs {
		if ok, _ := path.Match(glob, d.Name); ok {
			return true
		}
	}
	return false
}

func serverOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return ""
}

func joinNote(desc, note string) string {
	if desc == "" {
		return note
	}
	return desc + " (" + note + ")"
}
