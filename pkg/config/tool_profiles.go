package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/tool_profiles.yaml
var builtinProfilesYAML []byte

// ToolProfile names a subset of the tool catalog associated with an agent
// role or the conversational path.
type ToolProfile struct {
	Name string `yaml:"name"`
	// Tags select catalog tools by tag overlap.
	Tags []string `yaml:"tags,omitempty"`
	// NameGlobs select catalog tools by name pattern (path.Match syntax,
	// applied to the canonical "server.tool" name).
	NameGlobs []string `yaml:"name_globs,omitempty"`
}

// ToolOverride carries per-tool annotations merged into catalog descriptors.
type ToolOverride struct {
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Idempotent     *bool    `yaml:"idempotent,omitempty"`
	Tags           []string `yaml:"tags,omitempty"`
	Profiles       []string `yaml:"profiles,omitempty"`
}

// ProfileRegistry holds the merged builtin + user tool profiles and per-tool
// overrides.
type ProfileRegistry struct {
	profiles  map[string]ToolProfile
	overrides map[string]ToolOverride
}

// Get returns the profile by name.
func (r *ProfileRegistry) Get(name string) (*ToolProfile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool profile %q", name)
	}
	return &p, nil
}

// Override returns the per-tool annotation for a canonical tool name, or nil.
func (r *ProfileRegistry) Override(tool string) *ToolOverride {
	if o, ok := r.overrides[tool]; ok {
		return &o
	}
	return nil
}

// Idempotent reports whether a tool may be auto-retried after it ran.
// Defaults to true when the catalog carries no annotation.
func (r *ProfileRegistry) Idempotent(tool string) bool {
	if o, ok := r.overrides[tool]; ok && o.Idempotent != nil {
		return *o.Idempotent
	}
	return true
}

type profilesFile struct {
	Profiles map[string]ToolProfile  `yaml:"profiles"`
	Tools    map[string]ToolOverride `yaml:"tools,omitempty"`
}

// LoadProfileRegistry parses the embedded builtin profiles and overlays
// <configDir>/tool_profiles.yaml when present. Unlike roles, overlays may add
// new profiles and tool annotations freely.
func LoadProfileRegistry(configDir string) (*ProfileRegistry, error) {
	var builtin profilesFile
	if err := yaml.Unmarshal(builtinProfilesYAML, &builtin); err != nil {
		return nil, fmt.Errorf("parsing builtin tool profiles: %w", err)
	}

	profiles := make(map[string]ToolProfile, len(builtin.Profiles))
	for name, p := range builtin.Profiles {
		p.Name = name
		profiles[name] = p
	}
	overrides := make(map[string]ToolOverride, len(builtin.Tools))
	for tool, o := range builtin.Tools {
		overrides[tool] = o
	}

	if configDir != "" {
		path := filepath.Join(configDir, "tool_profiles.yaml")
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// no overlay
		case err != nil:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		default:
			var user profilesFile
			if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			for name, override := range user.Profiles {
				if base, ok := profiles[name]; ok {
					if err := mergo.Merge(&base, override, mergo.WithOverride); err != nil {
						return nil, fmt.Errorf("merging profile %q: %w", name, err)
					}
					base.Name = name
					profiles[name] = base
					continue
				}
				override.Name = name
				profiles[name] = override
			}
			for tool, o := range user.Tools {
				overrides[tool] = o
			}
		}
	}

	return &ProfileRegistry{profiles: profiles, overrides: overrides}, nil
}
