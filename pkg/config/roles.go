package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/roles.yaml
var builtinRolesYAML []byte

// RoleConfig defines one agent role: its system prompt, tool profile, risk
// floor, and output parsing mode. Model ids are resolved separately from the
// environment so a user overlay cannot silently switch providers.
type RoleConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	SystemPrompt string `yaml:"system_prompt"`
	ToolProfile  string `yaml:"tool_profile"`

	// RiskFloor is the minimum risk level any workflow touching this role can
	// carry (e.g. infrastructure floors at "high").
	RiskFloor string `yaml:"risk_floor,omitempty"`

	// OutputMode is how the role's LLM output is parsed: "message" (plain
	// assistant text and/or tool calls) or "plan" (supervisor's structured
	// subtask plan).
	OutputMode string `yaml:"output_mode,omitempty"`

	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// RoleRegistry holds the merged builtin + user role definitions.
type RoleRegistry struct {
	roles map[string]RoleConfig
}

// Get returns the role config by name.
func (r *RoleRegistry) Get(name string) (*RoleConfig, error) {
	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", name)
	}
	return &role, nil
}

// Names returns all registered role names, unordered.
func (r *RoleRegistry) Names() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	return names
}

type rolesFile struct {
	Roles map[string]RoleConfig `yaml:"roles"`
}

// LoadRoleRegistry parses the embedded builtin roles and overlays
// <configDir>/roles.yaml when present. User entries merge field-by-field over
// builtins; a user overlay may not introduce roles the builtin set does not
// define (the graph topology is fixed at six roles).
func LoadRoleRegistry(configDir string) (*RoleRegistry, error) {
	var builtin rolesFile
	if err := yaml.Unmarshal(builtinRolesYAML, &builtin); err != nil {
		return nil, fmt.Errorf("parsing builtin roles: %w", err)
	}

	merged := make(map[string]RoleConfig, len(builtin.Roles))
	for name, role := range builtin.Roles {
		role.Name = name
		merged[name] = role
	}

	if configDir != "" {
		path := filepath.Join(configDir, "roles.yaml")
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// no overlay
		case err != nil:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		default:
			var user rolesFile
			if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			for name, override := range user.Roles {
				base, ok := merged[name]
				if !ok {
					return nil, fmt.Errorf("overlay defines unknown role %q", name)
				}
				if err := mergo.Merge(&base, override, mergo.WithOverride); err != nil {
					return nil, fmt.Errorf("merging role %q: %w", name, err)
				}
				base.Name = name
				merged[name] = base
			}
		}
	}

	for name, role := range merged {
		if role.SystemPrompt == "" {
			return nil, fmt.Errorf("role %q has no system prompt", name)
		}
		if role.ToolProfile == "" {
			return nil, fmt.Errorf("role %q has no tool profile", name)
		}
	}

	return &RoleRegistry{roles: merged}, nil
}
