// Package masking redacts secrets from tool arguments and result excerpts
// before they reach the event log, traces, or notifications.
package masking

import (
	"encoding/json"
	"regexp"
)

// builtinPattern is one redaction rule applied to every masked string.
type builtinPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// The builtin set covers the credential shapes most likely to transit tool
// calls in a developer-assistance context. Order matters: multi-line blocks
// first so their inner lines are not partially rewritten by narrower rules.
var builtinPatterns = []builtinPattern{
	{
		name:        "certificate",
		regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*CERTIFICATE-----[\s\S]*?-----END [A-Z ]*CERTIFICATE-----`),
		replacement: "***MASKED_CERTIFICATE***",
	},
	{
		name:        "private_key",
		regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: "***MASKED_PRIVATE_KEY***",
	},
	{
		name:        "bearer_token",
		regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
		replacement: "***MASKED_BEARER_TOKEN***",
	},
	{
		name:        "api_key_assignment",
		regex:       regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password|passwd)["']?\s*[:=]\s*["']?)[^\s"',}]{8,}`),
		replacement: "$1***MASKED***",
	},
	{
		name:        "basic_auth_url",
		regex:       regexp.MustCompile(`(://[^/\s:]+:)[^@/\s]+(@)`),
		replacement: "$1***MASKED***$2",
	},
	{
		name:        "github_token",
		regex:       regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		replacement: "***MASKED_GITHUB_TOKEN***",
	},
	{
		name:        "aws_access_key",
		regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		replacement: "***MASKED_AWS_KEY***",
	},
}

// Masker applies the builtin redaction rules.
type Masker struct {
	patterns []builtinPattern
}

// NewMasker creates a Masker with the builtin pattern set.
func NewMasker() *Masker {
	return &Masker{patterns: builtinPatterns}
}

// MaskString redacts all recognized secrets in s.
func (m *Masker) MaskString(s string) string {
	for _, p := range m.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskJSON redacts a JSON value by masking its serialized form. The result is
// re-validated so the event log never stores broken JSON: if masking breaks
// the structure (a replacement landing inside a quoted string with escapes),
// the whole value collapses to a masked placeholder.
func (m *Masker) MaskJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	masked := m.MaskString(string(raw))
	if !json.Valid([]byte(masked)) {
		return json.RawMessage(`"***MASKED_INVALID_JSON***"`)
	}
	return json.RawMessage(masked)
}
