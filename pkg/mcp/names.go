package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// Tool names on the gateway are "namespace.tool" (e.g. "vcs.commit",
// "search.code"). Some model providers cannot emit dots in function names and
// substitute double underscores; NormalizeToolName folds those back.
var toolNameRegex = regexp.MustCompile(`^([\w-]+)\.([\w.-]+)$`)

// NormalizeToolName converts "namespace__tool" to the canonical
// "namespace.tool" form. Names already containing a dot pass through.
func NormalizeToolName(name string) string {
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits a canonical tool name into (namespace, tool).
func SplitToolName(name string) (namespace, tool string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'namespace.tool' format (e.g., 'vcs.commit')", name)
	}
	return matches[1], matches[2], nil
}
