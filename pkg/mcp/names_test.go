package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"vcs.commit", "vcs.commit"},
		{"vcs__commit", "vcs.commit"},
		{"search__code", "search.code"},
		{"fs__read__file", "fs.read__file"},
		{"already.dotted__name", "already.dotted__name"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeToolName(tt.in), tt.in)
	}
}

func TestSplitToolName(t *testing.T) {
	ns, tool, err := SplitToolName("vcs.commit")
	require.NoError(t, err)
	assert.Equal(t, "vcs", ns)
	assert.Equal(t, "commit", tool)

	ns, tool, err = SplitToolName("fs.read.file")
	require.NoError(t, err)
	assert.Equal(t, "fs", ns)
	assert.Equal(t, "read.file", tool)

	for _, bad := range []string{"", "noseparator", ".leading", "trailing.", "spa ce.tool"} {
		_, _, err := SplitToolName(bad)
		assert.Error(t, err, bad)
	}
}
