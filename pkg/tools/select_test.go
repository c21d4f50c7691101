package tools

import (
	"fmt"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/config"
)

// wideCatalog builds a catalog larger than any cap so bound checks bite.
func wideCatalog(t *testing.T, reg *config.ProfileRegistry) *Catalog {
	t.Helper()
	var gw []*mcpsdk.Tool
	for i := 0; i < 30; i++ {
		gw = append(gw, gatewayTool(t, fmt.Sprintf("fs.read_%02d", i), "read variant", objectSchema))
	}
	for i := 0; i < 30; i++ {
		gw = append(gw, gatewayTool(t, fmt.Sprintf("search.kind_%02d", i), "search variant", objectSchema))
	}
	gw = append(gw,
		gatewayTool(t, "deploy.apply", "apply", objectSchema),
		gatewayTool(t, "vcs.commit", "commit", objectSchema),
		gatewayTool(t, "search.code", "code search", objectSchema),
	)
	cat, warnings, err := BuildCatalog(gw, reg)
	require.NoError(t, err)
	require.Empty(t, warnings)
	return cat
}

func TestSelectNeverExceedsMax(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)

	for _, strategy := range []config.Strategy{
		config.StrategyMinimal, config.StrategyAgentProfile,
		config.StrategyProgressive, config.StrategyFull,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			sel := NewSelector(cat, reg, strategy, 20)
			picked, err := sel.Select(Request{
				ProfileName: "read_only",
				Message:     "search the repo and read every config file",
			})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(picked), 20)
		})
	}
}

func TestSelectMinimalCap(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)
	sel := NewSelector(cat, reg, config.StrategyMinimal, 100)

	// "search" matches the tag on search.code plus nothing else; minimal is
	// bounded by its own cap even when maxTools is generous.
	picked, err := sel.Select(Request{ProfileName: "read_only", Message: "search for the handler"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(picked), minimalCap)
}

func TestSelectUnknownProfile(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)
	sel := NewSelector(cat, reg, config.StrategyProgressive, 20)

	_, err := sel.Select(Request{ProfileName: "no_such_profile", Message: "hello"})
	require.Error(t, err)
}

func TestSelectDeterministic(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)
	sel := NewSelector(cat, reg, config.StrategyProgressive, 20)

	req := Request{ProfileName: "feature_dev", Message: "fix the search index builder"}
	first, err := sel.Select(req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := sel.Select(req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSelectRanksTagMatchesFirst(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)
	sel := NewSelector(cat, reg, config.StrategyProgressive, 20)

	// "deploy" is a tag on deploy.apply via the builtin overrides; it should
	// outrank profile-only members.
	picked, err := sel.Select(Request{
		ProfileName: "infrastructure",
		Message:     "deploy the release",
	})
	require.NoError(t, err)
	require.NotEmpty(t, picked)
	assert.Equal(t, "deploy.apply", picked[0].Name)
}

func TestSelectCapKeepsTopRanked(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)
	// deploy.apply sits at the tail of the catalog, well past a cap of 10;
	// ranking must run before the cap or it gets truncated away unseen.
	sel := NewSelector(cat, reg, config.StrategyFull, 10)

	picked, err := sel.Select(Request{
		ProfileName: "infrastructure",
		Message:     "deploy the release",
	})
	require.NoError(t, err)
	require.Len(t, picked, 10)
	assert.Equal(t, "deploy.apply", picked[0].Name)
}

func TestSelectPriorUseBreaksTies(t *testing.T) {
	reg := builtinRegistry(t)
	cat := wideCatalog(t, reg)
	sel := NewSelector(cat, reg, config.StrategyAgentProfile, 40)

	noHistory, err := sel.Select(Request{ProfileName: "read_only", Message: "continue"})
	require.NoError(t, err)
	require.NotEmpty(t, noHistory)

	favored := noHistory[len(noHistory)-1].Name
	withHistory, err := sel.Select(Request{
		ProfileName: "read_only",
		Message:     "continue",
		PriorUse:    map[string]int{favored: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, favored, withHistory[0].Name)
}

func TestExtractKeywords(t *testing.T) {
	kw := extractKeywords("Fix the search-index for CI, build #42")
	assert.True(t, kw["search-index"])
	assert.True(t, kw["fix"])
	assert.True(t, kw["build"])
	assert.False(t, kw["ci"], "tokens under three chars never match")
	assert.False(t, kw["42"], "pure numbers never match")
}
