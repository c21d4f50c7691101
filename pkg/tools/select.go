package tools

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/config"
)

// minimalCap and profileCap bound the two component strategies; progressive
// and full are bounded by the configured per-request maximum.
const (
	minimalCap = 15
	profileCap = 40
)

// Selector picks the tool subset for one node invocation.
type Selector struct {
	catalog  *Catalog
	registry *config.ProfileRegistry
	strategy config.Strategy
	maxTools int
	logger   *slog.Logger
}

// NewSelector creates a Selector over the catalog.
func NewSelector(catalog *Catalog, registry *config.ProfileRegistry, strategy config.Strategy, maxTools int) *Selector {
	return &Selector{
		catalog:  catalog,
		registry: registry,
		strategy: strategy,
		maxTools: maxTools,
		logger:   slog.Default().With("component", "tools"),
	}
}

// Request carries the per-invocation inputs that drive selection.
type Request struct {
	// ProfileName is the current role's tool profile.
	ProfileName string
	// Message is the most recent user message.
	Message string
	// SubTask is the current subtask description, empty on the
	// conversational path.
	SubTask string
	// PriorUse counts tool invocations so far in this workflow.
	PriorUse map[string]int
}

// Select returns the ordered tool subset for the request. The result never
// exceeds the configured per-request maximum, regardless of strategy.
func (s *Selector) Select(req Request) ([]Descriptor, error) {
	profile, err := s.registry.Get(req.ProfileName)
	if err != nil {
		return nil, err
	}
	keywords := extractKeywords(req.Message + " " + req.SubTask)

	// Candidates are ranked before any cap is applied, so a strategy limit
	// trims the worst-ranked tools rather than whatever the catalog listed
	// last.
	var picked []Descriptor
	limit := s.maxTools
	switch s.strategy {
	case config.StrategyMinimal:
		picked = s.byTags(keywords)
		limit = min(limit, minimalCap)
	case config.StrategyAgentProfile:
		picked = s.byProfile(profile)
		limit = min(limit, profileCap)
	case config.StrategyProgressive:
		picked = dedup(append(s.byTags(keywords), s.byProfile(profile)...))
	case config.StrategyFull:
		picked = s.catalog.All()
	default:
		picked = dedup(append(s.byTags(keywords), s.byProfile(profile)...))
	}

	s.rank(picked, keywords, profile, req.PriorUse)
	picked = capN(picked, limit)

	s.logger.Debug("Tools selected",
		"strategy", s.strategy, "profile", req.ProfileName, "count", len(picked))
	return picked, nil
}

// byTags returns catalog tools whose tags overlap the extracted keywords, in
// stable catalog order.
func (s *Selector) byTags(keywords map[string]bool) []Descriptor {
	var out []Descriptor
	for _, d := range s.catalog.All() {
		if tagOverlap(&d, keywords) {
			out = append(out, d)
		}
	}
	return out
}

// byProfile returns catalog tools belonging to the profile, in stable
// catalog order.
func (s *Selector) byProfile(p *config.ToolProfile) []Descriptor {
	var out []Descriptor
	for _, d := range s.catalog.All() {
		if d.MatchesProfile(p) {
			out = append(out, d)
		}
	}
	return out
}

// rank orders tools by (1) exact-tag match, (2) profile membership, (3)
// prior-use count in this workflow, (4) name. The sort is stable so catalog
// order breaks remaining ties.
func (s *Selector) rank(tools []Descriptor, keywords map[string]bool, profile *config.ToolProfile, priorUse map[string]int) {
	sort.SliceStable(tools, func(i, j int) bool {
		a, b := &tools[i], &tools[j]
		if ta, tb := tagOverlap(a, keywords), tagOverlap(b, keywords); ta != tb {
			return ta
		}
		if pa, pb := a.MatchesProfile(profile), b.MatchesProfile(profile); pa != pb {
			return pa
		}
		if ua, ub := priorUse[a.Name], priorUse[b.Name]; ua != ub {
			return ua > ub
		}
		return a.Name < b.Name
	})
}

func tagOverlap(d *Descriptor, keywords map[string]bool) bool {
	for _, tag := range d.Tags {
		if keywords[strings.ToLower(tag)] {
			return true
		}
	}
	return false
}

var wordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]{2,}`)

// extractKeywords lowercases the text into a set of candidate tag words.
// Short tokens and pure numbers never match a tag.
func extractKeywords(text string) map[string]bool {
	words := wordRegex.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func dedup(tools []Descriptor) []Descriptor {
	seen := make(map[string]bool, len(tools))
	out := tools[:0]
	for _, d := range tools {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

func capN(tools []Descriptor, n int) []Descriptor {
	if len(tools) > n {
		return tools[:n]
	}
	return tools
}
