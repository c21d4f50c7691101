// Package intent decides how the chat endpoint dispatches a message: the
// cheap conversational path, the workflow engine, or a synchronous command.
// Classification is deterministic unless the LLM fallback is enabled; it
// attaches metadata and never mutates the message.
package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Confidence thresholds. Below routeThreshold a task-ish message goes to the
// workflow path anyway; below reviewThreshold the classification is flagged
// for offline review without changing routing.
const (
	routeThreshold  = 0.75
	reviewThreshold = 0.80
)

// Request modes from the editor extension.
const (
	ModeAsk   = "ask"
	ModeAgent = "agent"
)

// Input is one message to classify, with the caller-supplied request flags.
type Input struct {
	Message        string
	Mode           string
	PromptEnhanced bool
}

// Classifier applies the rule chain. The optional fallback consults the LLM
// on ambiguous messages; nil disables it.
type Classifier struct {
	cfg      config.IntentConfig
	fallback *LLMFallback
	logger   *slog.Logger
}

// NewClassifier creates a Classifier. fallback may be nil.
func NewClassifier(cfg config.IntentConfig, fallback *LLMFallback) *Classifier {
	return &Classifier{
		cfg:      cfg,
		fallback: fallback,
		logger:   slog.Default().With("component", "intent"),
	}
}

// Classify runs the rule chain, first match wins:
//
//  1. explicit slash command
//  2. enhanced-prompt conversational cue detection
//  3. keyword heuristics (task keywords before QA markers)
//  4. optional LLM fallback below the routing threshold
//
// mode=agent forces workflow routing regardless of intent.
func (c *Classifier) Classify(ctx context.Context, in Input) models.Classification {
	if cmd, ok := ParseCommand(in.Message); ok {
		return models.Classification{
			Intent:      models.IntentCommand,
			Confidence:  1.0,
			Rationale:   "explicit command",
			Routing:     models.RouteWorkflow,
			Command:     cmd.Name,
			CommandArgs: cmd.Args,
		}
	}

	result := c.heuristic(in)

	if in.PromptEnhanced && in.Mode == ModeAsk && hasConversationalCue(in.Message) {
		result = models.Classification{
			Intent:     models.IntentQA,
			Confidence: 0.9,
			Rationale:  "enhanced prompt with conversational opening",
		}
	}

	if result.Confidence < routeThreshold && c.cfg.EnableLLMFallback && c.fallback != nil {
		if refined, err := c.fallback.Classify(ctx, in.Message); err == nil {
			result = *refined
		} else {
			c.logger.Warn("Intent LLM fallback failed, keeping heuristic verdict", "error", err)
		}
	}

	result.ReviewRequested = result.Confidence < reviewThreshold
	result.Routing = c.route(in, result)
	return result
}

// route picks the dispatch target from the final intent and request mode.
func (c *Classifier) route(in Input, cl models.Classification) models.RoutingMode {
	if in.Mode == ModeAgent {
		return models.RouteWorkflow
	}
	if c.cfg.AskModeForcesQA && in.Mode == ModeAsk {
		return models.RouteConversational
	}
	switch cl.Intent {
	case models.IntentQA, models.IntentSimpleTask:
		if cl.Confidence >= routeThreshold {
			return models.RouteConversational
		}
	}
	return models.RouteWorkflow
}

// Keyword tables for the heuristic pass. Task keywords are checked before QA
// markers so "show me the config" classifies as a simple task, not QA.
var (
	simpleTaskKeywords = []string{"find", "search", "list", "show", "check", "look up", "lookup", "grep"}
	qaMarkers          = []string{"what", "how", "why", "explain", "when", "where", "who", "is there", "are there", "can you tell", "does "}
	mediumKeywords     = []string{"add", "implement", "fix", "refactor", "update", "write", "create", "rename", "move", "test"}
	highKeywords       = []string{"deploy", "release", "migrate", "rollback", "provision", "delete the", "drop ", "production", "rollout", "scale"}
	greetings          = []string{"hi", "hello", "hey", "thanks", "thank you", "good morning", "good afternoon", "ok", "okay"}
)

// heuristic classifies on keywords and shape. Greetings and very short
// questions are QA; destructive/infra vocabulary escalates to high.
func (c *Classifier) heuristic(in Input) models.Classification {
	msg := strings.ToLower(strings.TrimSpace(in.Message))

	if isGreeting(msg) {
		return models.Classification{Intent: models.IntentQA, Confidence: 0.95, Rationale: "greeting"}
	}
	if containsAny(msg, highKeywords) {
		return models.Classification{Intent: models.IntentHigh, Confidence: 0.85, Rationale: "high-risk vocabulary"}
	}
	if containsAny(msg, simpleTaskKeywords) {
		return models.Classification{Intent: models.IntentSimpleTask, Confidence: 0.8, Rationale: "lookup-style task keyword"}
	}
	if containsAny(msg, qaMarkers) || strings.HasSuffix(msg, "?") {
		return models.Classification{Intent: models.IntentQA, Confidence: 0.8, Rationale: "question marker"}
	}
	if containsAny(msg, mediumKeywords) {
		return models.Classification{Intent: models.IntentMedium, Confidence: 0.75, Rationale: "change-request keyword"}
	}
	return models.Classification{Intent: models.IntentMedium, Confidence: 0.5, Rationale: "no strong signal"}
}

// hasConversationalCue inspects the first tokens of the message for QA
// openers, per the enhanced-prompt contract.
func hasConversationalCue(message string) bool {
	tokens := strings.Fields(strings.ToLower(message))
	if len(tokens) > 10 {
		tokens = tokens[:10]
	}
	head := strings.Join(tokens, " ")
	for _, cue := range qaMarkers {
		if strings.Contains(head, cue) {
			return true
		}
	}
	return isGreeting(head)
}

func isGreeting(msg string) bool {
	for _, g := range greetings {
		if msg == g || strings.HasPrefix(msg, g+" ") || strings.HasPrefix(msg, g+",") || strings.HasPrefix(msg, g+"!") {
			return true
		}
	}
	return false
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
