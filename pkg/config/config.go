// Package config loads the orchestrator's runtime configuration.
//
// All tunables come from enumerated environment variables parsed into one
// immutable Config passed into constructors. Role definitions and tool
// profiles ship as embedded YAML, optionally overlaid by a user config
// directory. Reloads require a process restart.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"
)

// Strategy selects how the progressive tool loader picks tools per step.
type Strategy string

const (
	StrategyMinimal      Strategy = "minimal"
	StrategyAgentProfile Strategy = "agent_profile"
	StrategyProgressive  Strategy = "progressive"
	StrategyFull         Strategy = "full"
)

// ValidStrategy reports whether s is a known tool loading strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyMinimal, StrategyAgentProfile, StrategyProgressive, StrategyFull:
		return true
	}
	return false
}

// Config is the immutable runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// APIKey is the single shared key for request authentication. Empty
	// disables auth (local development only).
	APIKey string

	// DatabaseURL is the SQL connection string for the checkpoint store.
	DatabaseURL string

	LLM       LLMConfig
	Tools     ToolsConfig
	Approval  ApprovalConfig
	Intent    IntentConfig
	Stream    StreamConfig
	Queue     QueueConfig
	Retention RetentionConfig
	Slack     SlackConfig

	// TraceSampling gates per-request debug trace logging, in [0, 1].
	TraceSampling float64

	Roles    *RoleRegistry
	Profiles *ProfileRegistry
}

// LLMConfig configures the OpenAI-compatible provider endpoint.
type LLMConfig struct {
	ProviderURL string
	ProviderKey string

	// Models maps role name to model identifier. DefaultModel is the backstop
	// for roles without an explicit LLM_MODEL_<role> setting.
	Models       map[string]string
	DefaultModel string

	MaxContextTokens  int
	MaxResponseTokens int
	CallTimeout       time.Duration
}

// ModelFor resolves the model for a role, falling back to the default.
func (c *LLMConfig) ModelFor(role string) string {
	if m, ok := c.Models[role]; ok && m != "" {
		return m
	}
	return c.DefaultModel
}

// ToolsConfig configures the MCP gateway and the progressive loader.
type ToolsConfig struct {
	GatewayURL    string
	Strategy      Strategy
	MaxPerRequest int

	// InvokeTimeout is the default per-invocation deadline; per-tool overrides
	// come from the tool profile YAML.
	InvokeTimeout time.Duration
}

// ApprovalConfig configures the HITL manager.
type ApprovalConfig struct {
	Deadline     time.Duration
	PollInterval time.Duration
	TrackerURL   string
	TrackerKey   string
}

// IntentConfig configures the classifier.
type IntentConfig struct {
	EnableLLMFallback bool

	// AskModeForcesQA makes mode=ask route every non-command message to the
	// conversational path regardless of task signals. Off by default.
	AskModeForcesQA bool
}

// StreamConfig configures SSE delivery.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	EndpointTimeout   time.Duration
}

// QueueConfig configures the workflow worker pool.
type QueueConfig struct {
	WorkerCount             int
	PollInterval            time.Duration
	PollIntervalJitter      time.Duration
	HeartbeatInterval       time.Duration
	WorkflowTimeout         time.Duration
	GracefulShutdownTimeout time.Duration
	OrphanThreshold         time.Duration
}

// RetentionConfig configures checkpoint retention.
type RetentionConfig struct {
	Days            int
	CleanupInterval time.Duration
}

// Window returns the retention cutoff duration.
func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// SlackConfig configures optional notifications. An empty token disables them.
type SlackConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Load parses configuration from the environment and the optional user config
// directory (role and tool-profile overlays). It fails fast on invalid values.
func Load(configDir string) (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		APIKey:      os.Getenv("ORCHESTRATOR_API_KEY"),
		DatabaseURL: os.Getenv("DB_URL"),
		LLM: LLMConfig{
			ProviderURL:       os.Getenv("LLM_PROVIDER_URL"),
			ProviderKey:       os.Getenv("LLM_PROVIDER_KEY"),
			Models:            modelsFromEnv(),
			DefaultModel:      getEnv("LLM_MODEL_DEFAULT", "gpt-4o"),
			MaxContextTokens:  getEnvInt("MAX_CONTEXT_TOKENS", 128_000),
			MaxResponseTokens: getEnvInt("MAX_RESPONSE_TOKENS", 8_192),
			CallTimeout:       getEnvSeconds("LLM_CALL_TIMEOUT_SECONDS", 120),
		},
		Tools: ToolsConfig{
			GatewayURL:    os.Getenv("TOOL_GATEWAY_URL"),
			Strategy:      Strategy(getEnv("TOOL_LOADING_STRATEGY", string(StrategyProgressive))),
			MaxPerRequest: getEnvInt("MAX_TOOLS_PER_REQUEST", 30),
			InvokeTimeout: getEnvSeconds("TOOL_INVOKE_TIMEOUT_SECONDS", 30),
		},
		Approval: ApprovalConfig{
			Deadline:     getEnvSeconds("APPROVAL_DEADLINE_SECONDS", 86_400),
			PollInterval: getEnvSeconds("APPROVAL_POLL_SECONDS", 30),
			TrackerURL:   os.Getenv("APPROVAL_TRACKER_URL"),
			TrackerKey:   os.Getenv("APPROVAL_TRACKER_KEY"),
		},
		Intent: IntentConfig{
			EnableLLMFallback: getEnvBool("ENABLE_INTENT_LLM_FALLBACK", false),
			AskModeForcesQA:   getEnvBool("ASK_MODE_FORCES_QA", false),
		},
		Stream: StreamConfig{
			KeepaliveInterval: getEnvSeconds("KEEPALIVE_INTERVAL_SECONDS", 15),
			EndpointTimeout:   getEnvSeconds("STREAM_TIMEOUT_SECONDS", 300),
		},
		Queue: QueueConfig{
			WorkerCount:             getEnvInt("WORKER_COUNT", 4),
			PollInterval:            getEnvSeconds("WORKER_POLL_SECONDS", 2),
			PollIntervalJitter:      time.Second,
			HeartbeatInterval:       getEnvSeconds("WORKER_HEARTBEAT_SECONDS", 15),
			WorkflowTimeout:         getEnvSeconds("WORKFLOW_TIMEOUT_SECONDS", 1_800),
			GracefulShutdownTimeout: getEnvSeconds("GRACEFUL_SHUTDOWN_SECONDS", 30),
			OrphanThreshold:         getEnvSeconds("ORPHAN_THRESHOLD_SECONDS", 120),
		},
		Retention: RetentionConfig{
			Days:            getEnvInt("RETENTION_DAYS", 30),
			CleanupInterval: getEnvSeconds("CLEANUP_INTERVAL_SECONDS", 3_600),
		},
		Slack: SlackConfig{
			Token:        os.Getenv("SLACK_TOKEN"),
			Channel:      os.Getenv("SLACK_CHANNEL"),
			DashboardURL: os.Getenv("DASHBOARD_URL"),
		},
		TraceSampling: getEnvFloat("TRACE_SAMPLING", 0),
	}

	roles, err := LoadRoleRegistry(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading role registry: %w", err)
	}
	cfg.Roles = roles

	profiles, err := LoadProfileRegistry(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading tool profile registry: %w", err)
	}
	cfg.Profiles = profiles

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if !ValidStrategy(c.Tools.Strategy) {
		return fmt.Errorf("unknown TOOL_LOADING_STRATEGY %q", c.Tools.Strategy)
	}
	if c.Tools.MaxPerRequest <= 0 {
		return fmt.Errorf("MAX_TOOLS_PER_REQUEST must be positive, got %d", c.Tools.MaxPerRequest)
	}
	if c.TraceSampling < 0 || c.TraceSampling > 1 {
		return fmt.Errorf("TRACE_SAMPLING must be in [0, 1], got %v", c.TraceSampling)
	}
	if c.Queue.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.Queue.WorkerCount)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.Retention.Days)
	}
	return nil
}

// Fingerprint is a stable hash over the model and tool-profile choices,
// stored per workflow for reproducibility.
func (c *Config) Fingerprint() string {
	type entry struct {
		Role  string `json:"role"`
		Model string `json:"model"`
	}
	roles := c.Roles.Names()
	sort.Strings(roles)
	entries := make([]entry, 0, len(roles))
	for _, r := range roles {
		entries = append(entries, entry{Role: r, Model: c.LLM.ModelFor(r)})
	}
	canonical, _ := json.Marshal(struct {
		Models   []entry  `json:"models"`
		Strategy Strategy `json:"strategy"`
		MaxTools int      `json:"max_tools"`
		MaxCtx   int      `json:"max_context_tokens"`
		MaxResp  int      `json:"max_response_tokens"`
	}{entries, c.Tools.Strategy, c.Tools.MaxPerRequest, c.LLM.MaxContextTokens, c.LLM.MaxResponseTokens})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// --- env helpers ---

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

// modelsFromEnv reads the per-role model settings. Role names use hyphens;
// env keys use underscores.
func modelsFromEnv() map[string]string {
	keys := map[string]string{
		"supervisor":     "LLM_MODEL_SUPERVISOR",
		"feature-dev":    "LLM_MODEL_FEATURE_DEV",
		"code-review":    "LLM_MODEL_CODE_REVIEW",
		"infrastructure": "LLM_MODEL_INFRASTRUCTURE",
		"cicd":           "LLM_MODEL_CICD",
		"documentation":  "LLM_MODEL_DOCUMENTATION",
	}
	models := make(map[string]string, len(keys))
	for role, key := range keys {
		if v := os.Getenv(key); v != "" {
			models[role] = v
		}
	}
	return models
}
