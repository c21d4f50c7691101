package models

// Intent is the classifier's verdict on an incoming message.
type Intent string

const (
	IntentCommand    Intent = "command"
	IntentQA         Intent = "qa"
	IntentSimpleTask Intent = "simple_task"
	IntentMedium     Intent = "medium"
	IntentHigh       Intent = "high"
)

// RoutingMode names the dispatch target chosen for a classified message.
type RoutingMode string

const (
	RouteConversational RoutingMode = "conversational"
	RouteWorkflow       RoutingMode = "workflow"
)

// Classification is the metadata the intent classifier attaches to a message.
// The message itself is never mutated.
type Classification struct {
	Intent     Intent      `json:"intent"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale,omitempty"`
	Routing    RoutingMode `json:"routing_mode"`

	// ReviewRequested flags low-confidence classifications (< 0.8) for
	// offline analysis. It never alters routing.
	ReviewRequested bool `json:"review_requested,omitempty"`

	// Command fields, set only when Intent is IntentCommand.
	Command     string `json:"command,omitempty"`
	CommandArgs string `json:"command_args,omitempty"`
}
