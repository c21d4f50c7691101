package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Plan is the supervisor's structured output: an estimated risk level and an
// ordered subtask list forming a DAG over depends_on.
type Plan struct {
	RiskLevel models.RiskLevel `json:"risk_level"`
	SubTasks  []planSubTask    `json:"subtasks"`
}

type planSubTask struct {
	ID          string   `json:"id"`
	AgentRole   string   `json:"agent_role"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// ToSubTasks converts the plan into workflow subtasks in plan order.
func (p *Plan) ToSubTasks() []models.SubTask {
	out := make([]models.SubTask, 0, len(p.SubTasks))
	for _, t := range p.SubTasks {
		out = append(out, models.SubTask{
			ID:          t.ID,
			AgentRole:   t.AgentRole,
			Description: t.Description,
			DependsOn:   t.DependsOn,
			Status:      models.SubTaskPending,
		})
	}
	return out
}

var fencedJSONRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParsePlan extracts and validates the supervisor's plan from raw LLM output.
// The JSON may arrive fenced or raw; anything that fails strict validation is
// UpstreamCorrupt so the engine can run the corrective-retry path.
func ParsePlan(raw string) (*Plan, error) {
	text := extractJSON(raw)
	if text == "" {
		return nil, fault.New(fault.UpstreamCorrupt, "supervisor output contains no JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	var plan Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, fault.Wrap(fault.UpstreamCorrupt, err, "supervisor plan is not valid JSON")
	}

	if err := validatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func validatePlan(p *Plan) error {
	switch p.RiskLevel {
	case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
	default:
		return fault.New(fault.UpstreamCorrupt, "supervisor plan has unknown risk level %q", p.RiskLevel)
	}
	if len(p.SubTasks) == 0 {
		return fault.New(fault.UpstreamCorrupt, "supervisor plan has no subtasks")
	}

	byID := make(map[string]*planSubTask, len(p.SubTasks))
	for i := range p.SubTasks {
		t := &p.SubTasks[i]
		if t.ID == "" || t.Description == "" {
			return fault.New(fault.UpstreamCorrupt, "supervisor plan subtask missing id or description")
		}
		if !models.ValidSubTaskRole(t.AgentRole) {
			return fault.New(fault.UpstreamCorrupt, "supervisor plan assigns unknown role %q", t.AgentRole)
		}
		if _, dup := byID[t.ID]; dup {
			return fault.New(fault.UpstreamCorrupt, "supervisor plan has duplicate subtask id %q", t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range p.SubTasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fault.New(fault.UpstreamCorrupt,
					"subtask %q depends on unknown subtask %q", t.ID, dep)
			}
		}
	}
	if hasCycle(byID) {
		return fault.New(fault.UpstreamCorrupt, "supervisor plan dependency graph has a cycle")
	}
	return nil
}

// hasCycle detects cycles in the depends_on graph by iterative DFS coloring.
func hasCycle(tasks map[string]*planSubTask) bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case grey:
			return true
		case black:
			return false
		}
		color[id] = grey
		for _, dep := range tasks[id].DependsOn {
			if visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}

	for id := range tasks {
		if visit(id) {
			return true
		}
	}
	return false
}

// extractJSON pulls the first JSON object out of the LLM's text, preferring a
// fenced block, then a raw object spanning the first { to the last }.
func extractJSON(raw string) string {
	if m := fencedJSONRegex.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
