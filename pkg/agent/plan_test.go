package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

const validPlanJSON = `{
  "risk_level": "medium",
  "subtasks": [
    {"id": "t1", "agent_role": "feature-dev", "description": "implement the endpoint"},
    {"id": "t2", "agent_role": "code-review", "description": "review the change", "depends_on": ["t1"]}
  ]
}`

func TestParsePlanRawJSON(t *testing.T) {
	plan, err := ParsePlan(validPlanJSON)
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, plan.RiskLevel)
	require.Len(t, plan.SubTasks, 2)
	assert.Equal(t, "t1", plan.SubTasks[0].ID)
	assert.Equal(t, []string{"t1"}, plan.SubTasks[1].DependsOn)
}

func TestParsePlanFencedJSON(t *testing.T) {
	raw := "Here is the plan:\n```json\n" + validPlanJSON + "\n```\nLet me know."
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	assert.Len(t, plan.SubTasks, 2)

	// Bare fences work too.
	raw = "```\n" + validPlanJSON + "\n```"
	plan, err = ParsePlan(raw)
	require.NoError(t, err)
	assert.Len(t, plan.SubTasks, 2)
}

func TestParsePlanSurroundingProse(t *testing.T) {
	raw := "Sure! " + validPlanJSON + " Happy to adjust."
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, plan.RiskLevel)
}

func TestParsePlanRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "no JSON at all",
			raw:  "I think we should split this into two steps.",
		},
		{
			name: "not valid JSON",
			raw:  `{"risk_level": "medium", "subtasks": [}`,
		},
		{
			name: "unknown field",
			raw:  `{"risk_level":"low","priority":1,"subtasks":[{"id":"t1","agent_role":"feature-dev","description":"x"}]}`,
		},
		{
			name: "unknown risk level",
			raw:  `{"risk_level":"extreme","subtasks":[{"id":"t1","agent_role":"feature-dev","description":"x"}]}`,
		},
		{
			name: "no subtasks",
			raw:  `{"risk_level":"low","subtasks":[]}`,
		},
		{
			name: "missing id",
			raw:  `{"risk_level":"low","subtasks":[{"agent_role":"feature-dev","description":"x"}]}`,
		},
		{
			name: "missing description",
			raw:  `{"risk_level":"low","subtasks":[{"id":"t1","agent_role":"feature-dev"}]}`,
		},
		{
			name: "unknown role",
			raw:  `{"risk_level":"low","subtasks":[{"id":"t1","agent_role":"supervisor","description":"x"}]}`,
		},
		{
			name: "duplicate subtask id",
			raw: `{"risk_level":"low","subtasks":[
				{"id":"t1","agent_role":"feature-dev","description":"x"},
				{"id":"t1","agent_role":"code-review","description":"y"}]}`,
		},
		{
			name: "unknown dependency",
			raw:  `{"risk_level":"low","subtasks":[{"id":"t1","agent_role":"feature-dev","description":"x","depends_on":["t9"]}]}`,
		},
		{
			name: "dependency cycle",
			raw: `{"risk_level":"low","subtasks":[
				{"id":"t1","agent_role":"feature-dev","description":"x","depends_on":["t2"]},
				{"id":"t2","agent_role":"code-review","description":"y","depends_on":["t1"]}]}`,
		},
		{
			name: "self dependency",
			raw:  `{"risk_level":"low","subtasks":[{"id":"t1","agent_role":"feature-dev","description":"x","depends_on":["t1"]}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.raw)
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.UpstreamCorrupt), "got %v", err)
		})
	}
}

func TestPlanToSubTasks(t *testing.T) {
	plan, err := ParsePlan(validPlanJSON)
	require.NoError(t, err)

	tasks := plan.ToSubTasks()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, models.SubTaskPending, task.Status)
	}
	assert.Equal(t, "implement the endpoint", tasks[0].Description)
	assert.Equal(t, []string{"t1"}, tasks[1].DependsOn)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`prefix {"a":1} suffix`))
	assert.Empty(t, extractJSON("no braces here"))
	assert.Empty(t, extractJSON("} reversed {"))
}
