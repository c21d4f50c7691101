package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/agent"
	"github.com/codeready-toolchain/maestro/pkg/approval"
	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/masking"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/tools"
	"github.com/codeready-toolchain/maestro/test/util"
)

// scriptedLLM plays back canned responses in order, one per Generate call.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]agent.Chunk
	calls   int
}

func (s *scriptedLLM) Generate(_ context.Context, _ *agent.GenerateInput) (<-chan agent.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.scripts) == 0 {
		return nil, errors.New("scripted LLM exhausted")
	}
	next := s.scripts[0]
	s.scripts = s.scripts[1:]
	ch := make(chan agent.Chunk, len(next))
	for _, c := range next {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) Close() error { return nil }

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func say(text string) []agent.Chunk {
	return []agent.Chunk{&agent.TextChunk{Content: text}, &agent.UsageChunk{TotalTokens: 12}}
}

func llmFailure() []agent.Chunk {
	return []agent.Chunk{&agent.ErrorChunk{Message: "rate limited", Retryable: true}}
}

// singleTaskPlan is a minimal valid supervisor plan with one subtask.
func singleTaskPlan(risk, role string) string {
	return fmt.Sprintf(
		`{"risk_level":%q,"subtasks":[{"id":"t1","agent_role":%q,"description":"do the work"}]}`,
		risk, role)
}

func newTestEngine(t *testing.T, llm agent.LLMClient) (*Engine, *checkpoint.Store, *approval.Manager) {
	t.Helper()
	store := checkpoint.NewStore(util.SetupTestDatabase(t))

	roles, err := config.LoadRoleRegistry("")
	require.NoError(t, err)
	profiles, err := config.LoadProfileRegistry("")
	require.NoError(t, err)
	catalog, warnings, err := tools.BuildCatalog(nil, profiles)
	require.NoError(t, err)
	require.Empty(t, warnings)

	approvalCfg := config.ApprovalConfig{Deadline: time.Hour, PollInterval: time.Minute}
	approvals := approval.NewManager(store, nil, approvalCfg)

	engine, err := NewEngine(store, &Deps{
		Runner:      agent.NewRunner(llm, config.LLMConfig{DefaultModel: "test-model"}),
		Roles:       roles,
		Selector:    tools.NewSelector(catalog, profiles, config.StrategyProgressive, 10),
		Catalog:     catalog,
		Masker:      masking.NewMasker(),
		Approvals:   approvals,
		ToolCfg:     config.ToolsConfig{Strategy: config.StrategyProgressive, MaxPerRequest: 10, InvokeTimeout: 5 * time.Second},
		ApprovalCfg: approvalCfg,
	}, "test-fingerprint")
	require.NoError(t, err)
	return engine, store, approvals
}

func TestRunCompletesSingleSubtaskPlan(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("low", models.RoleFeatureDev)),
		say("INSIGHT: the flag default was already true\nChange applied."),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "add a feature flag")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	require.Len(t, state.SubTasks, 1)
	assert.Equal(t, models.SubTaskDone, state.SubTasks[0].Status)
	assert.Equal(t, 1, state.SubTasks[0].Attempts)
	assert.Equal(t, models.RiskLow, state.RiskLevel)

	require.NotEmpty(t, state.CapturedInsights)
	assert.Equal(t, "the flag default was already true", state.CapturedInsights[0].Text)

	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "Completed 1 of 1 subtasks.")

	events, err := store.ReadEvents(ctx, id, 1, state.LastSeq)
	require.NoError(t, err)
	assert.Equal(t, models.EventStateInit, events[0].Kind)
	assert.Equal(t, models.EventCompleted, events[len(events)-1].Kind)

	// A settled workflow runs again as a no-op.
	require.NoError(t, engine.Run(ctx, id))
	assert.Equal(t, 2, llm.callCount())
}

func TestRunOrdersSubtasksByDependency(t *testing.T) {
	ctx := context.Background()
	plan := fmt.Sprintf(`{"risk_level":"low","subtasks":[
		{"id":"t1","agent_role":%q,"description":"implement"},
		{"id":"t2","agent_role":%q,"description":"review","depends_on":["t1"]}
	]}`, models.RoleFeatureDev, models.RoleCodeReview)
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(plan),
		say("implemented"),
		say("reviewed, looks good"),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "implement then review")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	for _, st := range state.SubTasks {
		assert.Equal(t, models.SubTaskDone, st.Status, st.ID)
	}
	assert.Equal(t, 3, llm.callCount())
}

func TestRoleRiskFloorForcesApprovalGate(t *testing.T) {
	ctx := context.Background()
	// The supervisor underestimates; the infrastructure role floors at high.
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("low", models.RoleInfrastructure)),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "rotate the production certs")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingApproval, state.Status)
	assert.Equal(t, models.RiskHigh, state.RiskLevel)
	require.NotNil(t, state.Approval)
	assert.False(t, state.Approval.Decided())
	assert.False(t, state.Approval.Deadline.IsZero())
	assert.Equal(t, models.SubTaskPending, state.SubTasks[0].Status,
		"nothing executes before the gate decides")
}

func TestApproveResumesAndCompletes(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("high", models.RoleFeatureDev)),
		say("deployed the change"),
	}}
	engine, store, approvals := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "ship it")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusAwaitingApproval, state.Status)

	require.NoError(t, approvals.Decide(ctx, id, state.Approval.ID, models.DecisionApprove, "alice", ""))
	require.NoError(t, engine.Run(ctx, id))

	state, _, err = store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, models.DecisionApprove, state.Approval.Decision)
	assert.Equal(t, "alice", state.Approval.Decider)
	assert.Equal(t, models.SubTaskDone, state.SubTasks[0].Status)
}

func TestRejectCancelsWorkflow(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("high", models.RoleFeatureDev)),
	}}
	engine, store, approvals := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "ship it")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusAwaitingApproval, state.Status)

	require.NoError(t, approvals.Decide(ctx, id, state.Approval.ID, models.DecisionReject, "bob", "too risky for Friday"))
	require.NoError(t, engine.Run(ctx, id))

	state, _, err = store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, state.Status)
	assert.Equal(t, models.SubTaskCancelled, state.SubTasks[0].Status)
}

func TestHeldDecisionConsumedAtGate(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("high", models.RoleFeatureDev)),
		say("done"),
	}}
	engine, store, approvals := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "ship it")
	require.NoError(t, err)

	// The decision lands before the gate exists; it is held on the workflow.
	require.NoError(t, approvals.Decide(ctx, id, "", models.DecisionApprove, "alice", "pre-approved in standup"))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, state.HeldDecision)

	require.NoError(t, engine.Run(ctx, id))

	state, _, err = store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status, "gate consumes the held decision without suspending")
	require.NotNil(t, state.Approval)
	assert.Equal(t, models.DecisionApprove, state.Approval.Decision)
	assert.Nil(t, state.HeldDecision)
}

func TestSubtaskRetriesAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("low", models.RoleFeatureDev)),
		llmFailure(),
		say("worked on the second try"),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "flaky task")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, models.SubTaskDone, state.SubTasks[0].Status)
	assert.Equal(t, 2, state.SubTasks[0].Attempts)
}

func TestSubtaskFailsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("low", models.RoleFeatureDev)),
		llmFailure(),
		llmFailure(),
		llmFailure(),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "doomed task")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, models.SubTaskFailed, state.SubTasks[0].Status)
	assert.Equal(t, 1+subTaskRetryBudget, state.SubTasks[0].Attempts)
	assert.NotEmpty(t, state.SubTasks[0].LastError)
}

func TestSupervisorRepairRetryRecoversPlan(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say("Sure, I will plan that out for you."),
		say(singleTaskPlan("low", models.RoleFeatureDev)),
		say("done"),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "please plan")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 3, llm.callCount(), "one repair retry, then the executor")
}

func TestUnparseablePlanFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say("no json here"),
		say("still no json"),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "please plan")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, state.Status)
}

func TestCancelSuspendedWorkflow(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("high", models.RoleFeatureDev)),
	}}
	engine, store, _ := newTestEngine(t, llm)

	id, err := engine.Start(ctx, "sess-1", "ship it")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	require.NoError(t, engine.Cancel(ctx, id, "operator request"))

	state, _, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, state.Status)
	assert.Equal(t, models.SubTaskCancelled, state.SubTasks[0].Status)

	err = engine.Cancel(ctx, id, "again")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.FailedPrecondition))
}

// cancellingLLM cancels the run's context as soon as it is called, simulating
// a worker whose claim is interrupted mid-turn.
type cancellingLLM struct {
	inner  *scriptedLLM
	cancel context.CancelFunc
}

func (c *cancellingLLM) Generate(ctx context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	c.cancel()
	return c.inner.Generate(ctx, in)
}

func (c *cancellingLLM) Close() error { return nil }

func TestMidRunCancellationRecordsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inner := &scriptedLLM{scripts: [][]agent.Chunk{
		say(singleTaskPlan("low", models.RoleFeatureDev)),
	}}
	engine, store, _ := newTestEngine(t, &cancellingLLM{inner: inner, cancel: cancel})

	id, err := engine.Start(context.Background(), "sess-1", "never mind")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, id))

	state, _, err := store.LoadSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, state.Status)
	assert.Equal(t, 1, inner.callCount())
}

func TestStartWritesInitialCheckpoint(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := newTestEngine(t, &scriptedLLM{})

	id, err := engine.Start(ctx, "sess-9", "hello workflows")
	require.NoError(t, err)

	state, version, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, models.StatusPending, state.Status)
	assert.Equal(t, "sess-9", state.SessionID)
	assert.Equal(t, NodeDelegateTask, state.CurrentNode)
	assert.Equal(t, "test-fingerprint", state.ConfigFingerprint)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, models.RoleUser, state.Messages[0].Role)
	assert.Equal(t, "hello workflows", state.Messages[0].Content)
}
