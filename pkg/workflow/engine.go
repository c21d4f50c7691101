package workflow

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/metrics"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

const (
	// subTaskRetryBudget is how many times a failed subtask re-queues.
	subTaskRetryBudget = 2
	// summaryWindow is the maximum message count before older turns fold
	// into a summary.
	summaryWindow = 30
	// retryBase and retryCap shape the subtask retry backoff.
	retryBase = 500 * time.Millisecond
	retryCap  = 8 * time.Second
)

// retryBackoff returns the full-jitter delay before re-queueing a failed
// subtask.
func retryBackoff(attempt int) time.Duration {
	max := retryBase << (attempt - 1)
	if max > retryCap || max <= 0 {
		max = retryCap
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Engine drives workflows through the graph. One Engine serves all
// workflows; per-run state lives on the stack of Run.
type Engine struct {
	graph       *Graph
	nodes       map[string]NodeFunc
	store       *checkpoint.Store
	deps        *Deps
	fingerprint string
	logger      *slog.Logger
}

// NewEngine compiles the canonical graph and binds the node library.
func NewEngine(store *checkpoint.Store, deps *Deps, fingerprint string) (*Engine, error) {
	graph := BuildGraph()
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		graph:       graph,
		nodes:       nodeFuncs(),
		store:       store,
		deps:        deps,
		fingerprint: fingerprint,
		logger:      slog.Default().With("component", "workflow"),
	}, nil
}

// Start creates a workflow for the instruction and persists its initial
// checkpoint. The queue picks it up; nothing executes on the caller's
// goroutine.
func (e *Engine) Start(ctx context.Context, sessionID, instruction string) (string, error) {
	workflowID := uuid.NewString()
	now := models.Now()

	events := []models.Event{
		models.MustEvent(workflowID, models.EventStateInit, "", models.StateInitPayload{
			WorkflowID:        workflowID,
			SessionID:         sessionID,
			Instruction:       instruction,
			EntryNode:         e.graph.Entry,
			ConfigFingerprint: e.fingerprint,
			CreatedAt:         now,
		}),
		models.MustEvent(workflowID, models.EventMessageAppended, "", models.MessageAppendedPayload{
			Message: models.Message{Role: models.RoleUser, Content: instruction, Timestamp: now},
		}),
	}
	if _, err := e.store.AppendEvents(ctx, workflowID, 0, events); err != nil {
		return "", err
	}

	state, err := checkpoint.Fold(events)
	if err != nil {
		return "", err
	}
	if _, err := e.store.WriteSnapshot(ctx, workflowID, state, 0); err != nil {
		return "", err
	}

	e.logger.Info("Workflow created", "workflow_id", workflowID, "session_id", sessionID)
	return workflowID, nil
}

// run tracks one Run invocation's live state.
type run struct {
	state   *models.WorkflowState
	version int64
	nodeErr error
}

// Run drives the workflow until it reaches a terminal status or suspends.
// Safe to call repeatedly; a terminal or suspended workflow returns
// immediately. The caller (a queue worker) holds the claim for the duration.
func (e *Engine) Run(ctx context.Context, workflowID string) error {
	state, version, err := e.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	r := &run{state: state, version: version}

	for r.state.Status == models.StatusPending || r.state.Status == models.StatusRunning {
		// Cancellation checkpoint between node invocations.
		if ctx.Err() != nil {
			return e.recordCancellation(workflowID, r)
		}

		if err := e.maybeSummarize(ctx, workflowID, r); err != nil {
			e.logger.Warn("History summarization failed, continuing",
				"workflow_id", workflowID, "error", err)
		}

		suspended, err := e.step(ctx, workflowID, r)
		if err != nil {
			if fault.IsKind(err, fault.Conflict) {
				// Another writer advanced the log. Reload once and continue
				// from its state.
				if reloadErr := e.reload(ctx, workflowID, r); reloadErr != nil {
					return reloadErr
				}
				continue
			}
			return err
		}
		if suspended {
			e.logger.Info("Workflow suspended",
				"workflow_id", workflowID, "status", r.state.Status, "node", r.state.CurrentNode)
			return nil
		}
	}

	e.logger.Info("Workflow settled", "workflow_id", workflowID, "status", r.state.Status)
	return nil
}

// step runs one node invocation: NodeEntered, the node body, NodeExited.
func (e *Engine) step(ctx context.Context, workflowID string, r *run) (suspended bool, err error) {
	target := r.state.NextNode
	if target == "" {
		target = r.state.CurrentNode
	}
	fn, ok := e.nodes[target]
	if !ok {
		return false, fault.New(fault.Internal, "workflow %s routed to unknown node %q", workflowID, target)
	}

	attempt := 0
	if t := runningOrFailedAttempts(r.state, target); t > 0 {
		attempt = t
	}
	if err := e.append(ctx, workflowID, r,
		models.MustEvent(workflowID, models.EventNodeEntered, "", models.NodeEnteredPayload{Node: target, Attempt: attempt})); err != nil {
		return false, err
	}

	nc := &NodeContext{
		State:   r.state,
		NodeErr: r.nodeErr,
		Deps:    e.deps,
		Logger:  e.logger.With("workflow_id", workflowID, "node", target),
		Append: func(ctx context.Context, events ...models.Event) error {
			return e.append(ctx, workflowID, r, events...)
		},
	}
	r.nodeErr = nil

	result, nodeErr := fn(ctx, nc)
	if nodeErr != nil {
		metrics.NodeExecutions.WithLabelValues(target, "error").Inc()
		return false, e.handleNodeFailure(ctx, workflowID, r, target, nodeErr)
	}
	metrics.NodeExecutions.WithLabelValues(target, "ok").Inc()

	if result.Suspend {
		if err := e.append(ctx, workflowID, r,
			models.MustEvent(workflowID, models.EventNodeExited, "", models.NodeExitedPayload{Node: target, Suspended: true})); err != nil {
			return false, err
		}
		return true, e.snapshot(ctx, workflowID, r)
	}

	if !r.state.Status.IsTerminal() {
		next := result.Next
		if next == "" {
			next = e.graph.Route(target, r.state)
		}
		if next != "" {
			if err := e.append(ctx, workflowID, r,
				models.MustEvent(workflowID, models.EventNodeExited, "", models.NodeExitedPayload{Node: target, Next: next})); err != nil {
				return false, err
			}
		}
	}
	return false, e.snapshot(ctx, workflowID, r)
}

// handleNodeFailure converts a node error into graph flow. Cancellation
// terminates; a failure inside a running subtask marks it failed and routes
// to handle_error; anything else carries the error into handle_error
// directly, which decides whether the workflow survives.
func (e *Engine) handleNodeFailure(ctx context.Context, workflowID string, r *run, node string, nodeErr error) error {
	kind := fault.KindOf(nodeErr)
	e.logger.Warn("Node failed",
		"workflow_id", workflowID, "node", node, "kind", kind, "error", nodeErr)

	if kind == fault.Cancelled {
		return e.recordCancellation(workflowID, r)
	}
	if kind == fault.Conflict {
		return nodeErr
	}

	var events []models.Event
	if t := firstRunningSubTask(r.state); t != nil {
		events = append(events, models.MustEvent(workflowID, models.EventSubTaskUpdated, node,
			models.SubTaskUpdatedPayload{
				SubTaskID: t.ID,
				Status:    models.SubTaskFailed,
				Attempts:  t.Attempts,
				LastError: nodeErr.Error(),
			}))
	}
	events = append(events, models.MustEvent(workflowID, models.EventNodeExited, "",
		models.NodeExitedPayload{Node: node, Next: NodeHandleError}))

	if err := e.append(ctx, workflowID, r, events...); err != nil {
		return err
	}
	r.nodeErr = nodeErr
	return e.snapshot(ctx, workflowID, r)
}

// recordCancellation appends the terminal Cancelled event. It runs on a
// fresh context because the workflow's own context is already done.
func (e *Engine) recordCancellation(workflowID string, r *run) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.append(ctx, workflowID, r,
		models.MustEvent(workflowID, models.EventCancelled, "", models.CancelledPayload{
			Reason: "The workflow was cancelled.",
		}))
	if err != nil {
		return err
	}
	return e.snapshot(ctx, workflowID, r)
}

// Cancel marks a non-terminal workflow cancelled. For a workflow currently
// held by a worker the queue's cancel signal interrupts it; this method
// handles the suspended and queued cases directly.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	state, version, err := e.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return fault.New(fault.FailedPrecondition, "workflow %s is already %s", workflowID, state.Status)
	}
	if reason == "" {
		reason = "The workflow was cancelled."
	}

	r := &run{state: state, version: version}
	if err := e.append(ctx, workflowID, r,
		models.MustEvent(workflowID, models.EventCancelled, "", models.CancelledPayload{Reason: reason})); err != nil {
		return err
	}
	return e.snapshot(ctx, workflowID, r)
}

// maybeSummarize folds turns older than the latest summaryWindow into one
// summary message. The summary is an event, so replay applies it verbatim
// instead of calling the LLM again.
func (e *Engine) maybeSummarize(ctx context.Context, workflowID string, r *run) error {
	excess := len(r.state.Messages) - summaryWindow
	if excess <= 0 {
		return nil
	}

	oldest := r.state.Messages[:excess]
	summary, err := e.deps.Runner.Summarize(ctx, workflowID, oldest)
	if err != nil {
		return err
	}

	return e.append(ctx, workflowID, r,
		models.MustEvent(workflowID, models.EventMessageAppended, "", models.MessageAppendedPayload{
			Message: models.Message{
				Role:      models.RoleSystem,
				Content:   "Summary of earlier conversation: " + summary,
				Timestamp: models.Now(),
			},
			Summarizes: excess,
		}))
}

// append persists events and folds them into the run's live state, keeping
// the in-memory view equal to the fold of the log.
func (e *Engine) append(ctx context.Context, workflowID string, r *run, events ...models.Event) error {
	if _, err := e.store.AppendEvents(ctx, workflowID, r.state.LastSeq, events); err != nil {
		return err
	}
	for i := range events {
		next, err := checkpoint.Apply(r.state, events[i])
		if err != nil {
			return fault.Wrap(fault.Internal, err, "applying appended event %s", events[i].Kind)
		}
		r.state = next
	}
	return nil
}

// snapshot refreshes the stored snapshot after a step.
func (e *Engine) snapshot(ctx context.Context, workflowID string, r *run) error {
	version, err := e.store.WriteSnapshot(ctx, workflowID, r.state, r.version)
	if err != nil {
		if fault.IsKind(err, fault.Conflict) {
			// Snapshot writers race only on claims metadata; reload the
			// version and retry once.
			if reloadErr := e.reloadVersion(ctx, workflowID, r); reloadErr != nil {
				return reloadErr
			}
			version, err = e.store.WriteSnapshot(ctx, workflowID, r.state, r.version)
		}
		if err != nil {
			return err
		}
	}
	r.version = version
	return nil
}

func (e *Engine) reload(ctx context.Context, workflowID string, r *run) error {
	state, version, err := e.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	r.state = state
	r.version = version
	return nil
}

func (e *Engine) reloadVersion(ctx context.Context, workflowID string, r *run) error {
	_, version, err := e.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	r.version = version
	return nil
}

func firstRunningSubTask(state *models.WorkflowState) *models.SubTask {
	for i := range state.SubTasks {
		if state.SubTasks[i].Status == models.SubTaskRunning {
			return &state.SubTasks[i]
		}
	}
	return nil
}

// runningOrFailedAttempts returns the attempt count when the target node is
// re-running a subtask, 0 otherwise.
func runningOrFailedAttempts(state *models.WorkflowState, node string) int {
	for i := range state.SubTasks {
		t := &state.SubTasks[i]
		if t.AgentRole == node && t.Status == models.SubTaskRunning {
			return t.Attempts
		}
	}
	return 0
}
