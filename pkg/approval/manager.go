// Package approval is the HITL manager: it files approval requests with the
// external tracker, ingests decisions from the webhook and a polling
// fallback, expires overdue gates, and reactivates workflows by recording
// exactly one decision per approval.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/metrics"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Manager owns the approval lifecycle. tracker may be nil (disabled mode):
// approvals are recorded locally with no link and decisions arrive only
// through the API.
type Manager struct {
	store   *checkpoint.Store
	tracker *TrackerClient
	cfg     config.ApprovalConfig
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the Manager. tracker may be nil.
func NewManager(store *checkpoint.Store, tracker *TrackerClient, cfg config.ApprovalConfig) *Manager {
	return &Manager{
		store:   store,
		tracker: tracker,
		cfg:     cfg,
		logger:  slog.Default().With("component", "approval"),
		stopCh:  make(chan struct{}),
	}
}

// CreateApproval files a new approval for the workflow's risk gate. With no
// tracker the approval exists only in the workflow record.
func (m *Manager) CreateApproval(ctx context.Context, state *models.WorkflowState) (*models.Approval, error) {
	now := models.Now()
	approval := &models.Approval{
		ID:        uuid.NewString(),
		Kind:      "risk_gate",
		CreatedAt: now,
		Deadline:  now.Add(m.cfg.Deadline),
	}

	if m.tracker != nil {
		id, link, err := m.tracker.CreateIssue(ctx, state.WorkflowID,
			approvalSummary(state), string(state.RiskLevel), approval.Deadline)
		if err != nil {
			return nil, err
		}
		approval.ID = id
		approval.Link = link
	}
	return approval, nil
}

// Decide records a decision. Exactly one decision per approval: a duplicate
// with the same outcome is an idempotent no-op, a different outcome is
// FailedPrecondition. A decision arriving before the gate fires is held on
// the workflow until the gate consumes it.
func (m *Manager) Decide(ctx context.Context, workflowID, approvalID, decision, decider, reason string) error {
	switch decision {
	case models.DecisionApprove, models.DecisionReject:
	default:
		return fault.New(fault.InvalidArgument, "unknown decision %q", decision)
	}

	state, version, err := m.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return fault.New(fault.FailedPrecondition,
			"workflow %s is %s; approvals are closed", workflowID, state.Status)
	}

	// Gate not reached yet: hold the decision on the workflow.
	if state.Approval == nil {
		return m.hold(ctx, workflowID, state, version, decision, decider, reason)
	}

	if approvalID != "" && state.Approval.ID != approvalID {
		return fault.New(fault.NotFound, "workflow %s has no approval %s", workflowID, approvalID)
	}
	if state.Approval.Decided() {
		if state.Approval.Decision == decision {
			return nil
		}
		return fault.New(fault.FailedPrecondition,
			"approval %s is already decided as %s", state.Approval.ID, state.Approval.Decision)
	}

	return m.record(ctx, workflowID, state, version, models.ApprovalDecidedPayload{
		ApprovalID: state.Approval.ID,
		Decision:   decision,
		Decider:    decider,
		Reason:     reason,
		DecidedAt:  models.Now(),
	})
}

func (m *Manager) hold(ctx context.Context, workflowID string, state *models.WorkflowState, version int64, decision, decider, reason string) error {
	if held := state.HeldDecision; held != nil {
		if held.Decision == decision {
			return nil
		}
		return fault.New(fault.FailedPrecondition,
			"workflow %s already holds a %s decision", workflowID, held.Decision)
	}
	return m.record(ctx, workflowID, state, version, models.ApprovalDecidedPayload{
		Decision:  decision,
		Decider:   decider,
		Reason:    reason,
		DecidedAt: models.Now(),
		Held:      true,
	})
}

// record appends the ApprovalDecided event and refreshes the snapshot so the
// workflow becomes claimable again.
func (m *Manager) record(ctx context.Context, workflowID string, state *models.WorkflowState, version int64, payload models.ApprovalDecidedPayload) error {
	ev := models.MustEvent(workflowID, models.EventApprovalDecided, "", payload)
	if _, err := m.store.AppendEvents(ctx, workflowID, state.LastSeq, []models.Event{ev}); err != nil {
		return err
	}
	next, err := checkpoint.Apply(state, ev)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "applying decision event")
	}
	if _, err := m.store.WriteSnapshot(ctx, workflowID, next, version); err != nil {
		return err
	}

	metrics.ApprovalDecisions.WithLabelValues(payload.Decision).Inc()
	m.logger.Info("Approval decision recorded",
		"workflow_id", workflowID, "approval_id", payload.ApprovalID,
		"decision", payload.Decision, "held", payload.Held)
	return nil
}

// Start launches the polling fallback loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

// Stop shuts down the polling loop and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// poll sweeps awaiting workflows: expire overdue gates, and when a tracker
// is configured, pick up decisions the webhook missed.
func (m *Manager) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollInterval)
	defer cancel()

	ids, err := m.store.ListAwaitingApproval(ctx)
	if err != nil {
		m.logger.Warn("Approval poll failed", "error", err)
		return
	}

	for _, workflowID := range ids {
		if err := m.pollOne(ctx, workflowID); err != nil {
			m.logger.Warn("Approval poll failed for workflow",
				"workflow_id", workflowID, "error", err)
		}
	}
}

func (m *Manager) pollOne(ctx context.Context, workflowID string) error {
	state, version, err := m.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	approval := state.Approval
	if approval == nil || approval.Decided() {
		return nil
	}

	if models.Now().After(approval.Deadline) {
		m.logger.Info("Approval deadline passed",
			"workflow_id", workflowID, "approval_id", approval.ID)
		return m.record(ctx, workflowID, state, version, models.ApprovalDecidedPayload{
			ApprovalID: approval.ID,
			Decision:   models.DecisionExpire,
			Reason:     "approval deadline passed without a decision",
			DecidedAt:  models.Now(),
		})
	}

	if m.tracker == nil {
		return nil
	}
	decision, err := m.tracker.FetchDecision(ctx, approval.ID)
	if err != nil || decision == nil {
		return err
	}
	return m.Decide(ctx, workflowID, approval.ID, decision.Decision, decision.Decider, decision.Reason)
}

func approvalSummary(state *models.WorkflowState) string {
	for _, msg := range state.Messages {
		if msg.Role == models.RoleUser {
			return msg.Content
		}
	}
	return "workflow " + state.WorkflowID
}
