package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/metrics"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/notify"
)

// Worker polls for claimable workflows and runs them through the engine.
type Worker struct {
	id   string
	pool *WorkerPool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu                sync.RWMutex
	status            WorkerStatus
	currentWorkflowID string
	processed         int
	lastActivity      time.Time
}

// NewWorker creates a worker bound to its pool's store, config, and runner.
func NewWorker(id string, pool *WorkerPool) *Worker {
	return &Worker{
		id:           id,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it. The workflow currently
// held finishes or suspends first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                 w.id,
		Status:             w.status,
		CurrentWorkflowID:  w.currentWorkflowID,
		WorkflowsProcessed: w.processed,
		LastActivity:       w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.pool.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, checkpoint.ErrNoRunnable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing workflow", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// pollAndProcess claims one workflow, runs it under the workflow timeout
// with a heartbeat, and releases the claim when it finishes or suspends.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	workflowID, err := w.pool.store.ClaimNextRunnable(ctx, w.pool.podID)
	if err != nil {
		return err
	}

	log := slog.With("workflow_id", workflowID, "worker_id", w.id)
	log.Info("Workflow claimed")

	started := time.Now()
	w.setStatus(WorkerStatusWorking, workflowID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.pool.cfg.WorkflowTimeout)
	defer cancelRun()

	w.pool.Register(workflowID, cancelRun)
	defer w.pool.Unregister(workflowID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, workflowID)

	runErr := w.pool.runner.Run(runCtx, workflowID)
	cancelHeartbeat()

	// The run context may already be dead; release on a fresh one so a
	// cancelled or timed-out workflow does not stay claimed.
	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelRelease()
	if err := w.pool.store.Release(releaseCtx, workflowID, w.pool.podID); err != nil {
		log.Error("Failed to release workflow claim", "error", err)
	}

	w.reportOutcome(releaseCtx, workflowID, started)

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	switch {
	case runErr == nil:
		log.Info("Workflow processing complete")
	case fault.KindOf(runErr) == fault.Cancelled:
		log.Info("Workflow run cancelled", "error", runErr)
	default:
		log.Error("Workflow run failed", "error", runErr)
	}
	return nil
}

// reportOutcome records run metrics and, when a notifier is configured,
// sends a Slack notification for terminal and awaiting-approval states.
// Fail-open: the notifier logs its own errors.
func (w *Worker) reportOutcome(ctx context.Context, workflowID string, started time.Time) {
	state, _, err := w.pool.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		slog.Warn("Skipping outcome report, snapshot load failed",
			"workflow_id", workflowID, "error", err)
		return
	}
	metrics.ObserveWorkflowRun(string(state.Status), time.Since(started))

	if w.pool.notifier == nil {
		return
	}
	switch {
	case state.Status == models.StatusAwaitingApproval && state.Approval != nil:
		w.pool.notifier.NotifyApprovalPending(ctx, notify.ApprovalPendingInput{
			WorkflowID: workflowID,
			RiskLevel:  state.RiskLevel,
			Summary:    firstUserMessage(state),
			Link:       state.Approval.Link,
			Deadline:   state.Approval.Deadline,
		})
	case state.Status.IsTerminal():
		var summary, errMsg string
		if len(state.Messages) > 0 {
			last := state.Messages[len(state.Messages)-1]
			if last.Role == models.RoleAssistant {
				summary = last.Content
			}
		}
		if t := state.FailedSubTask(); t != nil {
			errMsg = t.LastError
		}
		w.pool.notifier.NotifyWorkflowDone(ctx, notify.WorkflowDoneInput{
			WorkflowID:   workflowID,
			Status:       state.Status,
			Summary:      summary,
			ErrorMessage: errMsg,
		})
	}
}

func firstUserMessage(state *models.WorkflowState) string {
	for _, msg := range state.Messages {
		if msg.Role == models.RoleUser {
			return msg.Content
		}
	}
	return "workflow " + state.WorkflowID
}

// runHeartbeat refreshes the claim lease so the orphan sweeper leaves this
// workflow alone while we hold it.
func (w *Worker) runHeartbeat(ctx context.Context, workflowID string) {
	ticker := time.NewTicker(w.pool.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pool.store.Heartbeat(ctx, workflowID, w.pool.podID); err != nil {
				slog.Warn("Heartbeat failed", "workflow_id", workflowID, "error", err)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter so workers on the same
// pod do not hit the store in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.pool.cfg.PollInterval
	jitter := w.pool.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, workflowID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentWorkflowID = workflowID
	w.lastActivity = time.Now()
}
