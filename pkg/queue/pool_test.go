package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/test/util"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		WorkerCount:        2,
		PollInterval:       20 * time.Millisecond,
		PollIntervalJitter: 5 * time.Millisecond,
		// Long enough that a heartbeat never races the test runner's
		// snapshot write.
		HeartbeatInterval: time.Minute,
		WorkflowTimeout:   10 * time.Second,
		OrphanThreshold:   time.Second,
	}
}

func seedPending(t *testing.T, store *checkpoint.Store) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	events := []models.Event{
		models.MustEvent(id, models.EventStateInit, "", models.StateInitPayload{
			WorkflowID: id,
			SessionID:  "sess-1",
			EntryNode:  "delegate_task",
			CreatedAt:  models.Now(),
		}),
		models.MustEvent(id, models.EventMessageAppended, "", models.MessageAppendedPayload{
			Message: models.Message{Role: models.RoleUser, Content: "do the thing", Timestamp: models.Now()},
		}),
	}
	_, err := store.AppendEvents(ctx, id, 0, events)
	require.NoError(t, err)
	state, err := checkpoint.Fold(events)
	require.NoError(t, err)
	_, err = store.WriteSnapshot(ctx, id, state, 0)
	require.NoError(t, err)
	return id
}

// completingRunner terminates every workflow it is handed.
type completingRunner struct {
	store *checkpoint.Store
	mu    sync.Mutex
	runs  []string
}

func (r *completingRunner) Run(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	r.runs = append(r.runs, workflowID)
	r.mu.Unlock()

	for {
		state, version, err := r.store.LoadSnapshot(ctx, workflowID)
		if err != nil {
			return err
		}
		if state.Status.IsTerminal() {
			return nil
		}
		ev := models.MustEvent(workflowID, models.EventCompleted, "", models.CompletedPayload{Summary: "done"})
		if _, err := r.store.AppendEvents(ctx, workflowID, state.LastSeq, []models.Event{ev}); err != nil {
			return err
		}
		next, err := checkpoint.Apply(state, ev)
		if err != nil {
			return err
		}
		if _, err := r.store.WriteSnapshot(ctx, workflowID, next, version); err != nil {
			if fault.IsKind(err, fault.Conflict) {
				continue
			}
			return err
		}
		return nil
	}
}

func (r *completingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// blockingRunner parks until its context dies, reporting when it starts.
// Like the engine, it records the cancellation on a fresh context so the
// workflow does not stay claimable.
type blockingRunner struct {
	store   *checkpoint.Store
	started chan string
}

func (r *blockingRunner) Run(ctx context.Context, workflowID string) error {
	r.started <- workflowID
	<-ctx.Done()

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, version, err := r.store.LoadSnapshot(bg, workflowID)
	if err != nil {
		return err
	}
	ev := models.MustEvent(workflowID, models.EventCancelled, "", models.CancelledPayload{Reason: "interrupted"})
	if _, err := r.store.AppendEvents(bg, workflowID, state.LastSeq, []models.Event{ev}); err != nil {
		return err
	}
	next, err := checkpoint.Apply(state, ev)
	if err != nil {
		return err
	}
	if _, err := r.store.WriteSnapshot(bg, workflowID, next, version); err != nil {
		return err
	}
	return fault.Wrap(fault.Cancelled, ctx.Err(), "run interrupted")
}

func workflowStatus(t *testing.T, store *checkpoint.Store, id string) models.WorkflowStatus {
	t.Helper()
	state, _, err := store.LoadSnapshot(context.Background(), id)
	require.NoError(t, err)
	return state.Status
}

func TestPoolProcessesPendingWorkflows(t *testing.T) {
	store := checkpoint.NewStore(util.SetupTestDatabase(t))
	runner := &completingRunner{store: store}

	ids := []string{seedPending(t, store), seedPending(t, store), seedPending(t, store)}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), runner, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if workflowStatus(t, store, id) != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 25*time.Millisecond)

	assert.Equal(t, 3, runner.runCount(), "each workflow is claimed exactly once")

	// Claims are released after processing.
	require.Eventually(t, func() bool {
		health := pool.Health(context.Background())
		return health.ActiveWorkers == 0
	}, 5*time.Second, 25*time.Millisecond)
}

func TestPoolCancelInterruptsHeldWorkflow(t *testing.T) {
	store := checkpoint.NewStore(util.SetupTestDatabase(t))
	runner := &blockingRunner{store: store, started: make(chan string, 1)}

	id := seedPending(t, store)

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), runner, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case got := <-runner.started:
		require.Equal(t, id, got)
	case <-time.After(10 * time.Second):
		t.Fatal("worker never claimed the workflow")
	}

	assert.True(t, pool.Cancel(id), "workflow is held on this pod")

	// Once the run returns, the registry entry is gone and the claim released.
	require.Eventually(t, func() bool {
		return !pool.Cancel(id)
	}, 5*time.Second, 25*time.Millisecond)
	assert.Equal(t, models.StatusCancelled, workflowStatus(t, store, id))
}

func TestPoolCancelUnknownWorkflow(t *testing.T) {
	store := checkpoint.NewStore(util.SetupTestDatabase(t))
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &completingRunner{store: store}, nil)
	assert.False(t, pool.Cancel("not-held-here"))
}

func TestPoolRecoversOrphanedClaims(t *testing.T) {
	store := checkpoint.NewStore(util.SetupTestDatabase(t))
	runner := &completingRunner{store: store}

	id := seedPending(t, store)

	// Another pod claimed the workflow and died without releasing.
	claimed, err := store.ClaimNextRunnable(context.Background(), "dead-pod")
	require.NoError(t, err)
	require.Equal(t, id, claimed)

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), runner, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return workflowStatus(t, store, id) == models.StatusCompleted
	}, 15*time.Second, 50*time.Millisecond)

	health := pool.Health(context.Background())
	assert.GreaterOrEqual(t, health.OrphansRecovered, int64(1))
	assert.False(t, health.LastOrphanScan.IsZero())
}

func TestPoolStartAndStopAreIdempotent(t *testing.T) {
	store := checkpoint.NewStore(util.SetupTestDatabase(t))
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &completingRunner{store: store}, nil)

	ctx := context.Background()
	pool.Start(ctx)
	pool.Start(ctx)
	assert.Len(t, pool.workers, testQueueConfig().WorkerCount, "duplicate Start spawns nothing")

	pool.Stop()
	pool.Stop()
}

func TestPoolHealthWithoutWorkers(t *testing.T) {
	store := checkpoint.NewStore(util.SetupTestDatabase(t))
	seedPending(t, store)
	seedPending(t, store)

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &completingRunner{store: store}, nil)

	health := pool.Health(context.Background())
	assert.False(t, health.IsHealthy, "a pool with no workers is not healthy")
	assert.True(t, health.DBReachable)
	assert.Equal(t, 2, health.QueueDepth)
	assert.Equal(t, "pod-1", health.PodID)
}

func TestPollIntervalJitterBounds(t *testing.T) {
	cfg := testQueueConfig()
	pool := NewWorkerPool("pod-1", nil, cfg, nil, nil)
	w := NewWorker("pod-1-worker-0", pool)

	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, cfg.PollInterval-cfg.PollIntervalJitter)
		assert.Less(t, d, cfg.PollInterval+cfg.PollIntervalJitter)
	}
}

func TestPollIntervalWithoutJitter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollIntervalJitter = 0
	pool := NewWorkerPool("pod-1", nil, cfg, nil, nil)
	w := NewWorker("pod-1-worker-0", pool)
	assert.Equal(t, cfg.PollInterval, w.pollInterval())
}
