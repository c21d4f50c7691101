// Package queue runs the workflow worker pool. Workers poll the checkpoint
// store for claimable workflows and drive them through the engine until they
// finish or suspend. Claims are leases: a heartbeat keeps them alive, and an
// orphan sweeper requeues workflows whose pod died mid-run.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/notify"
)

// Runner drives one claimed workflow to a terminal or suspended status.
// Satisfied by *workflow.Engine.
type Runner interface {
	Run(ctx context.Context, workflowID string) error
}

// WorkerPool manages the pool of workflow workers and the orphan sweeper.
type WorkerPool struct {
	podID    string
	store    *checkpoint.Store
	cfg      config.QueueConfig
	runner   Runner
	notifier *notify.Service
	workers  []*Worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Workflow cancel registry: workflow_id to cancel function, for
	// API-triggered cancellation of workflows running on this pod.
	active map[string]context.CancelFunc
	mu     sync.RWMutex

	started bool

	orphanMu         sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int64
}

// NewWorkerPool creates the pool. Workers are spawned by Start. notifier may
// be nil (notifications disabled).
func NewWorkerPool(podID string, store *checkpoint.Store, cfg config.QueueConfig, runner Runner, notifier *notify.Service) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		store:    store,
		cfg:      cfg,
		runner:   runner,
		notifier: notifier,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
		active:   make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines and the orphan sweeper. Safe to call
// more than once; duplicate calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := NewWorker(fmt.Sprintf("%s-worker-%d", p.podID, i), p)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanSweep(ctx)
	}()
}

// Stop signals all workers to stop and waits for them. Workers finish the
// workflow they hold before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)

	if active := p.activeWorkflowIDs(); len(active) > 0 {
		slog.Info("Waiting for active workflows to finish",
			"count", len(active), "workflow_ids", active)
	}

	for _, w := range p.workers {
		w.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped")
}

// Register stores a cancel function for API-triggered cancellation.
func (p *WorkerPool) Register(workflowID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[workflowID] = cancel
}

// Unregister removes the cancel function when processing ends.
func (p *WorkerPool) Unregister(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, workflowID)
}

// Cancel interrupts a workflow running on this pod. Returns false when the
// workflow is not held here; the caller then cancels through the store.
func (p *WorkerPool) Cancel(workflowID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[workflowID]; ok {
		cancel()
		return true
	}
	return false
}

// Health reports pool liveness for the health endpoint.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	var queueDepth int
	err := p.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_snapshot
		 WHERE status IN ($1, $2) AND claimed_by IS NULL`,
		string(models.StatusPending), string(models.StatusRunning),
	).Scan(&queueDepth)

	stats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, w := range p.workers {
		stats[i] = w.Health()
		if stats[i].Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.orphanMu.Lock()
	lastScan := p.lastOrphanScan
	recovered := p.orphansRecovered
	p.orphanMu.Unlock()

	var dbError string
	if err != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", err)
	}
	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && err == nil,
		DBReachable:      err == nil,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       queueDepth,
		WorkerStats:      stats,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
}

// runOrphanSweep periodically requeues workflows whose claiming pod stopped
// heartbeating. Every pod sweeps; the UPDATE is idempotent.
func (p *WorkerPool) runOrphanSweep(ctx context.Context) {
	interval := p.cfg.OrphanThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueOrphans(ctx, p.cfg.OrphanThreshold)
			if err != nil {
				slog.Warn("Orphan sweep failed", "pod_id", p.podID, "error", err)
				continue
			}
			p.orphanMu.Lock()
			p.lastOrphanScan = time.Now().UTC()
			p.orphansRecovered += n
			p.orphanMu.Unlock()
			if n > 0 {
				slog.Info("Requeued orphaned workflows", "count", n, "pod_id", p.podID)
			}
		}
	}
}

func (p *WorkerPool) activeWorkflowIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
