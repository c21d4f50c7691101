// Package cleanup enforces checkpoint retention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Service periodically deletes terminal workflows (snapshot plus event log)
// older than the retention window and chat sessions idle past the same
// window. All operations are idempotent and safe to run from multiple pods.
type Service struct {
	cfg   config.RetentionConfig
	store *checkpoint.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the cleanup service.
func NewService(cfg config.RetentionConfig, store *checkpoint.Store) *Service {
	return &Service{cfg: cfg, store: store}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention_days", s.cfg.Days,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := models.Now().Add(-s.cfg.Window())

	workflows, events, err := s.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: workflow cleanup failed", "error", err)
	} else if workflows > 0 {
		slog.Info("Retention: deleted terminal workflows",
			"workflows", workflows, "events", events)
	}

	sessions, err := s.store.DeleteStaleSessions(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: session cleanup failed", "error", err)
	} else if sessions > 0 {
		slog.Info("Retention: deleted stale chat sessions", "count", sessions)
	}
}
