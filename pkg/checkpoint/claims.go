package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// ErrNoRunnable is returned by ClaimNextRunnable when no workflow is waiting.
var ErrNoRunnable = errors.New("no runnable workflows")

// ClaimNextRunnable atomically claims the oldest unclaimed runnable workflow
// for podID using FOR UPDATE SKIP LOCKED, so concurrent workers across pods
// never double-claim.
func (s *Store) ClaimNextRunnable(ctx context.Context, podID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fault.Wrap(fault.Unavailable, err, "beginning claim transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var workflowID string
	err = tx.QueryRowContext(ctx,
		`SELECT workflow_id FROM workflow_snapshot
		 WHERE status IN ($1, $2) AND claimed_by IS NULL
		 ORDER BY created_at
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		string(models.StatusPending), string(models.StatusRunning),
	).Scan(&workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRunnable
	}
	if err != nil {
		return "", fault.Wrap(fault.Unavailable, err, "querying runnable workflows")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_snapshot SET claimed_by = $1, claimed_at = $2, heartbeat_at = $2
		 WHERE workflow_id = $3`,
		podID, now, workflowID); err != nil {
		return "", fault.Wrap(fault.Unavailable, err, "claiming workflow %s", workflowID)
	}

	if err := tx.Commit(); err != nil {
		return "", fault.Wrap(fault.Unavailable, err, "committing claim")
	}
	return workflowID, nil
}

// Release clears the claim. Only the claiming pod can release; a stale pod's
// release after orphan requeue is a harmless no-op.
func (s *Store) Release(ctx context.Context, workflowID, podID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_snapshot SET claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
		 WHERE workflow_id = $1 AND claimed_by = $2`,
		workflowID, podID)
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "releasing workflow %s", workflowID)
	}
	return nil
}

// Heartbeat refreshes the claim's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, workflowID, podID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_snapshot SET heartbeat_at = $1
		 WHERE workflow_id = $2 AND claimed_by = $3`,
		time.Now().UTC(), workflowID, podID)
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "heartbeat for workflow %s", workflowID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.FailedPrecondition,
			"workflow %s is no longer claimed by %s", workflowID, podID)
	}
	return nil
}

// RequeueOrphans clears claims whose heartbeat is older than staleAfter, so a
// crashed pod's workflows become claimable again. Returns how many were
// requeued.
func (s *Store) RequeueOrphans(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_snapshot SET claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
		 WHERE claimed_by IS NOT NULL
		   AND heartbeat_at < $1
		   AND status IN ($2, $3)`,
		time.Now().UTC().Add(-staleAfter),
		string(models.StatusPending), string(models.StatusRunning))
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "requeuing orphans")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
