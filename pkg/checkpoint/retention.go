package checkpoint

import (
	"context"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// DeleteTerminalOlderThan removes events and snapshots of terminal workflows
// whose last update precedes cutoff. Idempotent and safe to run from multiple
// pods. Returns (events, snapshots) deleted.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	terminal := []any{
		string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled),
	}

	evRes, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_event WHERE workflow_id IN (
		   SELECT workflow_id FROM workflow_snapshot
		   WHERE status IN ($1, $2, $3) AND updated_at < $4)`,
		append(terminal, cutoff)...)
	if err != nil {
		return 0, 0, fault.Wrap(fault.Unavailable, err, "deleting expired events")
	}
	eventsDeleted, _ := evRes.RowsAffected()

	snapRes, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_snapshot WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		append(terminal, cutoff)...)
	if err != nil {
		return eventsDeleted, 0, fault.Wrap(fault.Unavailable, err, "deleting expired snapshots")
	}
	snapshotsDeleted, _ := snapRes.RowsAffected()

	return eventsDeleted, snapshotsDeleted, nil
}

// DeleteStaleSessions removes session memory not touched since cutoff.
func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "deleting stale sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
