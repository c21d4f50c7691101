package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

func TestDeleteTerminalOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// One old completed, one fresh completed, one old but still running.
	state, version := startWorkflow(t, store, "wf-gc-old", "sess-1")
	advance(t, store, state, version,
		models.MustEvent("wf-gc-old", models.EventCompleted, "", models.CompletedPayload{}))
	state, version = startWorkflow(t, store, "wf-gc-fresh", "sess-2")
	advance(t, store, state, version,
		models.MustEvent("wf-gc-fresh", models.EventCompleted, "", models.CompletedPayload{}))
	startWorkflow(t, store, "wf-gc-live", "sess-3")

	// Age the old workflows directly; the sweep keys on updated_at.
	past := time.Now().UTC().Add(-48 * time.Hour)
	_, err := store.DB().ExecContext(ctx,
		`UPDATE workflow_snapshot SET updated_at = $1 WHERE workflow_id IN ('wf-gc-old', 'wf-gc-live')`, past)
	require.NoError(t, err)

	events, snapshots, err := store.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), events, "StateInit and Completed of the old workflow")
	assert.Equal(t, int64(1), snapshots)

	_, _, err = store.LoadSnapshot(ctx, "wf-gc-old")
	assert.True(t, fault.IsKind(err, fault.NotFound))

	// Terminal but fresh, and old but non-terminal, both survive.
	_, _, err = store.LoadSnapshot(ctx, "wf-gc-fresh")
	assert.NoError(t, err)
	_, _, err = store.LoadSnapshot(ctx, "wf-gc-live")
	assert.NoError(t, err)
}

func TestDeleteStaleSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendTurns(ctx, "sess-stale", 0, []models.Message{turn(models.RoleUser, "hi")})
	require.NoError(t, err)
	_, err = store.AppendTurns(ctx, "sess-live", 0, []models.Message{turn(models.RoleUser, "hi")})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-48 * time.Hour)
	_, err = store.DB().ExecContext(ctx,
		`UPDATE session SET updated_at = $1 WHERE session_id = 'sess-stale'`, past)
	require.NoError(t, err)

	n, err := store.DeleteStaleSessions(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	live, err := store.LoadSession(ctx, "sess-live")
	require.NoError(t, err)
	assert.Len(t, live.Turns, 1)

	gone, err := store.LoadSession(ctx, "sess-stale")
	require.NoError(t, err)
	assert.Empty(t, gone.Turns)
}
