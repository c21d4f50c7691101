package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

func turn(role, content string) models.Message {
	return models.Message{Role: role, Content: content, Timestamp: models.Now()}
}

func TestLoadSessionUnknownIsEmpty(t *testing.T) {
	store := newTestStore(t)

	session, err := store.LoadSession(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", session.SessionID)
	assert.Empty(t, session.Turns)
	assert.Zero(t, session.Version)
}

func TestAppendTurnsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.AppendTurns(ctx, "sess-rt", 0, []models.Message{
		turn(models.RoleUser, "hello"),
		turn(models.RoleAssistant, "hi, how can I help?"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	session, err := store.LoadSession(ctx, "sess-rt")
	require.NoError(t, err)
	require.Len(t, session.Turns, 2)
	assert.Equal(t, "hello", session.Turns[0].Content)
	assert.Equal(t, int64(1), session.Version)

	v, err = store.AppendTurns(ctx, "sess-rt", 1, []models.Message{turn(models.RoleUser, "more")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestAppendTurnsStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendTurns(ctx, "sess-cas", 0, []models.Message{turn(models.RoleUser, "a")})
	require.NoError(t, err)

	_, err = store.AppendTurns(ctx, "sess-cas", 0, []models.Message{turn(models.RoleUser, "b")})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))
}

func TestAppendTurnsBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	version := int64(0)
	for i := 0; i < 30; i++ {
		var err error
		version, err = store.AppendTurns(ctx, "sess-bound", version, []models.Message{
			turn(models.RoleUser, fmt.Sprintf("q%d", i)),
			turn(models.RoleAssistant, fmt.Sprintf("a%d", i)),
		})
		require.NoError(t, err)
	}

	session, err := store.LoadSession(ctx, "sess-bound")
	require.NoError(t, err)
	assert.Len(t, session.Turns, maxSessionTurns)

	// The oldest turns fell off; the latest survived.
	assert.Equal(t, "a29", session.Turns[len(session.Turns)-1].Content)
	assert.NotEqual(t, "q0", session.Turns[0].Content)
}
