package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// maxSessionTurns bounds stored conversational memory per session. Older
// turns fall off; workflows keep their own full (summarized) history.
const maxSessionTurns = 50

// LoadSession returns the session's stored turns. A session that has never
// spoken returns empty turns at version 0, not an error.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*models.SessionTurns, error) {
	var (
		turnsJSON []byte
		version   int64
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT turns, version, updated_at FROM session WHERE session_id = $1`,
		sessionID).Scan(&turnsJSON, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SessionTurns{SessionID: sessionID, Turns: []models.Message{}}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "loading session %s", sessionID)
	}

	var turns []models.Message
	if err := json.Unmarshal(turnsJSON, &turns); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "unmarshaling session turns")
	}
	return &models.SessionTurns{
		SessionID: sessionID,
		Turns:     turns,
		Version:   version,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// AppendTurns appends messages to the session with a compare-and-swap on the
// version, bounding storage to the most recent turns. Concurrent appenders
// that lose the race get fault.Conflict; the caller reloads and retries once.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, expectedVersion int64, msgs []models.Message) (int64, error) {
	current, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, fault.New(fault.Conflict,
			"session %s version %d is stale, store is at %d", sessionID, expectedVersion, current.Version)
	}

	turns := append(current.Turns, msgs...)
	if len(turns) > maxSessionTurns {
		turns = turns[len(turns)-maxSessionTurns:]
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "marshaling session turns")
	}
	now := time.Now().UTC()

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO session (session_id, turns, version, updated_at) VALUES ($1, $2, 1, $3)`,
			sessionID, turnsJSON, now)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fault.Wrap(fault.Conflict, err, "session %s created concurrently", sessionID)
			}
			return 0, fault.Wrap(fault.Unavailable, err, "inserting session")
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE session SET turns = $1, version = version + 1, updated_at = $2
		 WHERE session_id = $3 AND version = $4`,
		turnsJSON, now, sessionID, expectedVersion)
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "updating session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fault.New(fault.Conflict, "session %s version %d is stale", sessionID, expectedVersion)
	}
	return expectedVersion + 1, nil
}
