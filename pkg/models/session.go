package models

import "time"

// SessionTurns is the conversational memory for one session id, distinct from
// any workflow. Turns are bounded to the most recent window at append time;
// the version supports compare-and-swap appends so concurrent messages in the
// same session cannot reorder each other's history.
type SessionTurns struct {
	SessionID string    `json:"session_id"`
	Turns     []Message `json:"turns"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Window returns the most recent k turns.
func (s *SessionTurns) Window(k int) []Message {
	if k <= 0 || len(s.Turns) <= k {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-k:]
}
