package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// notifyLimit is just under PostgreSQL's 8000-byte NOTIFY payload cap.
const notifyLimit = 7900

// Publisher broadcasts transient frames (streaming content chunks) via NOTIFY
// without persisting rows. Persistent workflow events are notified by the
// checkpoint store inside its append transaction instead.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher on the shared pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// NotifyFrame broadcasts one frame on the workflow's channel. Ephemeral: a
// subscriber that is not listening at this moment never sees it.
func (p *Publisher) NotifyFrame(ctx context.Context, workflowID string, frame Frame) error {
	frame.WorkflowID = workflowID
	payload, err := BoundNotifyPayload(frame.Marshal())
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		WorkflowChannel(workflowID), payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// BoundNotifyPayload returns the payload unchanged when it fits the NOTIFY
// limit, otherwise a minimal envelope with the routing fields; subscribers
// re-fetch oversized state through the status endpoint.
func BoundNotifyPayload(payload []byte) (string, error) {
	if len(payload) <= notifyLimit {
		return string(payload), nil
	}
	var routing struct {
		Type       string `json:"type"`
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", fmt.Errorf("extracting routing fields for truncation: %w", err)
	}
	truncated, err := json.Marshal(map[string]any{
		"type":        routing.Type,
		"workflow_id": routing.WorkflowID,
		"truncated":   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling truncated payload: %w", err)
	}
	return string(truncated), nil
}
