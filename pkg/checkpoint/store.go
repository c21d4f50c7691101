// Package checkpoint is the durable store for workflow state: an append-only
// event log plus a latest-state snapshot per workflow, backed by PostgreSQL.
//
// The check-and-append contract of AppendEvents is the sole serialization
// point for a workflow; everything else reads snapshots or replays events.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/stream"
)

// Store provides checkpoint persistence over the shared pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// AppendEvents atomically appends events with consecutive sequence numbers
// starting at expectedLastSeq+1 and notifies derived frames in the same
// transaction. Returns the new last seq.
//
// Fails with fault.Conflict when expectedLastSeq is stale (another writer got
// there first) and fault.FailedPrecondition when the workflow is already
// terminal.
func (s *Store) AppendEvents(ctx context.Context, workflowID string, expectedLastSeq int64, events []models.Event) (int64, error) {
	if len(events) == 0 {
		return expectedLastSeq, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "beginning append transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// Terminal workflows accept no further state-changing events.
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM workflow_snapshot WHERE workflow_id = $1`,
		workflowID).Scan(&status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fault.Wrap(fault.Unavailable, err, "reading workflow status")
	}
	if err == nil && models.WorkflowStatus(status).IsTerminal() {
		return 0, fault.New(fault.FailedPrecondition,
			"workflow %s is %s; no further events may be appended", workflowID, status)
	}

	var lastSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM workflow_event WHERE workflow_id = $1`,
		workflowID).Scan(&lastSeq); err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "reading last seq")
	}
	if lastSeq != expectedLastSeq {
		return 0, fault.New(fault.Conflict,
			"stale seq for workflow %s: expected %d, log is at %d", workflowID, expectedLastSeq, lastSeq)
	}

	seq := expectedLastSeq
	for i := range events {
		seq++
		events[i].Seq = seq
		events[i].WorkflowID = workflowID
		ev := events[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_event (workflow_id, seq, kind, payload_json, timestamp, causing_node)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			workflowID, ev.Seq, string(ev.Kind), []byte(ev.Payload), ev.Timestamp, nullable(ev.CausingNode),
		); err != nil {
			// A concurrent append that slipped past the MAX(seq) read lands
			// here as a primary-key violation.
			if isUniqueViolation(err) {
				return 0, fault.Wrap(fault.Conflict, err,
					"concurrent append for workflow %s at seq %d", workflowID, ev.Seq)
			}
			return 0, fault.Wrap(fault.Unavailable, err, "inserting event seq %d", ev.Seq)
		}

		// pg_notify is transactional: frames fire only on COMMIT, so a
		// subscriber never sees an event that was rolled back.
		for _, frame := range stream.FramesForEvent(ev) {
			payload, perr := stream.BoundNotifyPayload(frame.Marshal())
			if perr != nil {
				return 0, fault.Wrap(fault.Internal, perr, "building notify payload")
			}
			if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)",
				stream.WorkflowChannel(workflowID), payload); err != nil {
				return 0, fault.Wrap(fault.Unavailable, err, "pg_notify")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "committing append")
	}
	return seq, nil
}

// WriteSnapshot persists the latest state with optimistic concurrency.
// expectedVersion 0 inserts the first snapshot. A snapshot may lag the event
// log but must not be ahead of it.
func (s *Store) WriteSnapshot(ctx context.Context, workflowID string, state *models.WorkflowState, expectedVersion int64) (int64, error) {
	var lastSeq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM workflow_event WHERE workflow_id = $1`,
		workflowID).Scan(&lastSeq); err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "reading last seq")
	}
	if state.LastSeq > lastSeq {
		return 0, fault.New(fault.Internal,
			"snapshot for workflow %s is ahead of the event log (%d > %d)", workflowID, state.LastSeq, lastSeq)
	}

	jsonState, err := canonicalState(state)
	if err != nil {
		return 0, err
	}

	if expectedVersion == 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO workflow_snapshot (workflow_id, session_id, status, json_state, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 1, $5, $6)`,
			workflowID, state.SessionID, string(state.Status), jsonState, state.CreatedAt, state.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return 0, fault.Wrap(fault.Conflict, err, "snapshot for workflow %s already exists", workflowID)
			}
			return 0, fault.Wrap(fault.Unavailable, err, "inserting snapshot")
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_snapshot
		 SET status = $1, json_state = $2, version = version + 1, updated_at = $3
		 WHERE workflow_id = $4 AND version = $5`,
		string(state.Status), jsonState, state.UpdatedAt, workflowID, expectedVersion)
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "updating snapshot")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, fault.New(fault.Conflict,
			"snapshot version %d for workflow %s is stale", expectedVersion, workflowID)
	}
	return expectedVersion + 1, nil
}

// LoadSnapshot returns the latest persisted state and its version.
// fault.NotFound when the workflow is unknown.
func (s *Store) LoadSnapshot(ctx context.Context, workflowID string) (*models.WorkflowState, int64, error) {
	var (
		jsonState []byte
		version   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT json_state, version FROM workflow_snapshot WHERE workflow_id = $1`,
		workflowID).Scan(&jsonState, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fault.New(fault.NotFound, "workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, 0, fault.Wrap(fault.Unavailable, err, "loading snapshot")
	}

	var state models.WorkflowState
	if err := json.Unmarshal(jsonState, &state); err != nil {
		return nil, 0, fault.Wrap(fault.Internal, err, "unmarshaling snapshot for workflow %s", workflowID)
	}
	return &state, version, nil
}

// ReadEvents returns events in [fromSeq, toSeq], ordered by seq. toSeq 0
// means the end of the log.
func (s *Store) ReadEvents(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]models.Event, error) {
	query := `SELECT seq, kind, payload_json, timestamp, COALESCE(causing_node, '')
	          FROM workflow_event WHERE workflow_id = $1 AND seq >= $2`
	args := []any{workflowID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "reading events")
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev := models.Event{WorkflowID: workflowID}
		var kind string
		if err := rows.Scan(&ev.Seq, &kind, (*[]byte)(&ev.Payload), &ev.Timestamp, &ev.CausingNode); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning event")
		}
		ev.Kind = models.EventKind(kind)
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "iterating events")
	}
	return events, nil
}

// GetLastSeq returns the highest seq for a workflow, 0 when the log is empty.
func (s *Store) GetLastSeq(ctx context.Context, workflowID string) (int64, error) {
	var lastSeq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM workflow_event WHERE workflow_id = $1`,
		workflowID).Scan(&lastSeq); err != nil {
		return 0, fault.Wrap(fault.Unavailable, err, "reading last seq")
	}
	return lastSeq, nil
}

// Replay folds the full event log into a state. The result is byte-equal to a
// snapshot taken at the same seq.
func (s *Store) Replay(ctx context.Context, workflowID string) (*models.WorkflowState, error) {
	events, err := s.ReadEvents(ctx, workflowID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fault.New(fault.NotFound, "workflow %s has no events", workflowID)
	}
	return Fold(events)
}

// ListAwaitingApproval returns workflow ids whose snapshot status is
// awaiting_approval, oldest first. Used by the HITL polling fallback.
func (s *Store) ListAwaitingApproval(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id FROM workflow_snapshot WHERE status = $1 ORDER BY updated_at`,
		string(models.StatusAwaitingApproval))
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "listing awaiting approval")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning workflow id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WorkflowSummary is one row of ListWorkflows output.
type WorkflowSummary struct {
	WorkflowID string    `json:"workflow_id"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListWorkflows returns summaries, newest first, optionally filtered by
// status. limit <= 0 defaults to 100.
func (s *Store) ListWorkflows(ctx context.Context, status string, limit, offset int) ([]WorkflowSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT workflow_id, session_id, status, created_at, updated_at FROM workflow_snapshot`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "listing workflows")
	}
	defer rows.Close()

	var out []WorkflowSummary
	for rows.Next() {
		var w WorkflowSummary
		if err := rows.Scan(&w.WorkflowID, &w.SessionID, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning workflow summary")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// canonicalState marshals a state for snapshot storage. Encoding goes through
// the same json.Marshal path as Fold comparisons, so snapshot bytes and
// replayed bytes agree.
func canonicalState(state *models.WorkflowState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshaling workflow state")
	}
	return data, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
