package main

import (
	"context"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// cancelWorkflow records a cancellation straight on the store. The same
// check-and-append guard the engine uses protects against racing a live
// worker: if the worker appends first, this fails with a conflict.
func cancelWorkflow(ctx context.Context, store *checkpoint.Store, workflowID, reason string) error {
	state, version, err := store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return fault.New(fault.FailedPrecondition,
			"workflow %s is already %s", workflowID, state.Status)
	}
	if reason == "" {
		reason = "Cancelled by operator."
	}

	ev := models.MustEvent(workflowID, models.EventCancelled, "", models.CancelledPayload{Reason: reason})
	seq, err := store.AppendEvents(ctx, workflowID, state.LastSeq, []models.Event{ev})
	if err != nil {
		return err
	}
	ev.Seq = seq
	next, err := checkpoint.Apply(state, ev)
	if err != nil {
		return err
	}
	_, err = store.WriteSnapshot(ctx, workflowID, next, version)
	return err
}
