package stream

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer bounds each subscriber channel. A slow SSE client drops
// its oldest frame rather than blocking the dispatch loop.
const subscriberBuffer = 64

// listener is the subset of Listener the Hub needs; an interface so tests can
// run the Hub without Postgres.
type listener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Hub routes frames by workflow id to in-process subscribers. The first
// subscriber for a workflow starts a LISTEN on its channel; the last one
// leaving stops it.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Frame // workflowID → subID → channel
	nextID      int
	listener    listener
}

// NewHub creates a Hub. SetListener must be called before Subscribe.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[int]chan Frame)}
}

// SetListener wires the Postgres listener. Separate from the constructor
// because the listener needs the Hub as its dispatch target.
func (h *Hub) SetListener(l listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Subscribe registers for a workflow's frames. The returned cancel func must
// be called exactly once when the subscriber is done.
func (h *Hub) Subscribe(ctx context.Context, workflowID string) (<-chan Frame, func(), error) {
	h.mu.Lock()
	l := h.listener
	subs, exists := h.subscribers[workflowID]
	if !exists {
		subs = make(map[int]chan Frame)
		h.subscribers[workflowID] = subs
	}
	h.nextID++
	id := h.nextID
	ch := make(chan Frame, subscriberBuffer)
	subs[id] = ch
	first := len(subs) == 1
	h.mu.Unlock()

	if first && l != nil {
		if err := l.Subscribe(ctx, WorkflowChannel(workflowID)); err != nil {
			h.remove(ctx, workflowID, id)
			return nil, nil, err
		}
	}

	cancel := func() { h.remove(context.Background(), workflowID, id) }
	return ch, cancel, nil
}

func (h *Hub) remove(ctx context.Context, workflowID string, id int) {
	h.mu.Lock()
	subs := h.subscribers[workflowID]
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	last := len(subs) == 0
	if last {
		delete(h.subscribers, workflowID)
	}
	l := h.listener
	h.mu.Unlock()

	if last && l != nil {
		if err := l.Unsubscribe(ctx, WorkflowChannel(workflowID)); err != nil {
			slog.Warn("UNLISTEN failed", "workflow_id", workflowID, "error", err)
		}
	}
}

// Dispatch routes a raw NOTIFY payload to the workflow's subscribers. Called
// by the listener's receive loop.
func (h *Hub) Dispatch(channel string, payload []byte) {
	frame, err := ParseFrame(payload)
	if err != nil {
		slog.Warn("Dropping unparseable frame", "channel", channel, "error", err)
		return
	}
	workflowID := frame.WorkflowID
	if workflowID == "" && len(channel) > 3 {
		workflowID = channel[3:] // strip "wf_"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[workflowID] {
		select {
		case ch <- frame:
		default:
			// Drop oldest, then deliver. Never block the dispatch loop.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// SubscriberCount reports active subscribers for health output.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}
