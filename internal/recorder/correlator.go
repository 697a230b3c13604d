package recorder

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/mcptap/internal/classify"
	"github.com/xiaot623/mcptap/internal/domain"
)

// Handle identifies one in-flight recorded call. A nil or skipped handle
// is safe to End: the call simply goes unrecorded.
type Handle struct {
	rec       *Recorder
	sessionID string
	eventID   string
	etype     domain.EventType
	done      atomic.Bool
	skipped   bool
}

// EventID returns the recorded event id, empty for skipped handles.
func (h *Handle) EventID() string {
	if h == nil {
		return ""
	}
	return h.eventID
}

// BeginCall records the start of a call: computes its parent from the
// session's active call stack, assigns the next sequence number, pushes
// it onto the stack, and emits a running event best-effort.
//
// A non-root event type on an empty stack, or a type that violates the
// nesting order (agent_call > subagent_call > skill_call > tool_call;
// tool_call under anything, subagent_call also under subagent_call),
// fails with ErrInvalidNesting. Callers should still forward such calls;
// they just go unrecorded.
func (r *Recorder) BeginCall(ctx context.Context, sessionID string, etype domain.EventType, meta domain.CallMeta) (*Handle, error) {
	if !etype.Valid() {
		return nil, domain.ErrInvalidNesting
	}

	st := r.state(sessionID)
	if st == nil {
		return nil, domain.ErrSessionNotActive
	}

	if !r.shouldRecord(ctx, etype, meta) {
		return &Handle{rec: r, sessionID: sessionID, skipped: true}, nil
	}

	inputJSON := r.filter.Sanitize(meta.Input)

	st.mu.Lock()
	if st.session.Status != domain.SessionStatusActive {
		st.mu.Unlock()
		return nil, domain.ErrSessionNotActive
	}

	var parentID string
	if n := len(st.stack); n == 0 {
		if etype != domain.EventTypeAgentCall {
			st.mu.Unlock()
			return nil, domain.ErrInvalidNesting
		}
	} else {
		top := st.stack[n-1]
		if !etype.MayNestUnder(top.etype) {
			st.mu.Unlock()
			return nil, domain.ErrInvalidNesting
		}
		parentID = top.eventID
	}

	st.nextSeq++
	seq := st.nextSeq
	now := time.Now()
	event := domain.Event{
		EventID:       "evt_" + uuid.New().String()[:8],
		SessionID:     sessionID,
		ParentEventID: parentID,
		Seq:           seq,
		Type:          etype,
		AgentRole:     meta.AgentRole,
		AgentName:     meta.AgentName,
		SkillName:     meta.SkillName,
		ToolName:      meta.ToolName,
		MCPMethod:     meta.MCPMethod,
		UpstreamKey:   meta.UpstreamKey,
		Status:        domain.EventStatusRunning,
		InputJSON:     inputJSON,
		StartedAt:     now,
		CreatedAt:     now,
	}
	st.stack = append(st.stack, openCall{eventID: event.EventID, etype: etype})
	st.mu.Unlock()

	r.sink.enqueue(func(ctx context.Context) {
		if err := r.sink.store.CreateEvent(ctx, &event); err != nil {
			log.Printf("ERROR: failed to persist event %s: %v", event.EventID, err)
		}
	})
	r.broadcast(sessionID, event)

	return &Handle{rec: r, sessionID: sessionID, eventID: event.EventID, etype: etype}, nil
}

// EndCall records the terminal outcome of a call. The event id is removed
// from the stack wherever it sits: concurrent children may complete out
// of LIFO order, which is logged as an anomaly but never fatal. A second
// EndCall on the same handle is a no-op.
func (r *Recorder) EndCall(h *Handle, outcome classify.Outcome) {
	if h == nil || h.skipped {
		return
	}
	if !h.done.CompareAndSwap(false, true) {
		log.Printf("WARN: duplicate EndCall for event %s", h.eventID)
		return
	}

	st := r.state(h.sessionID)
	if st == nil {
		log.Printf("WARN: EndCall for unknown session %s", h.sessionID)
		return
	}

	st.mu.Lock()
	if !r.removeFromStackLocked(st, h.eventID) {
		// Already force-cancelled at session close; the terminal write
		// went out then, and terminal statuses are set once.
		st.mu.Unlock()
		log.Printf("WARN: EndCall for event %s not on stack (already terminated)", h.eventID)
		return
	}
	st.mu.Unlock()

	status := classify.Status(outcome)
	update := domain.TerminalUpdate{
		Status:  status,
		EndedAt: time.Now(),
	}
	if status == domain.EventStatusError || status == domain.EventStatusTimeout {
		update.ErrorCategory = classify.Classify(outcome)
	}
	update.OutputJSON = r.sanitizeOutcome(outcome)

	r.applyTerminal(h.sessionID, h.eventID, update)
}

// ForceCancel terminates every event still running under a session with
// status cancelled, innermost first, so parents never close before their
// children. Called by CloseSession; exposed for host-runtime triggers.
func (r *Recorder) ForceCancel(sessionID string) {
	st := r.state(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	r.cancelOpenLocked(st, time.Now())
}

// cancelOpenLocked walks the open stack top-to-bottom emitting cancelled
// terminal updates. Caller holds st.mu.
func (r *Recorder) cancelOpenLocked(st *sessionState, now time.Time) {
	for i := len(st.stack) - 1; i >= 0; i-- {
		open := st.stack[i]
		update := domain.TerminalUpdate{
			Status:  domain.EventStatusCancelled,
			EndedAt: now,
		}
		r.applyTerminal(st.session.SessionID, open.eventID, update)
	}
	st.stack = nil
}

// removeFromStackLocked removes eventID from the stack, preferring the
// top. Returns false when the id is not on the stack.
func (r *Recorder) removeFromStackLocked(st *sessionState, eventID string) bool {
	n := len(st.stack)
	if n == 0 {
		return false
	}
	if st.stack[n-1].eventID == eventID {
		st.stack = st.stack[:n-1]
		return true
	}
	for i := n - 2; i >= 0; i-- {
		if st.stack[i].eventID == eventID {
			log.Printf("WARN: out-of-order completion for event %s (stack top %s)", eventID, st.stack[n-1].eventID)
			st.stack = append(st.stack[:i], st.stack[i+1:]...)
			return true
		}
	}
	return false
}

// applyTerminal dispatches the terminal write and the live broadcast.
func (r *Recorder) applyTerminal(sessionID, eventID string, update domain.TerminalUpdate) {
	r.sink.enqueue(func(ctx context.Context) {
		updated, err := r.sink.store.UpdateEventTerminal(ctx, eventID, update)
		if err != nil {
			log.Printf("ERROR: failed to finalize event %s: %v", eventID, err)
			return
		}
		if !updated {
			log.Printf("WARN: event %s already terminal in store", eventID)
		}
	})

	r.broadcast(sessionID, map[string]interface{}{
		"type":           "event_terminal",
		"session_id":     sessionID,
		"event_id":       eventID,
		"status":         update.Status,
		"error_category": update.ErrorCategory,
		"ended_at":       update.EndedAt.UnixMilli(),
	})
}

// sanitizeOutcome produces the redacted output payload for a terminal
// event: the JSON-RPC result on success, the error object on a protocol
// error, otherwise the transport error text.
func (r *Recorder) sanitizeOutcome(outcome classify.Outcome) *string {
	switch {
	case outcome.Response != nil && outcome.Response.Error != nil:
		return r.filter.Sanitize(outcome.Response.Error)
	case outcome.Response != nil:
		return r.filter.Sanitize(outcome.Response.Result)
	case outcome.Err != nil:
		return r.filter.Sanitize(map[string]string{"error": outcome.Err.Error()})
	}
	return nil
}
