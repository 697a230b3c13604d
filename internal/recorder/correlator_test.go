package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/xiaot623/mcptap/internal/classify"
	"github.com/xiaot623/mcptap/internal/domain"
	"github.com/xiaot623/mcptap/internal/policy"
)

func successOutcome() classify.Outcome {
	return classify.Outcome{Response: &domain.RPCResponse{
		JSONRPC: "2.0",
		Result:  json.RawMessage(`{"ok":true}`),
	}}
}

func TestHappyPathScenario(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")

	a1, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{AgentName: "coder"})
	if err != nil {
		t.Fatalf("BeginCall agent: %v", err)
	}
	a2, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{ToolName: "fs.read"})
	if err != nil {
		t.Fatalf("BeginCall tool: %v", err)
	}

	rec.EndCall(a2, successOutcome())
	rec.EndCall(a1, successOutcome())

	if _, err := rec.CloseSession(ctx, sess.SessionID, domain.SessionStatusCompleted); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	waitFor(t, "all events terminal", func() bool {
		events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
		if err != nil || len(events) != 2 {
			return false
		}
		return events[0].Status == domain.EventStatusSuccess && events[1].Status == domain.EventStatusSuccess
	})

	events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	root, child := events[0], events[1]
	if root.EventID != a1.EventID() || child.EventID != a2.EventID() {
		t.Fatalf("unexpected event order: %s, %s", root.EventID, child.EventID)
	}
	if root.Seq != 1 || child.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", root.Seq, child.Seq)
	}
	if root.ParentEventID != "" {
		t.Fatalf("root must have no parent, got %q", root.ParentEventID)
	}
	if child.ParentEventID != root.EventID {
		t.Fatalf("child parent = %q, want %q", child.ParentEventID, root.EventID)
	}
	for _, evt := range events {
		if evt.ErrorCategory != "" {
			t.Fatalf("success event %s must not carry a category", evt.EventID)
		}
		if evt.EndedAt == nil {
			t.Fatalf("terminal event %s must have ended_at", evt.EventID)
		}
	}

	waitFor(t, "session closed in store", func() bool {
		stored, err := db.GetSession(ctx, sess.SessionID)
		return err == nil && stored != nil && stored.Status == domain.SessionStatusCompleted && stored.EndedAt != nil
	})
}

func TestSequenceUniqueUnderConcurrentSiblings(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	root, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})
	if err != nil {
		t.Fatalf("BeginCall root: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{
				ToolName: fmt.Sprintf("tool.%d", i),
			})
			if err != nil {
				t.Errorf("BeginCall %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		rec.EndCall(h, successOutcome())
	}
	rec.EndCall(root, successOutcome())

	waitFor(t, "all events persisted", func() bool {
		events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
		return err == nil && len(events) == n+1
	})

	events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	seen := make(map[int64]bool, len(events))
	var prev int64
	for _, evt := range events {
		if seen[evt.Seq] {
			t.Fatalf("duplicate seq %d", evt.Seq)
		}
		seen[evt.Seq] = true
		if evt.Seq <= prev {
			t.Fatalf("seq not strictly increasing: %d after %d", evt.Seq, prev)
		}
		prev = evt.Seq
	}
	if prev != n+1 {
		t.Fatalf("expected max seq %d, got %d", n+1, prev)
	}
}

func TestInvalidNesting(t *testing.T) {
	ctx := context.Background()
	rec, _ := newTestRecorder(t, Options{})
	sess := rec.OpenSession(ctx, "coder")

	// Non-root types need an open ancestor.
	for _, etype := range []domain.EventType{domain.EventTypeSubagentCall, domain.EventTypeSkillCall, domain.EventTypeToolCall} {
		if _, err := rec.BeginCall(ctx, sess.SessionID, etype, domain.CallMeta{}); !errors.Is(err, domain.ErrInvalidNesting) {
			t.Fatalf("%s on empty stack: expected ErrInvalidNesting, got %v", etype, err)
		}
	}

	root, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})
	if err != nil {
		t.Fatalf("BeginCall agent: %v", err)
	}

	// agent_call may not nest under anything.
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{}); !errors.Is(err, domain.ErrInvalidNesting) {
		t.Fatalf("nested agent_call: expected ErrInvalidNesting, got %v", err)
	}

	skill, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSkillCall, domain.CallMeta{SkillName: "search"})
	if err != nil {
		t.Fatalf("BeginCall skill: %v", err)
	}

	// subagent_call may not nest under a skill_call.
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSubagentCall, domain.CallMeta{}); !errors.Is(err, domain.ErrInvalidNesting) {
		t.Fatalf("subagent under skill: expected ErrInvalidNesting, got %v", err)
	}

	tool, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{ToolName: "fs.read"})
	if err != nil {
		t.Fatalf("tool under skill: %v", err)
	}

	// skill_call may not nest under a tool_call.
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSkillCall, domain.CallMeta{}); !errors.Is(err, domain.ErrInvalidNesting) {
		t.Fatalf("skill under tool: expected ErrInvalidNesting, got %v", err)
	}

	rec.EndCall(tool, successOutcome())
	rec.EndCall(skill, successOutcome())
	rec.EndCall(root, successOutcome())
}

func TestSubagentDelegationNestsUnderSubagent(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	root, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{AgentName: "coder"})
	if err != nil {
		t.Fatalf("BeginCall agent: %v", err)
	}
	outer, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSubagentCall, domain.CallMeta{AgentName: "planner"})
	if err != nil {
		t.Fatalf("BeginCall outer subagent: %v", err)
	}
	inner, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSubagentCall, domain.CallMeta{AgentName: "researcher"})
	if err != nil {
		t.Fatalf("subagent delegating to a subagent must record: %v", err)
	}

	rec.EndCall(inner, successOutcome())
	rec.EndCall(outer, successOutcome())
	rec.EndCall(root, successOutcome())

	waitFor(t, "delegation chain persisted", func() bool {
		events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
		return err == nil && len(events) == 3
	})

	evt, err := db.GetEvent(ctx, inner.EventID())
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if evt.ParentEventID != outer.EventID() {
		t.Fatalf("inner subagent parent = %q, want %q", evt.ParentEventID, outer.EventID())
	}
}

func TestBeginCallRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	rec, _ := newTestRecorder(t, Options{})

	if _, err := rec.BeginCall(ctx, "ses_nope", domain.EventTypeAgentCall, domain.CallMeta{}); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("unknown session: expected ErrSessionNotActive, got %v", err)
	}

	sess := rec.OpenSession(ctx, "coder")
	if _, err := rec.CloseSession(ctx, sess.SessionID, domain.SessionStatusCompleted); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{}); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("closed session: expected ErrSessionNotActive, got %v", err)
	}
}

func TestCloseCancelsOpenEvents(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{}); err != nil {
		t.Fatalf("BeginCall agent: %v", err)
	}
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSubagentCall, domain.CallMeta{}); err != nil {
		t.Fatalf("BeginCall subagent: %v", err)
	}
	if _, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{}); err != nil {
		t.Fatalf("BeginCall tool: %v", err)
	}

	if _, err := rec.CloseSession(ctx, sess.SessionID, domain.SessionStatusCancelled); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	waitFor(t, "all events cancelled", func() bool {
		events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
		if err != nil || len(events) != 3 {
			return false
		}
		for _, evt := range events {
			if evt.Status != domain.EventStatusCancelled {
				return false
			}
		}
		return true
	})

	events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	for _, evt := range events {
		if evt.ErrorCategory != "" {
			t.Fatalf("cancelled event %s must not carry a category, got %s", evt.EventID, evt.ErrorCategory)
		}
		if evt.EndedAt == nil {
			t.Fatalf("cancelled event %s must have ended_at", evt.EventID)
		}
	}
}

// terminalOrderStore records the order of terminal writes and swallows
// everything else.
type terminalOrderStore struct {
	mu        sync.Mutex
	terminals []string
}

func (s *terminalOrderStore) CreateSession(ctx context.Context, session *domain.Session) error {
	return nil
}

func (s *terminalOrderStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return nil, nil
}

func (s *terminalOrderStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return nil, nil
}

func (s *terminalOrderStore) UpdateSessionClosed(ctx context.Context, sessionID string, status domain.SessionStatus, endedAt int64) (bool, error) {
	return true, nil
}

func (s *terminalOrderStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	return nil
}

func (s *terminalOrderStore) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	return nil, nil
}

func (s *terminalOrderStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	return nil, nil
}

func (s *terminalOrderStore) UpdateEventTerminal(ctx context.Context, eventID string, update domain.TerminalUpdate) (bool, error) {
	s.mu.Lock()
	s.terminals = append(s.terminals, eventID)
	s.mu.Unlock()
	return true, nil
}

func (s *terminalOrderStore) Close() error { return nil }

func (s *terminalOrderStore) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terminals...)
}

func TestCloseCancelsInnermostFirst(t *testing.T) {
	ctx := context.Background()
	sink := &terminalOrderStore{}
	rec := New(sink, Options{})
	runCtx, cancel := context.WithCancel(context.Background())
	go rec.Run(runCtx)
	t.Cleanup(cancel)

	sess := rec.OpenSession(ctx, "coder")
	root, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})
	sub, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeSubagentCall, domain.CallMeta{})
	tool, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{})

	if _, err := rec.CloseSession(ctx, sess.SessionID, domain.SessionStatusCancelled); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	waitFor(t, "three terminal writes", func() bool {
		return len(sink.order()) == 3
	})

	// The sink drains writes in enqueue order, so the write order is the
	// cancellation order: innermost child before its ancestors.
	want := []string{tool.EventID(), sub.EventID(), root.EventID()}
	got := sink.order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cancellation order = %v, want %v", got, want)
		}
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	rec, _ := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	first, err := rec.CloseSession(ctx, sess.SessionID, domain.SessionStatusCompleted)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	if _, err := rec.CloseSession(ctx, sess.SessionID, domain.SessionStatusError); !errors.Is(err, domain.ErrSessionAlreadyClosed) {
		t.Fatalf("expected ErrSessionAlreadyClosed, got %v", err)
	}

	snap := rec.Session(sess.SessionID)
	if snap.Status != domain.SessionStatusCompleted {
		t.Fatalf("second close mutated status: %s", snap.Status)
	}
	if snap.EndedAt == nil || !snap.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("second close mutated ended_at: %v vs %v", snap.EndedAt, first.EndedAt)
	}

	if _, err := rec.CloseSession(ctx, "ses_nope", domain.SessionStatusCompleted); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndCallOutOfOrderCompletion(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	root, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})
	t1, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{ToolName: "a"})
	t2, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{ToolName: "b"})

	// t1 completes while t2 is still on top of the stack.
	rec.EndCall(t1, successOutcome())
	rec.EndCall(t2, successOutcome())
	rec.EndCall(root, successOutcome())

	waitFor(t, "all events success", func() bool {
		events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
		if err != nil || len(events) != 3 {
			return false
		}
		for _, evt := range events {
			if evt.Status != domain.EventStatusSuccess {
				return false
			}
		}
		return true
	})
}

func TestEndCallTimeoutSetsCategory(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	root, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})
	tool, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{ToolName: "slow"})

	rec.EndCall(tool, classify.Outcome{Err: context.DeadlineExceeded})
	rec.EndCall(root, successOutcome())

	waitFor(t, "timeout recorded", func() bool {
		evt, err := db.GetEvent(ctx, tool.EventID())
		return err == nil && evt != nil && evt.Status == domain.EventStatusTimeout
	})

	evt, err := db.GetEvent(ctx, tool.EventID())
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if evt.ErrorCategory != domain.ErrorCategoryDownstreamTimeout {
		t.Fatalf("expected downstream_timeout, got %s", evt.ErrorCategory)
	}
}

func TestDuplicateEndCallIsNoOp(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	root, _ := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})

	rec.EndCall(root, successOutcome())
	rec.EndCall(root, classify.Outcome{Err: errors.New("late failure")})

	waitFor(t, "event success", func() bool {
		evt, err := db.GetEvent(ctx, root.EventID())
		return err == nil && evt != nil && evt.Status == domain.EventStatusSuccess
	})
}

func TestRedactionAppliedToInputAndOutput(t *testing.T) {
	ctx := context.Background()
	rec, db := newTestRecorder(t, Options{})

	sess := rec.OpenSession(ctx, "coder")
	root, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{
		Input: map[string]any{"prompt_id": "p1", "api_key": "sk-leaky"},
	})
	if err != nil {
		t.Fatalf("BeginCall: %v", err)
	}
	rec.EndCall(root, classify.Outcome{Response: &domain.RPCResponse{
		JSONRPC: "2.0",
		Result:  json.RawMessage(`{"token":"tok-leaky","answer":42}`),
	}})

	waitFor(t, "event terminal", func() bool {
		evt, err := db.GetEvent(ctx, root.EventID())
		return err == nil && evt != nil && evt.Status == domain.EventStatusSuccess
	})

	evt, err := db.GetEvent(ctx, root.EventID())
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if evt.InputJSON == nil || evt.OutputJSON == nil {
		t.Fatalf("expected sanitized payloads")
	}
	for _, leaked := range []string{"sk-leaky", "tok-leaky"} {
		if strings.Contains(*evt.InputJSON, leaked) || strings.Contains(*evt.OutputJSON, leaked) {
			t.Fatalf("denylisted value leaked: %q", leaked)
		}
	}
	if !strings.Contains(*evt.InputJSON, "prompt_id") {
		t.Fatalf("expected non-denied input field to survive: %s", *evt.InputJSON)
	}
}

func TestPolicySkippedCallsGoUnrecorded(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, `
package record_policy

default record := true

record := false if {
	input.tool_name == "scratchpad.write"
}

deny_fields := []
`)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rec, db := newTestRecorder(t, Options{Policy: engine})

	sess := rec.OpenSession(ctx, "coder")
	root, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeAgentCall, domain.CallMeta{})
	if err != nil {
		t.Fatalf("BeginCall root: %v", err)
	}
	skipped, err := rec.BeginCall(ctx, sess.SessionID, domain.EventTypeToolCall, domain.CallMeta{ToolName: "scratchpad.write"})
	if err != nil {
		t.Fatalf("BeginCall skipped: %v", err)
	}
	if skipped.EventID() != "" {
		t.Fatalf("skipped handle must carry no event id")
	}
	rec.EndCall(skipped, successOutcome())
	rec.EndCall(root, successOutcome())

	waitFor(t, "root success", func() bool {
		evt, err := db.GetEvent(ctx, root.EventID())
		return err == nil && evt != nil && evt.Status == domain.EventStatusSuccess
	})

	events, err := db.ListEvents(ctx, sess.SessionID, 0, nil, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected only the root event, got %d", len(events))
	}
}
