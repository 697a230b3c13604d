package recorder

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/mcptap/internal/domain"
)

// OpenSession starts recording a new agent execution run. The durable
// session row is written best-effort; the returned session is usable
// immediately.
func (r *Recorder) OpenSession(ctx context.Context, agentName string) *domain.Session {
	now := time.Now()
	session := domain.Session{
		SessionID: "ses_" + uuid.New().String()[:8],
		AgentName: agentName,
		Status:    domain.SessionStatusActive,
		StartedAt: now,
		CreatedAt: now,
	}

	r.mu.Lock()
	r.sessions[session.SessionID] = &sessionState{session: session}
	r.mu.Unlock()

	r.sink.enqueue(func(ctx context.Context) {
		if err := r.sink.store.CreateSession(ctx, &session); err != nil {
			log.Printf("ERROR: failed to persist session %s: %v", session.SessionID, err)
		}
	})

	out := session
	return &out
}

// CloseSession transitions a session to a terminal status, force-
// cancelling any events still running under it (innermost first) so no
// orphaned running events survive the close. A second close fails with
// ErrSessionAlreadyClosed and mutates nothing.
func (r *Recorder) CloseSession(ctx context.Context, sessionID string, status domain.SessionStatus) (*domain.Session, error) {
	if !status.Terminal() {
		status = domain.SessionStatusCompleted
	}

	st := r.state(sessionID)
	if st == nil {
		return nil, domain.ErrSessionNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session.Status.Terminal() {
		return nil, domain.ErrSessionAlreadyClosed
	}

	now := time.Now()
	r.cancelOpenLocked(st, now)

	st.session.Status = status
	st.session.EndedAt = &now

	endedAt := now.UnixMilli()
	r.sink.enqueue(func(ctx context.Context) {
		updated, err := r.sink.store.UpdateSessionClosed(ctx, sessionID, status, endedAt)
		if err != nil {
			log.Printf("ERROR: failed to close session %s: %v", sessionID, err)
			return
		}
		if !updated {
			log.Printf("WARN: session %s was not active in store at close", sessionID)
		}
	})

	r.broadcast(sessionID, map[string]interface{}{
		"type":       "session_closed",
		"session_id": sessionID,
		"status":     status,
		"ended_at":   endedAt,
	})

	out := st.session
	return &out, nil
}

// Session returns a snapshot of an active or closed session known to the
// recorder, or nil.
func (r *Recorder) Session(sessionID string) *domain.Session {
	st := r.state(sessionID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.session
	return &out
}
