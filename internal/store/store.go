// Package store defines the recording sink interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/mcptap/internal/domain"
)

// Store is the durable recording sink. Writes from the recorder are
// dispatched best-effort; a failing write must never surface to the
// instrumented call path.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	// UpdateSessionClosed sets the terminal status and ended_at of an
	// active session. Returns false when the session was not active, so a
	// second close never overwrites the first.
	UpdateSessionClosed(ctx context.Context, sessionID string, status domain.SessionStatus, endedAt int64) (bool, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvent(ctx context.Context, eventID string) (*domain.Event, error)
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)
	// UpdateEventTerminal applies the one allowed mutation of an event:
	// running -> terminal. Returns false when the event was already
	// terminal (or unknown), leaving the first terminal write intact.
	UpdateEventTerminal(ctx context.Context, eventID string, update domain.TerminalUpdate) (bool, error)

	// Lifecycle
	Close() error
}
