package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/mcptap/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			agent_name TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			parent_event_id TEXT,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent_role TEXT,
			agent_name TEXT,
			skill_name TEXT,
			tool_name TEXT,
			mcp_method TEXT,
			upstream_key TEXT,
			status TEXT NOT NULL DEFAULT 'running',
			error_category TEXT,
			input_json TEXT,
			output_json TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_event_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, agent_name, status, started_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.SessionID, nullString(session.AgentName), string(session.Status),
		session.StartedAt.UnixMilli(), session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID. Returns nil, nil when unknown.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, agent_name, status, started_at, ended_at, created_at FROM sessions WHERE session_id = ?`,
		sessionID)
	return scanSession(row)
}

// ListSessions retrieves sessions, most recently started first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	query := `SELECT session_id, agent_name, status, started_at, ended_at, created_at FROM sessions ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionClosed sets status and ended_at of an active session.
func (s *SQLiteStore) UpdateSessionClosed(ctx context.Context, sessionID string, status domain.SessionStatus, endedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE session_id = ? AND status = 'active'`,
		string(status), endedAt, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateEvent inserts a new (running) event row.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	var endedAt sql.NullInt64
	if event.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: event.EndedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, parent_event_id, seq, type, agent_role, agent_name,
			skill_name, tool_name, mcp_method, upstream_key, status, error_category, input_json, output_json,
			started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.SessionID, nullString(event.ParentEventID), event.Seq, string(event.Type),
		nullString(event.AgentRole), nullString(event.AgentName), nullString(event.SkillName),
		nullString(event.ToolName), nullString(event.MCPMethod), nullString(event.UpstreamKey),
		string(event.Status), nullString(string(event.ErrorCategory)),
		nullStringPtr(event.InputJSON), nullStringPtr(event.OutputJSON),
		event.StartedAt.UnixMilli(), endedAt, event.CreatedAt)
	return err
}

// GetEvent retrieves an event by ID. Returns nil, nil when unknown.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, eventSelect+` WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// ListEvents retrieves a session's events in seq order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	query := eventSelect + ` WHERE session_id = ?`
	args := []interface{}{sessionID}

	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}
	if len(types) > 0 {
		placeholders := strings.Repeat("?,", len(types))
		query += ` AND type IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *evt)
	}
	return events, rows.Err()
}

// UpdateEventTerminal applies the running -> terminal transition.
func (s *SQLiteStore) UpdateEventTerminal(ctx context.Context, eventID string, update domain.TerminalUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, error_category = ?, output_json = ?, ended_at = ?
		 WHERE event_id = ? AND status = 'running'`,
		string(update.Status), nullString(string(update.ErrorCategory)),
		nullStringPtr(update.OutputJSON), update.EndedAt.UnixMilli(), eventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const eventSelect = `SELECT event_id, session_id, parent_event_id, seq, type, agent_role, agent_name,
	skill_name, tool_name, mcp_method, upstream_key, status, error_category, input_json, output_json,
	started_at, ended_at, created_at FROM events`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(r rowScanner) (*domain.Session, error) {
	sess, err := scanSessionRow(r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func scanSessionRow(r rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var agentName sql.NullString
	var startedAt int64
	var endedAt sql.NullInt64
	if err := r.Scan(&sess.SessionID, &agentName, (*string)(&sess.Status), &startedAt, &endedAt, &sess.CreatedAt); err != nil {
		return nil, err
	}
	sess.AgentName = agentName.String
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

func scanEvent(r rowScanner) (*domain.Event, error) {
	evt, err := scanEventRow(r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return evt, err
}

func scanEventRow(r rowScanner) (*domain.Event, error) {
	var evt domain.Event
	var parent, agentRole, agentName, skillName, toolName, mcpMethod, upstreamKey, errorCategory, inputJSON, outputJSON sql.NullString
	var startedAt int64
	var endedAt sql.NullInt64
	if err := r.Scan(&evt.EventID, &evt.SessionID, &parent, &evt.Seq, (*string)(&evt.Type),
		&agentRole, &agentName, &skillName, &toolName, &mcpMethod, &upstreamKey,
		(*string)(&evt.Status), &errorCategory, &inputJSON, &outputJSON,
		&startedAt, &endedAt, &evt.CreatedAt); err != nil {
		return nil, err
	}
	evt.ParentEventID = parent.String
	evt.AgentRole = agentRole.String
	evt.AgentName = agentName.String
	evt.SkillName = skillName.String
	evt.ToolName = toolName.String
	evt.MCPMethod = mcpMethod.String
	evt.UpstreamKey = upstreamKey.String
	evt.ErrorCategory = domain.ErrorCategory(errorCategory.String)
	if inputJSON.Valid {
		v := inputJSON.String
		evt.InputJSON = &v
	}
	if outputJSON.Valid {
		v := outputJSON.String
		evt.OutputJSON = &v
	}
	evt.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		evt.EndedAt = &t
	}
	return &evt, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
