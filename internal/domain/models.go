// Package domain defines the core domain models for mcptap.
package domain

import (
	"errors"
	"time"
)

// Session represents one agent execution run being recorded.
type Session struct {
	SessionID string        `json:"session_id"`
	AgentName string        `json:"agent_name,omitempty"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Event represents one call in a session's execution tree. Events form a
// forest per session: one tree per top-level agent_call, rooted where
// ParentEventID is empty.
type Event struct {
	EventID       string        `json:"event_id"`
	SessionID     string        `json:"session_id"`
	ParentEventID string        `json:"parent_event_id,omitempty"`
	Seq           int64         `json:"seq"`
	Type          EventType     `json:"type"`
	AgentRole     string        `json:"agent_role,omitempty"`
	AgentName     string        `json:"agent_name,omitempty"`
	SkillName     string        `json:"skill_name,omitempty"`
	ToolName      string        `json:"tool_name,omitempty"`
	MCPMethod     string        `json:"mcp_method,omitempty"`
	UpstreamKey   string        `json:"upstream_key,omitempty"`
	Status        EventStatus   `json:"status"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	InputJSON     *string       `json:"input_json,omitempty"`
	OutputJSON    *string       `json:"output_json,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CallMeta carries the caller-supplied metadata for a call being recorded.
type CallMeta struct {
	AgentRole   string `json:"agent_role,omitempty"`
	AgentName   string `json:"agent_name,omitempty"`
	SkillName   string `json:"skill_name,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	MCPMethod   string `json:"mcp_method,omitempty"`
	UpstreamKey string `json:"upstream_key,omitempty"`
	Input       any    `json:"input,omitempty"`
}

// TerminalUpdate carries the fields written when an event reaches a
// terminal status. ErrorCategory is set iff Status is error or timeout.
type TerminalUpdate struct {
	Status        EventStatus
	ErrorCategory ErrorCategory
	OutputJSON    *string
	EndedAt       time.Time
}

// UpstreamKind selects the transport used to reach an upstream server.
type UpstreamKind string

const (
	UpstreamKindStdio UpstreamKind = "stdio"
	UpstreamKindHTTP  UpstreamKind = "http"
)

// Upstream describes one downstream tool server. Read-only at call time.
type Upstream struct {
	Key     string       `json:"key"`
	Kind    UpstreamKind `json:"kind"`
	Command string       `json:"command,omitempty"`
	Args    []string     `json:"args,omitempty"`
	URL     string       `json:"url,omitempty"`
}

// Structural and API-misuse errors, returned synchronously to callers of
// the recorder/router APIs. Outcome classification (ErrorCategory) is a
// terminal event field, never an error.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionNotActive     = errors.New("session not active")
	ErrSessionAlreadyClosed = errors.New("session already closed")
	ErrInvalidNesting       = errors.New("invalid call nesting")
	ErrUnknownUpstream      = errors.New("unknown upstream")
)

// Wire-level failure sentinels wrapped by the router so outcomes can be
// classified without string matching.
var (
	ErrInvalidEnvelope     = errors.New("invalid jsonrpc envelope")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)
