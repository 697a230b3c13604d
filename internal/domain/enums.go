// Package domain defines the core domain models for mcptap.
package domain

// SessionStatus represents the status of a recording session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether s is a terminal session status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusError, SessionStatusCancelled:
		return true
	}
	return false
}

// EventType represents the kind of call an event records.
type EventType string

const (
	EventTypeAgentCall    EventType = "agent_call"
	EventTypeSubagentCall EventType = "subagent_call"
	EventTypeSkillCall    EventType = "skill_call"
	EventTypeToolCall     EventType = "tool_call"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeAgentCall, EventTypeSubagentCall, EventTypeSkillCall, EventTypeToolCall:
		return true
	}
	return false
}

// depth orders event types within the call hierarchy:
// agent_call > subagent_call > skill_call > tool_call.
func (t EventType) depth() int {
	switch t {
	case EventTypeAgentCall:
		return 0
	case EventTypeSubagentCall:
		return 1
	case EventTypeSkillCall:
		return 2
	case EventTypeToolCall:
		return 3
	}
	return -1
}

// MayNestUnder reports whether a call of type t may start while a call of
// type parent is the innermost open call. A tool_call may nest under any
// type; a subagent_call under agent_call or subagent_call (subagents
// delegate to subagents); everything else under a strictly shallower type.
func (t EventType) MayNestUnder(parent EventType) bool {
	if !t.Valid() || !parent.Valid() {
		return false
	}
	switch t {
	case EventTypeToolCall:
		return true
	case EventTypeSubagentCall:
		return parent == EventTypeAgentCall || parent == EventTypeSubagentCall
	}
	return parent.depth() < t.depth()
}

// EventStatus represents the status of a recorded call.
type EventStatus string

const (
	EventStatusRunning   EventStatus = "running"
	EventStatusSuccess   EventStatus = "success"
	EventStatusError     EventStatus = "error"
	EventStatusTimeout   EventStatus = "timeout"
	EventStatusCancelled EventStatus = "cancelled"
)

// Terminal reports whether s is a terminal event status.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusSuccess, EventStatusError, EventStatusTimeout, EventStatusCancelled:
		return true
	}
	return false
}

// ErrorCategory classifies a failed call outcome.
type ErrorCategory string

const (
	ErrorCategoryDownstreamTimeout     ErrorCategory = "downstream_timeout"
	ErrorCategoryDownstreamUnreachable ErrorCategory = "downstream_unreachable"
	ErrorCategoryJSONRPCInvalid        ErrorCategory = "jsonrpc_invalid"
	ErrorCategoryJSONRPCError          ErrorCategory = "jsonrpc_error"
	ErrorCategoryUnknown               ErrorCategory = "unknown"
)
