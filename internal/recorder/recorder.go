// Package recorder owns the in-memory call-correlation state: active
// sessions, per-session call stacks, and sequence counters. It is the
// only writer of that state; durable writes go through a best-effort
// sink queue so recording never blocks or fails the instrumented call.
package recorder

import (
	"context"
	"log"
	"sync"

	"github.com/xiaot623/mcptap/internal/hub"
	"github.com/xiaot623/mcptap/internal/policy"
	"github.com/xiaot623/mcptap/internal/redact"
	"github.com/xiaot623/mcptap/internal/store"

	"github.com/xiaot623/mcptap/internal/domain"
)

// openCall is one entry on a session's active call stack.
type openCall struct {
	eventID string
	etype   domain.EventType
}

// sessionState is the mutable per-session correlation state. All fields
// are guarded by mu (single-writer-per-session); sessions are independent
// and proceed fully in parallel.
type sessionState struct {
	mu      sync.Mutex
	session domain.Session
	stack   []openCall // innermost call last
	nextSeq int64
}

// Recorder is the session lifecycle manager and event tree correlator.
type Recorder struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	sink   *sinkWriter
	filter *redact.Filter
	policy *policy.Engine
	hub    *hub.Hub
}

// Options configures a Recorder. Policy and Hub are optional.
type Options struct {
	MaxPayloadBytes int
	SinkQueueSize   int
	Policy          *policy.Engine
	Hub             *hub.Hub
}

// New creates a Recorder writing to the given sink. Call Run to start the
// sink writer.
func New(s store.Store, opts Options) *Recorder {
	var extraDeny []string
	if opts.Policy != nil {
		decision, err := opts.Policy.Evaluate(context.Background(), map[string]interface{}{})
		if err != nil {
			log.Printf("WARN: policy evaluation failed, using built-in denylist: %v", err)
		} else {
			extraDeny = decision.DenyFields
		}
	}

	return &Recorder{
		sessions: make(map[string]*sessionState),
		sink:     newSinkWriter(s, opts.SinkQueueSize),
		filter:   redact.New(opts.MaxPayloadBytes, extraDeny),
		policy:   opts.Policy,
		hub:      opts.Hub,
	}
}

// Run drains sink writes until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	r.sink.Run(ctx)
}

// state returns the correlation state for a session, or nil.
func (r *Recorder) state(sessionID string) *sessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// shouldRecord consults the recording policy for one call. Policy errors
// fail open: the call is recorded.
func (r *Recorder) shouldRecord(ctx context.Context, etype domain.EventType, meta domain.CallMeta) bool {
	if r.policy == nil {
		return true
	}
	decision, err := r.policy.Evaluate(ctx, map[string]interface{}{
		"event_type":   string(etype),
		"tool_name":    meta.ToolName,
		"skill_name":   meta.SkillName,
		"mcp_method":   meta.MCPMethod,
		"upstream_key": meta.UpstreamKey,
	})
	if err != nil {
		log.Printf("WARN: policy evaluation failed, recording anyway: %v", err)
		return true
	}
	return decision.Record
}

// broadcast pushes a live event to WebSocket subscribers, best-effort.
func (r *Recorder) broadcast(sessionID string, v interface{}) {
	if r.hub == nil {
		return
	}
	if err := r.hub.BroadcastJSON(sessionID, v); err != nil {
		log.Printf("WARN: failed to broadcast event: %v", err)
	}
}
