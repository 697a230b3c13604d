// Package router multiplexes JSON-RPC calls across configured upstream
// tool servers. One correlation engine, many transports: each upstream
// key selects a Transport, and the table is swapped atomically on reload.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/mcptap/internal/domain"
)

// DefaultKey names the upstream used in single-upstream mode, when calls
// carry no upstream key.
const DefaultKey = "default"

// Transport reaches one upstream server. Implementations must honor ctx
// cancellation and wrap connection failures in domain.ErrUpstreamUnreachable.
type Transport interface {
	Call(ctx context.Context, req *domain.RPCRequest) (*domain.RPCResponse, error)
	Close() error
}

// Router holds the upstream table and forwards calls.
type Router struct {
	table   atomic.Pointer[map[string]Transport]
	timeout time.Duration
}

// New creates a router over the given descriptors. forwardTimeout bounds
// every call; it is the only point where the instrumented path may block.
func New(upstreams map[string]domain.Upstream, forwardTimeout time.Duration) *Router {
	r := &Router{timeout: forwardTimeout}
	r.Reload(upstreams)
	return r
}

// Reload swaps in a new upstream table, closing transports that are no
// longer configured. The swap is atomic; in-flight calls keep their old
// transport.
func (r *Router) Reload(upstreams map[string]domain.Upstream) {
	table := make(map[string]Transport, len(upstreams))
	for key, u := range upstreams {
		t, err := newTransport(u)
		if err != nil {
			log.Printf("ERROR: failed to configure upstream %s: %v", key, err)
			continue
		}
		table[key] = t
	}

	old := r.table.Swap(&table)
	if old == nil {
		return
	}
	for key, t := range *old {
		if _, kept := table[key]; !kept {
			if err := t.Close(); err != nil {
				log.Printf("WARN: failed to close upstream %s: %v", key, err)
			}
		}
	}
}

// Close shuts down every configured transport.
func (r *Router) Close() {
	table := r.table.Load()
	if table == nil {
		return
	}
	for key, t := range *table {
		if err := t.Close(); err != nil {
			log.Printf("WARN: failed to close upstream %s: %v", key, err)
		}
	}
}

// resolve selects the transport for an upstream key. An empty key selects
// single-upstream mode: the sole configured upstream, or DefaultKey.
func (r *Router) resolve(key string) (Transport, error) {
	tablePtr := r.table.Load()
	if tablePtr == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownUpstream, key)
	}
	table := *tablePtr

	if key == "" {
		if len(table) == 1 {
			for _, t := range table {
				return t, nil
			}
		}
		key = DefaultKey
	}
	t, ok := table[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownUpstream, key)
	}
	return t, nil
}

// Forward sends one JSON-RPC request to the selected upstream and returns
// its validated response. At most one attempt is made per call; retries
// are a caller policy. Exceeding the deadline yields a timeout outcome
// (context.DeadlineExceeded); a structurally invalid response yields a
// domain.ErrInvalidEnvelope failure.
func (r *Router) Forward(ctx context.Context, upstreamKey string, req *domain.RPCRequest, deadline time.Duration) (*domain.RPCResponse, error) {
	t, err := r.resolve(upstreamKey)
	if err != nil {
		return nil, err
	}

	if req.JSONRPC == "" {
		req.JSONRPC = domain.JSONRPCVersion
	}
	if len(req.ID) == 0 {
		id, _ := json.Marshal("req_" + uuid.New().String()[:8])
		req.ID = id
	}
	if err := domain.ValidateRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}

	if deadline <= 0 {
		deadline = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := t.Call(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	if err := domain.ValidateResponse(resp, req.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	return resp, nil
}

func newTransport(u domain.Upstream) (Transport, error) {
	switch u.Kind {
	case domain.UpstreamKindStdio:
		return newStdioTransport(u.Command, u.Args)
	case domain.UpstreamKindHTTP:
		return newHTTPTransport(u.URL), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", u.Kind)
}
