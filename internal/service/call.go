package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/xiaot623/mcptap/internal/classify"
	"github.com/xiaot623/mcptap/internal/domain"
	"github.com/xiaot623/mcptap/internal/recorder"
)

// Call records and forwards one downstream call: the correlator records
// the start, the router forwards the request, and the terminal outcome is
// classified, sanitized, and recorded. The caller receives exactly what
// the upstream produced; recording failures never surface here.
//
// A nesting violation is logged and the call is forwarded unrecorded.
// An inactive session is an API-misuse error returned synchronously.
func (s *Service) Call(ctx context.Context, sessionID string, etype domain.EventType, meta domain.CallMeta, req *domain.RPCRequest, deadline time.Duration) (*domain.RPCResponse, error) {
	handle, err := s.recorder.BeginCall(ctx, sessionID, etype, meta)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidNesting) {
			log.Printf("WARN: invalid nesting for %s in session %s, forwarding unrecorded", etype, sessionID)
			handle = nil
		} else {
			return nil, err
		}
	}

	resp, forwardErr := s.router.Forward(ctx, meta.UpstreamKey, req, deadline)
	s.recorder.EndCall(handle, classify.Outcome{Response: resp, Err: forwardErr})
	return resp, forwardErr
}

// BeginCall records the start of a call that the host runtime executes
// itself (agent, subagent, and skill invocations that never reach an
// upstream).
func (s *Service) BeginCall(ctx context.Context, sessionID string, etype domain.EventType, meta domain.CallMeta) (*recorder.Handle, error) {
	return s.recorder.BeginCall(ctx, sessionID, etype, meta)
}

// EndCall completes a call started with BeginCall.
func (s *Service) EndCall(handle *recorder.Handle, outcome classify.Outcome) {
	s.recorder.EndCall(handle, outcome)
}
