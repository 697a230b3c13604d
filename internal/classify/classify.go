// Package classify maps raw call outcomes onto the stable error-category
// taxonomy. Exactly one category applies per terminal failure; a
// successful outcome is never categorized.
package classify

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/xiaot623/mcptap/internal/domain"
)

// Outcome is the raw result of forwarding one call.
type Outcome struct {
	Response *domain.RPCResponse
	Err      error
}

// Success reports whether the outcome is a well-formed, non-error result.
func (o Outcome) Success() bool {
	return o.Err == nil && o.Response != nil && o.Response.Error == nil
}

// Classify maps a failure outcome onto an error category. Calling it on a
// successful outcome returns the empty category.
func Classify(o Outcome) domain.ErrorCategory {
	if o.Success() {
		return ""
	}

	// A well-formed JSON-RPC error object beats anything the transport
	// reported: the upstream did answer.
	if o.Response != nil && o.Response.Error != nil {
		return domain.ErrorCategoryJSONRPCError
	}

	err := o.Err
	if err == nil {
		return domain.ErrorCategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorCategoryDownstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorCategoryDownstreamTimeout
	}

	if errors.Is(err, domain.ErrInvalidEnvelope) {
		return domain.ErrorCategoryJSONRPCInvalid
	}

	if errors.Is(err, domain.ErrUpstreamUnreachable) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.ErrorCategoryDownstreamUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.ErrorCategoryDownstreamUnreachable
	}

	return domain.ErrorCategoryUnknown
}

// Status derives the terminal event status for an outcome.
func Status(o Outcome) domain.EventStatus {
	if o.Success() {
		return domain.EventStatusSuccess
	}
	if Classify(o) == domain.ErrorCategoryDownstreamTimeout {
		return domain.EventStatusTimeout
	}
	return domain.EventStatusError
}
