package domain

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol version spoken with upstreams.
const JSONRPCVersion = "2.0"

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the standard JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ValidateRequest checks the structural validity of an outgoing request.
func ValidateRequest(req *RPCRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("jsonrpc version %q, want %q", req.JSONRPC, JSONRPCVersion)
	}
	if req.Method == "" {
		return fmt.Errorf("missing method")
	}
	return nil
}

// ValidateResponse checks the structural validity of a response envelope
// against the request it answers: version must match, exactly one of
// result/error must be present, and the id must correlate.
func ValidateResponse(resp *RPCResponse, requestID json.RawMessage) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	if resp.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("jsonrpc version %q, want %q", resp.JSONRPC, JSONRPCVersion)
	}
	hasResult := len(resp.Result) > 0
	hasError := resp.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("response must carry exactly one of result or error")
	}
	if len(requestID) > 0 && !jsonEqual(resp.ID, requestID) {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, requestID)
	}
	return nil
}

// jsonEqual compares two raw JSON values ignoring insignificant whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}
