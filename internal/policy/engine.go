// Package policy evaluates the recording policy: which payload fields must
// be redacted before persistence, and whether a call should be recorded at
// all. Policies are written in rego so operators can extend the denylist
// without rebuilding.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// Decision is the evaluated recording policy for one call.
type Decision struct {
	// Record is false when the call must not be persisted at all.
	Record bool
	// DenyFields are payload field names (case-insensitive) whose values
	// must never be persisted or logged.
	DenyFields []string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.record_policy"),
		rego.Module("record_policy.rego", policyContent),
		// Policies are written in Rego v1 syntax; opa v0.x defaults to v0
		// parsing, so pin the version explicitly.
		rego.SetRegoVersion(ast.RegoV1),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the recording policy for a call.
// Input is a map with keys such as: event_type, tool_name, mcp_method,
// upstream_key.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (Decision, error) {
	decision := Decision{Record: true}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return decision, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return decision, nil
	}
	if record, ok := obj["record"].(bool); ok {
		decision.Record = record
	}
	if raw, ok := obj["deny_fields"].([]interface{}); ok {
		for _, f := range raw {
			if name, ok := f.(string); ok {
				decision.DenyFields = append(decision.DenyFields, name)
			}
		}
	}
	return decision, nil
}

// DefaultPolicy is the default recording policy content. It records every
// call and denies the common credential and reasoning field names.
const DefaultPolicy = `
package record_policy

default record := true

deny_fields := [
	"authorization",
	"api_key",
	"apikey",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"password",
	"credentials",
	"private_key",
	"reasoning",
	"thinking",
	"chain_of_thought",
	"system_prompt",
]
`
