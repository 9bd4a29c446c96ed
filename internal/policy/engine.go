// Package policy decides which flow a new connection enters.
package policy

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
)

// Input is what the entry policy sees.
type Input struct {
	Requested domain.ConnectionMode `json:"requested"`
	Model     string                `json:"model"`
	Enabled   bool                  `json:"enabled"`
	Closed    bool                  `json:"closed"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.hackathon.entry.mode"),
		rego.Module("entry.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}

	return &Engine{query: query}, nil
}

// Decide returns the effective mode for a requested connection.
func (e *Engine) Decide(ctx context.Context, in Input) (domain.ConnectionMode, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", errors.Wrap(err, "failed to evaluate policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", errors.New("policy produced no mode")
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", errors.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	mode := domain.ConnectionMode(s)
	if !mode.Valid() {
		return "", errors.Errorf("policy returned unknown mode %q", s)
	}
	return mode, nil
}

// DefaultPolicy keeps requested modes, except that a closed hackathon only
// serves recordings.
const DefaultPolicy = `
package hackathon.entry

default mode = "replay"

mode = "simulate" {
	input.requested == "simulate"
}

mode = "connect" {
	input.requested == "connect"
	not input.closed
}
`
