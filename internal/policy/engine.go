package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// ErrBlocked is returned by Check when the policy refuses a mutation.
var ErrBlocked = errors.New("mutation blocked by policy")

// Source tells the policy which session a mutation came from.
type Source string

const (
	SourceOuter Source = "outer"
	SourceInner Source = "inner"
)

// Mutation is the policy input for a write to live engine state.
type Mutation struct {
	Source  Source      `json:"source"`
	Command string      `json:"command"`
	Path    string      `json:"path"`
	Value   interface{} `json:"value,omitempty"`
}

// Engine is the OPA policy engine guarding variable writes.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.simlink.mutation.decision"),
		rego.Module("mutation.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the decision for m.
func (e *Engine) Evaluate(ctx context.Context, m Mutation) (string, error) {
	input := map[string]interface{}{
		"source":  string(m.Source),
		"command": m.Command,
		"path":    m.Path,
	}
	if m.Value != nil {
		input["value"] = m.Value
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy is expected to define a default.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
}

// Check returns ErrBlocked unless the policy allows m. A nil engine allows everything.
func (e *Engine) Check(ctx context.Context, m Mutation) error {
	if e == nil {
		return nil
	}
	decision, err := e.Evaluate(ctx, m)
	if err != nil {
		return err
	}
	if decision != DecisionAllow {
		return fmt.Errorf("%w: %s %s (%s)", ErrBlocked, m.Command, m.Path, decision)
	}
	return nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package simlink.mutation

import rego.v1

default decision := "allow"

# The simulated date only moves forward through the clock itself.
# Paths arrive in canonical form: "[<owning node>].<member>".
decision := "block" if {
	input.path == "[Clock].Today"
}
`
