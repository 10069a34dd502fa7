package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := engine.Check(ctx, Mutation{Source: SourceOuter, Command: "SET", Path: "[Field0].Soil.InitialWater", Value: []float64{1, 2}}); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	err = engine.Check(ctx, Mutation{Source: SourceInner, Command: "set", Path: "[Clock].Today", Value: "2000-01-05"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestCustomPolicyFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.rego")
	content := `
package simlink.mutation

import rego.v1

default decision := "allow"

decision := "block" if {
	input.source == "inner"
	startswith(input.path, "[Weather]")
}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine, err := LoadEngine(ctx, path)
	if err != nil {
		t.Fatalf("LoadEngine failed: %v", err)
	}

	decision, err := engine.Evaluate(ctx, Mutation{Source: SourceInner, Command: "set", Path: "[Weather].Rain"})
	if err != nil || decision != DecisionBlock {
		t.Fatalf("expected block, got %q %v", decision, err)
	}
	decision, err = engine.Evaluate(ctx, Mutation{Source: SourceOuter, Command: "SET", Path: "[Weather].Rain"})
	if err != nil || decision != DecisionAllow {
		t.Fatalf("expected allow, got %q %v", decision, err)
	}
}

func TestNilEngineAllows(t *testing.T) {
	var engine *Engine
	if err := engine.Check(context.Background(), Mutation{Path: "[Clock].Today"}); err != nil {
		t.Fatalf("nil engine should allow, got %v", err)
	}
}

func TestInvalidPolicy(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package broken\n decision := "); err == nil {
		t.Fatalf("expected error for invalid policy")
	}
}
