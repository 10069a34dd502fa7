package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/simlink/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReplaceSimulationRowsAndGetColumn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	columns := []string{"SimulationName", "Zone", "Date", "SoilWater"}
	rows := [][]interface{}{
		{"Sim", "Field0", "2000-01-01", 190.0},
		{"Sim", "Field1", "2000-01-01", 185.5},
	}
	if err := store.ReplaceSimulationRows(ctx, "Report", "Sim", columns, rows); err != nil {
		t.Fatalf("ReplaceSimulationRows failed: %v", err)
	}
	if err := store.ReplaceSimulationRows(ctx, "Report", "Other", columns, [][]interface{}{{"Other", "F", "2000-01-01", 1.0}}); err != nil {
		t.Fatalf("ReplaceSimulationRows failed: %v", err)
	}

	got, err := store.GetColumn(ctx, "Report", "SoilWater")
	if err != nil {
		t.Fatalf("GetColumn failed: %v", err)
	}
	if len(got) != 3 || got[0] != 190.0 || got[1] != 185.5 {
		t.Fatalf("unexpected column: %#v", got)
	}

	// rerunning a simulation replaces only its own rows
	if err := store.ReplaceSimulationRows(ctx, "Report", "Sim", columns, rows[:1]); err != nil {
		t.Fatalf("ReplaceSimulationRows failed: %v", err)
	}
	zones, err := store.GetColumn(ctx, "report", "zone")
	if err != nil {
		t.Fatalf("GetColumn failed: %v", err)
	}
	if len(zones) != 2 || zones[0] != "F" || zones[1] != "Field0" {
		t.Fatalf("unexpected zones: %#v", zones)
	}
}

func TestReplaceSimulationRowsAddsColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.ReplaceSimulationRows(ctx, "Report", "Sim", []string{"SimulationName", "A"}, [][]interface{}{{"Sim", 1}}); err != nil {
		t.Fatalf("ReplaceSimulationRows failed: %v", err)
	}
	if err := store.ReplaceSimulationRows(ctx, "Report", "Sim", []string{"SimulationName", "A", "B"}, [][]interface{}{{"Sim", 1, "x"}}); err != nil {
		t.Fatalf("ReplaceSimulationRows with new column failed: %v", err)
	}
	got, err := store.GetColumn(ctx, "Report", "B")
	if err != nil {
		t.Fatalf("GetColumn failed: %v", err)
	}
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("unexpected column: %#v", got)
	}

	if err := store.ReplaceSimulationRows(ctx, "Report", "Sim", []string{"A"}, nil); err == nil {
		t.Fatalf("expected error without SimulationName column")
	}
}

func TestGetColumnMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetColumn(ctx, "Nope", "x"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	if _, err := store.GetColumn(ctx, "runs", "nope"); !errors.Is(err, ErrColumnNotFound) {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}
	values, err := store.GetColumn(ctx, "runs", "state")
	if err != nil {
		t.Fatalf("GetColumn on empty table failed: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected no values, got %#v", values)
	}
}

func TestRunLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run := &domain.Run{
		RunID:     "run_1",
		State:     domain.RunStateRunning,
		Overrides: []string{"[Clock].EndDate=2000-01-02"},
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.UpdateRunState(ctx, "run_1", domain.RunStateWaiting); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}
	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != domain.RunStateWaiting || got.EndedAt != nil || len(got.Overrides) != 1 {
		t.Fatalf("unexpected run: %+v", got)
	}

	if err := store.UpdateRunCompleted(ctx, "run_1", domain.RunStateError, []string{"first", "second"}); err != nil {
		t.Fatalf("UpdateRunCompleted failed: %v", err)
	}
	got, err = store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != domain.RunStateError || got.EndedAt == nil || len(got.Errors) != 2 || got.Errors[1] != "second" {
		t.Fatalf("unexpected completed run: %+v", got)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run_1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
