// Package engine defines the contract the control layer needs from a simulation engine and
// provides a small reference engine that satisfies it: a tree of named models advanced one
// simulated day at a time, with path-based variable access and lifecycle events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Handle is an opaque reference to a resolved variable.
type Handle interface {
	Path() string
	// Canonical names the variable by its owning node, e.g. "[Clock].Today", however the
	// path was spelled.
	Canonical() string
}

// Variables is path-based introspection over live engine state.
type Variables interface {
	Resolve(path string) (Handle, error)
	// Get returns the current value. Slices and maps alias engine state; callers that hand
	// the value to another goroutine must copy it first (see DeepCopy).
	Get(h Handle) (interface{}, error)
	Set(h Handle, value interface{}) error
	// Apply parses and applies a "path=value" override.
	Apply(override string) error
}

// NodeRef is an opaque reference to a node of the simulation tree.
type NodeRef interface {
	Name() string
}

// Irrigator is the irrigation component of a field.
type Irrigator interface {
	Apply(amount float64) error
}

// Topology builds the spatial layout of a simulation before it is prepared.
type Topology interface {
	Find(name string) (NodeRef, error)
	Clone(template NodeRef, name string) (NodeRef, error)
	Configure(ref NodeRef, params map[string]string) error
	Irrigator(ref NodeRef) (Irrigator, error)
	Disable(ref NodeRef) error
	// Remove detaches a node created by Clone before the topology is frozen.
	Remove(ref NodeRef) error
}

// Event is a point of the daily cycle at which handlers run.
type Event int

const (
	StartOfSimulation Event = iota
	DoManagement
	EndOfDay
	EndOfSimulation
)

func (e Event) String() string {
	switch e {
	case StartOfSimulation:
		return "StartOfSimulation"
	case DoManagement:
		return "DoManagement"
	case EndOfDay:
		return "EndOfDay"
	case EndOfSimulation:
		return "EndOfSimulation"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// HandlerFunc runs on the simulation worker. A returned error aborts the run.
type HandlerFunc func(ctx context.Context) error

// Lifecycle lets components subscribe to simulation events.
type Lifecycle interface {
	On(event Event, fn HandlerFunc)
}

// Clock exposes the simulated date.
type Clock interface {
	Today() time.Time
	// EndToday makes the current day the last one.
	EndToday()
}

// Job is a unit of work run by the coordinator. Prepare runs once; Run may run many times;
// Cleanup runs after every job of a run has executed.
type Job interface {
	Name() string
	Prepare(ctx context.Context) error
	Run(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// ResultsWriter persists report rows, replacing earlier rows of the same simulation.
type ResultsWriter interface {
	ReplaceSimulationRows(ctx context.Context, table, simulation string, columns []string, rows [][]interface{}) error
}

var (
	ErrNotFound        = errors.New("variable not found")
	ErrReadOnly        = errors.New("variable is read-only")
	ErrIndexOutOfRange = errors.New("array index out of range")
	ErrNegativeIndex   = errors.New("negative array index")
	ErrTopologyFrozen  = errors.New("topology cannot change after preparation")
	ErrNotPrepared     = errors.New("simulation is not prepared")
	ErrBadOverride     = errors.New("override must have the form path=value")
	ErrInvalidValue    = errors.New("value leaves the model inconsistent")
)

// TypeMismatchError is returned when a value's shape or element type does not fit a variable.
type TypeMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch for %s: cannot assign %s to %s", e.Path, e.Got, e.Want)
}

func mismatch(path string, want reflect.Type, got interface{}) error {
	gotName := "nil"
	if got != nil {
		gotName = reflect.TypeOf(got).String()
	}
	return &TypeMismatchError{Path: path, Want: want.String(), Got: gotName}
}
