// Package domain defines the core domain models for the simulation control server.
package domain

// RunState represents the coordinator's current phase.
type RunState string

const (
	RunStateIdling   RunState = "idling"
	RunStateRunning  RunState = "running"
	RunStateWaiting  RunState = "waiting"
	RunStateFinished RunState = "finished"
	RunStateError    RunState = "error"
)

// CanStart reports whether a new run may be started from this state.
func (s RunState) CanStart() bool {
	switch s {
	case RunStateIdling, RunStateFinished, RunStateError:
		return true
	}
	return false
}

// IsTerminal reports whether the worker has stopped.
func (s RunState) IsTerminal() bool {
	return s == RunStateFinished || s == RunStateError
}

// PauseOwner identifies who is allowed to resume a paused run.
type PauseOwner string

const (
	PauseOwnerNone  PauseOwner = ""
	PauseOwnerGate  PauseOwner = "gate"  // outer protocol resumes via RUN
	PauseOwnerAgent PauseOwner = "agent" // inner synchronization controller resumes
)

// ErrorKind classifies failures crossing a channel boundary.
type ErrorKind string

const (
	ErrorKindFraming   ErrorKind = "framing"
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindState     ErrorKind = "state"
	ErrorKindDomain    ErrorKind = "domain"
	ErrorKindTransport ErrorKind = "transport"
)
