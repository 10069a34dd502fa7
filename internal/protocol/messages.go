// Package protocol defines the keyword vocabulary and frame payload encodings shared by the
// outer control protocol, the bootstrap protocol and the per-day synchronization protocol.
package protocol

// Version is the outer protocol version. Clients must reject an unknown major version.
const Version = "1.0"

// Outer protocol commands (controller to server).
const (
	CmdState   = "STATE"
	CmdRun     = "RUN"
	CmdGet     = "GET"
	CmdGet2    = "GET2"
	CmdSet     = "SET"
	CmdVersion = "VERSION"
)

// Bootstrap vocabulary.
const (
	SetupConnect  = "connect"
	SetupSetup    = "setup"
	SetupFields   = "fields"
	SetupField    = "field"
	SetupEnergize = "energize"
	SetupReady    = "ready"
)

// Per-day synchronization vocabulary.
const (
	SyncPaused   = "paused"
	SyncResume   = "resume"
	SyncDo       = "do"
	SyncSet      = "set"
	SyncGet      = "get"
	SyncFinished = "finished"
)

// Sub-commands of SyncDo.
const (
	DoApplyIrrigation = "applyIrrigation"
	DoTerminate       = "terminate"
)

// Named arguments of DoApplyIrrigation.
const (
	ArgAmount = "amount"
	ArgField  = "field"
)

// Reply is the generic acknowledgement used by every session.
const Reply = "ok"

// ErrorMarker starts every error payload. It is the only failure signal on the wire.
const ErrorMarker = "ERROR"

// NA is the payload returned by a get whose value is absent.
const NA = "NA"
