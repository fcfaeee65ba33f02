package schema

// ExecutionID identifies a crew or flow execution.
type ExecutionID string

// CrewID identifies a crew definition.
type CrewID string

// FlowID identifies a flow definition.
type FlowID string

// UserID identifies an account on the platform.
type UserID string

// ConnectionState describes a live stream's connection lifecycle.
type ConnectionState string

const (
	// StateDisconnected means no transport is open.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a transport handshake is in flight.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the transport is open and delivering events.
	StateConnected ConnectionState = "connected"
	// StateError means the last connection attempt or transport failed.
	StateError ConnectionState = "error"
)

// TargetKind selects which backend stream a Target attaches to.
type TargetKind string

const (
	// TargetExecution is the read-only event stream of one execution.
	TargetExecution TargetKind = "execution"
	// TargetCrew is the bidirectional control stream of one crew.
	TargetCrew TargetKind = "crew"
)

// Target identifies the stream a live client attaches to. The zero value
// means "do not connect".
type Target struct {
	Kind TargetKind
	ID   string
}

// ExecutionTarget returns the event-stream target for an execution.
func ExecutionTarget(id ExecutionID) Target {
	return Target{Kind: TargetExecution, ID: string(id)}
}

// CrewTarget returns the control-stream target for a crew.
func CrewTarget(id CrewID) Target {
	return Target{Kind: TargetCrew, ID: string(id)}
}

// IsZero reports whether the target selects no stream.
func (t Target) IsZero() bool {
	return t.ID == ""
}

func (t Target) String() string {
	if t.IsZero() {
		return ""
	}
	return string(t.Kind) + ":" + t.ID
}
