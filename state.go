package bluewire

// ManagerState is the radio manager's power/authorization state. It is
// owned by the readiness state machine and mutated only by radio events.
type ManagerState int

// Manager states.
const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s ManagerState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	}
	return "invalid"
}

// Fatal reports whether the state can never transition to powered on.
// Readiness waits fail immediately in a fatal state.
func (s ManagerState) Fatal() bool {
	return s == StateUnsupported || s == StateUnauthorized
}

// ConnState is the connection state of one peripheral.
type ConnState int

// Peripheral connection states.
const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "invalid"
}
