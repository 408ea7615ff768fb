package synth

// State is the engine lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateQuitting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateQuitting:
		return "quitting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// canStart reports whether Start may be called in this state.
func (s State) canStart() bool {
	return s == StateUninitialized || s == StateTerminated
}
