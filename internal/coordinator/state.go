package coordinator

// State is the coordinator lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateRunning
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateRunning:
		return "running"
	case StateReporting:
		return "reporting"
	default:
		return "unknown"
	}
}
