package engine

// State represents the lifecycle state of the engine.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateError
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the snapshot served by the ops surface.
type Status struct {
	State          string `json:"state"`
	Uptime         string `json:"uptime,omitempty"`
	Version        string `json:"version,omitempty"`
	ActiveBatches  int    `json:"active_batches"`
	EventsDegraded bool   `json:"events_degraded"`
	Templates      int    `json:"templates"`
	Purposes       int    `json:"purposes"`
}
