package poller

// State is the lifecycle position of one ApiSource.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateFetching
	StateUpdated
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFetching:
		return "fetching"
	case StateUpdated:
		return "updated"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and msgpack output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
