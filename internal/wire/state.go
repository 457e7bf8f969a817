package wire

import "go.uber.org/atomic"

type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateReady
	StateAuthenticating
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateAuthenticating:
		return "authenticating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateCell holds a session state. Closed is terminal: once set, nothing else sticks.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) Load() State {
	return State(c.v.Load())
}

func (c *stateCell) Store(s State) {
	for {
		cur := c.v.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.v.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
