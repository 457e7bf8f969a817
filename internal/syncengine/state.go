package syncengine

import (
	"errors"
	"fmt"
)

// State is where an account's engine is in its sync cycle.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateTokenRefresh   State = "token_refresh"
	StateSyncingFolders State = "syncing_folders"
	StateInitialFast    State = "initial_fast"
	StateCatchingUp     State = "catching_up"
	StatePaused         State = "paused"
	StateIndexing       State = "indexing"
	StateListening      State = "listening"
	StateError          State = "error"
)

var ErrInvalidTransition = errors.New("invalid sync state transition")

// transitions lists the allowed successors of each state. Every state inside
// a cycle may also fall back to Idle when the engine is stopped and to Error
// when the cycle fails.
var transitions = map[State][]State{
	StateIdle:           {StateConnecting, StateListening},
	StateListening:      {StateConnecting, StateInitialFast, StateIdle},
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateSyncingFolders, StateTokenRefresh},
	StateTokenRefresh:   {StateAuthenticating},
	StateSyncingFolders: {StateInitialFast},
	StateInitialFast:    {StateCatchingUp},
	StateCatchingUp:     {StateIndexing, StatePaused},
	StatePaused:         {StateCatchingUp},
	StateIndexing:       {StateIdle},
	StateError:          {StateIdle},
}

func inCycle(s State) bool {
	switch s {
	case StateIdle, StateListening, StateError:
		return false
	}
	return true
}

// CanTransition reports whether the table allows s → next.
func (s State) CanTransition(next State) bool {
	if inCycle(s) && (next == StateIdle || next == StateError) {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}
