package syncengine

import (
	"errors"
	"testing"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateListening, true},
		{StateIdle, StateInitialFast, false},
		{StateListening, StateInitialFast, true},
		{StateListening, StateConnecting, true},
		{StateConnecting, StateAuthenticating, true},
		{StateConnecting, StateSyncingFolders, false},
		{StateAuthenticating, StateTokenRefresh, true},
		{StateTokenRefresh, StateAuthenticating, true},
		{StateSyncingFolders, StateInitialFast, true},
		{StateInitialFast, StateCatchingUp, true},
		{StateInitialFast, StateIndexing, false},
		{StateCatchingUp, StatePaused, true},
		{StatePaused, StateCatchingUp, true},
		{StatePaused, StateIndexing, false},
		{StateCatchingUp, StateIndexing, true},
		{StateIndexing, StateIdle, true},
		{StateError, StateIdle, true},
		{StateError, StateConnecting, false},
		// Any state inside a cycle may fail or be stopped.
		{StateCatchingUp, StateError, true},
		{StatePaused, StateIdle, true},
		{StateTokenRefresh, StateError, true},
		{StateListening, StateError, false},
		{StateIdle, StateError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckTransition(t *testing.T) {
	if err := checkTransition(StateIdle, StateConnecting); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := checkTransition(StateIdle, StateIndexing)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}
