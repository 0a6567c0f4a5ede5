package jobs

import (
	"errors"
	"fmt"
)

var ErrInvalidStateTransition = errors.New("invalid job state transition")

const (
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

var terminalStates = map[string]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateCancelled: true,
}

var allowedTransitions = map[string]map[string]bool{
	StatePending: {
		StateRunning:   true,
		StateCancelled: true,
	},
	StateRunning: {
		StatePending:   true,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

func IsTerminal(state string) bool {
	return terminalStates[state]
}

func ValidateTransition(from, to string) error {
	if terminalStates[from] {
		return fmt.Errorf("%w: cannot leave terminal state %s", ErrInvalidStateTransition, from)
	}

	if allowed, ok := allowedTransitions[from][to]; !ok || !allowed {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, from, to)
	}

	return nil
}
