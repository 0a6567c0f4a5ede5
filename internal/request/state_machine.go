package request

import "fmt"

var terminalStates = map[State]bool{
	StateIgnored: true,
	StateError:   true,
	StateAborted: true,
}

// Transitions not listed here are rejected. ERROR and ABORTED only leave
// through an explicit relaunch, which is the sole non monotone edge.
var allowedTransitions = map[State]map[State]bool{
	StateToSchedule: {
		StateCreated: true,
		StateBlocked: true,
	},
	StateCreated: {
		StateBlocked:         true,
		StateRunning:         true,
		StateWaitingDecision: true,
		StateError:           true,
		StateAborted:         true,
	},
	StateBlocked: {
		StateToSchedule: true,
		StateCreated:    true,
	},
	StateRunning: {
		StateWaitingDecision: true,
		StateIgnored:         true,
		StateError:           true,
		StateAborted:         true,
	},
	StateWaitingDecision: {
		StateCreated: true,
		StateError:   true,
		StateAborted: true,
	},
}

var relaunchTransitions = map[State]bool{
	StateError:   true,
	StateAborted: true,
}

func IsTerminal(state State) bool {
	return terminalStates[state]
}

func ValidateTransition(from, to State) error {
	if from == to {
		return nil
	}

	if terminalStates[from] {
		return fmt.Errorf("cannot transition from terminal state %s", from)
	}

	if allowed, ok := allowedTransitions[from][to]; !ok || !allowed {
		return fmt.Errorf("invalid request state transition from %s to %s", from, to)
	}

	return nil
}

// ValidateRelaunch checks the manual retry edge ERROR/ABORTED -> TO_SCHEDULE.
func ValidateRelaunch(from State) error {
	if !relaunchTransitions[from] {
		return fmt.Errorf("request in state %s cannot be relaunched", from)
	}
	return nil
}
