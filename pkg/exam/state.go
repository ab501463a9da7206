package exam

import "fmt"

// State is one step of the examination state machine
type State string

// Examination states, in order
const (
	StateCreated        State = "created"         // Controller built, nothing touched yet
	StateReset          State = "reset"           // Task configuration applied to the desktop
	StateWarmup         State = "warmup"          // Fixed settle delay
	StateInitialCapture State = "initial_capture" // Initial screenshot stored
	StateRecording      State = "recording"       // Screen recording started
	StateAwaitingHuman  State = "awaiting_human"  // Blocked until the operator acknowledges
	StateEvaluating     State = "evaluating"      // Scoring function running
	StateFinalCapture   State = "final_capture"   // Final screenshot stored
	StatePersisted      State = "persisted"       // result, task info and execution log written
	StateClosed         State = "closed"          // Workflow finished normally
	StateAborted        State = "aborted"         // Operator cancelled or session interrupted
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StateReset:   true,
		StateAborted: true,
	},
	StateReset: {
		StateWarmup:  true,
		StateAborted: true,
	},
	StateWarmup: {
		StateInitialCapture: true,
		StateAborted:        true,
	},
	StateInitialCapture: {
		StateRecording: true,
		StateAborted:   true,
	},
	StateRecording: {
		StateAwaitingHuman: true,
		StateAborted:       true,
	},
	StateAwaitingHuman: {
		StateEvaluating: true, // operator acknowledged
		StateAborted:    true, // operator cancelled
	},
	StateEvaluating: {
		StateFinalCapture: true,
		StateAborted:      true,
	},
	StateFinalCapture: {
		StatePersisted: true,
		StateAborted:   true,
	},
	StatePersisted: {
		StateClosed: true,
	},
	// Terminal states (no transitions allowed)
	StateClosed:  {},
	StateAborted: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if no further transitions are possible
func IsTerminal(s State) bool {
	return s == StateClosed || s == StateAborted
}
