package agent

// State is a phase of one orchestrator run.
type State string

const (
	StateIdle            State = "idle"
	StateModelGenerating State = "model_generating"
	StateToolRequested   State = "tool_requested"
	StateToolExecuting   State = "tool_executing"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
)

var transitions = map[State][]State{
	StateIdle:            {StateModelGenerating, StateAborted},
	StateModelGenerating: {StateToolRequested, StateCompleted, StateAborted},
	StateToolRequested:   {StateToolExecuting, StateModelGenerating, StateCompleted, StateAborted},
	StateToolExecuting:   {StateToolRequested, StateModelGenerating, StateCompleted, StateAborted},
}

// CanTransition reports whether the run may move from s to next.
// Completed and Aborted are terminal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
