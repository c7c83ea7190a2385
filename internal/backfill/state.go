package backfill

// State is a BackfillJob's position in the state machine defined by
// the queue's transition rules. Modeled as a tagged enumeration with
// string values matching the DB representation.
type State string

const (
	StatePending     State = "pending"
	StateInProgress  State = "in_progress"
	StateRateLimited State = "rate_limited"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// terminal reports whether a state has no outgoing transitions.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// validTransitions enumerates every legal (from, to) pair in the state
// machine. A transition function that isn't in this table is a programmer
// error and is rejected rather than silently applied.
var validTransitions = map[State]map[State]bool{
	StatePending:     {StateInProgress: true},
	StateInProgress:  {StateCompleted: true, StateRateLimited: true, StatePending: true, StateFailed: true},
	StateRateLimited: {StatePending: true},
}

// canTransition reports whether moving from `from` to `to` is a legal
// transition in the job lifecycle.
func canTransition(from, to State) bool {
	if from.terminal() {
		return false
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
