package generator

// State is a step of the two-stage pipeline.
//
//	Init → Stage1Rendering → Stage1Done → CenterComputed → Stage2Rendering → Complete
//
// Failed is reachable from every non-terminal state.
type State int

const (
	StateInit State = iota
	StateStage1Rendering
	StateStage1Done
	StateCenterComputed
	StateStage2Rendering
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateStage1Rendering:
		return "Stage1Rendering"
	case StateStage1Done:
		return "Stage1Done"
	case StateCenterComputed:
		return "CenterComputed"
	case StateStage2Rendering:
		return "Stage2Rendering"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// next is the only forward transition out of each non-terminal state.
var next = map[State]State{
	StateInit:            StateStage1Rendering,
	StateStage1Rendering: StateStage1Done,
	StateStage1Done:      StateCenterComputed,
	StateCenterComputed:  StateStage2Rendering,
	StateStage2Rendering: StateComplete,
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return next[from] == to
}
