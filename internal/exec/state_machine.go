package exec

type State string

type Event string

const (
	StateIdle          State = "idle"
	StateMakerPlaced   State = "maker_placed"
	StateMakerChasing  State = "maker_chasing"
	StateTakerFallback State = "taker_fallback"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

const (
	EventMakerPlaced Event = "maker_placed"
	EventRepriced    Event = "repriced"
	EventEscalate    Event = "escalate"
	EventFilled      Event = "filled"
	EventAbort       Event = "abort"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

func (s State) resting() bool {
	return s == StateMakerPlaced || s == StateMakerChasing
}

// nextState returns current unchanged for events that do not apply.
func nextState(current State, event Event) State {
	if current.Terminal() {
		return current
	}
	switch event {
	case EventFilled:
		return StateCompleted
	case EventAbort:
		return StateAborted
	}
	switch current {
	case StateIdle:
		switch event {
		case EventMakerPlaced:
			return StateMakerPlaced
		case EventEscalate:
			return StateTakerFallback
		}
	case StateMakerPlaced, StateMakerChasing:
		switch event {
		case EventRepriced:
			return StateMakerChasing
		case EventEscalate:
			return StateTakerFallback
		}
	}
	return current
}
