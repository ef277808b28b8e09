package resolution

import "slices"

// transitions lists every legal status change. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusInProgress, StatusEscalated, StatusExpired, StatusCancelled},
	StatusInProgress:       {StatusVoting, StatusManualResolution, StatusEscalated, StatusExpired, StatusCancelled},
	StatusVoting:           {StatusReview, StatusFinalization, StatusEscalated, StatusExpired, StatusCancelled},
	StatusManualResolution: {StatusReview, StatusEscalated, StatusExpired, StatusCancelled},
	StatusReview:           {StatusFinalization, StatusEscalated, StatusExpired, StatusCancelled},
	StatusFinalization:     {StatusCompleted, StatusEscalated, StatusCancelled},
}

// Action is a non-transition mutation gated on status.
type Action string

const (
	ActionPropose Action = "propose"
	ActionVote    Action = "vote"
)

var actions = map[Action][]Status{
	ActionPropose: {StatusInProgress, StatusVoting},
	ActionVote:    {StatusVoting},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Allowed reports whether action may run while a session is in status.
func Allowed(action Action, status Status) bool {
	return slices.Contains(actions[action], status)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
