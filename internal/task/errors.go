package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicate         = errors.New("task already tracked")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[State][]State{
	Pending:  {Running, Cancelled},
	Running:  {Success, Failed, Cancelled, Timeout, Retrying},
	Retrying: {Pending, Cancelled},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
