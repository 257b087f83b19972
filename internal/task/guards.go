package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDeleteTodo is returned when deleting a task that is still todo.
	ErrDeleteTodo = errors.New("only done or abandoned tasks can be deleted")
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  error
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return r.Reason
}

// CanTransition evaluates whether a task may move from one status to another.
// Rules:
// - todo may become done or abandoned
// - done and abandoned may go back to todo
// - keeping the current status is always allowed
func CanTransition(from, to Status) GuardResult {
	if !to.Valid() {
		return GuardResult{Reason: fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)}
	}
	if from == to {
		return GuardResult{Allowed: true}
	}

	switch from {
	case StatusTodo:
		return GuardResult{Allowed: true}
	case StatusDone, StatusAbandoned:
		if to == StatusTodo {
			return GuardResult{Allowed: true}
		}
	}

	return GuardResult{Reason: fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)}
}

// CanDelete evaluates whether a task may be deleted.
// Rules:
// - status must be done or abandoned
func CanDelete(t Task) GuardResult {
	if t.Status == StatusTodo {
		return GuardResult{Reason: fmt.Errorf("%w (task %d is todo)", ErrDeleteTodo, t.ID)}
	}
	return GuardResult{Allowed: true}
}
