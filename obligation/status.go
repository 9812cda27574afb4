package obligation

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate signals another active obligation already tracks the source_ref.
	ErrDuplicate = errors.New("obligation: source_ref already tracked")
	// ErrNotFound is returned when no obligation exists for the identifier.
	ErrNotFound = errors.New("obligation: not found")
	// ErrStaleState signals a conditional transition lost a race: the stored
	// status no longer matches the expected one.
	ErrStaleState = errors.New("obligation: stale state")
	// ErrInvalidTransition is returned for an edge the lifecycle does not allow.
	ErrInvalidTransition = errors.New("obligation: invalid transition")
	// ErrTerminal is returned when a change is requested on a closed obligation.
	ErrTerminal = errors.New("obligation: already closed")
	// ErrValidation wraps malformed input.
	ErrValidation = errors.New("obligation: invalid input")
	// ErrStoreUnavailable wraps failures to reach the backing database.
	ErrStoreUnavailable = errors.New("obligation: store unavailable")
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusReminded, StatusEscalated, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// stage returns the position along OPEN → REMINDED → ESCALATED, or -1.
func (s Status) stage() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusReminded:
		return 1
	case StatusEscalated:
		return 2
	}
	return -1
}

// CanTransition reports whether from → to is a permitted edge: a single
// forward step along the stage path, or any active status to a terminal one.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return to.stage() == from.stage()+1
}

// ValidateTransition returns a wrapped error describing why from → to is refused.
func ValidateTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func wrapValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
