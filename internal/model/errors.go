package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrHandlerFailure   = errors.New("handler failure")
	ErrInvalidPlaybook  = errors.New("invalid playbook")
	ErrValidation       = errors.New("validation failed")

	ErrInvalidTransition = fmt.Errorf("%w: invalid transition", ErrInvalidState)
	ErrDependencyCycle   = fmt.Errorf("%w: dependency cycle", ErrInvalidPlaybook)
)

// NotFound wraps ErrNotFound with the kind and id of the missing object.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
