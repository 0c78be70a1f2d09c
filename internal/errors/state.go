package appErrors

import (
	"errors"
	"fmt"
)

// InvalidStateTransitionError is returned for an operation the current status does not allow.
type InvalidStateTransitionError struct {
	Current   string
	Requested string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s a campaign in status %s", e.Requested, e.Current)
}

func NewInvalidStateTransition(current, requested string) error {
	return &InvalidStateTransitionError{Current: current, Requested: requested}
}

func IsInvalidStateTransition(err error) bool {
	var e *InvalidStateTransitionError
	return errors.As(err, &e)
}
