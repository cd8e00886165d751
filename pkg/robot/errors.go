package robot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotObserved is returned when a charger wait times out.
	ErrNotObserved = errors.New("robot: charger not observed")

	// ErrNotFound is returned by Discover when a serial is not connected.
	ErrNotFound = errors.New("robot: not found")

	// ErrClosed is returned after the bridge connection is closed.
	ErrClosed = errors.New("robot: bridge closed")
)

// ActionError reports a failed bridge action.
type ActionError struct {
	Serial string
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("robot %s: %s: %v", e.Serial, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
