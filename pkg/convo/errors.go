package convo

import "errors"

var (
	// ErrNotFound is returned when no conversation has the requested name.
	ErrNotFound = errors.New("convo: conversation not found")

	// ErrInvalid is returned when a conversation file is malformed.
	ErrInvalid = errors.New("convo: invalid conversation")
)
