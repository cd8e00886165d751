package governor

import "errors"

var (
	// ErrRobotMissing is returned when a robot the interaction mode needs
	// was not found. The run must not start.
	ErrRobotMissing = errors.New("governor: robot missing")

	// ErrNoRobots is returned when a governor is given no drivers.
	ErrNoRobots = errors.New("governor: no robots")

	// ErrUnknownMode is returned when parsing an unknown interaction mode.
	ErrUnknownMode = errors.New("governor: unknown interaction mode")

	// ErrUnknownActivity is returned for a weight naming no activity.
	ErrUnknownActivity = errors.New("governor: unknown activity")
)
