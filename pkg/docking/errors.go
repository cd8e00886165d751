package docking

import "errors"

// Sentinel errors reported in Result.Err.
var (
	// ErrStrikeTimeout is returned when backing up never pitched the robot
	// onto the charger lip.
	ErrStrikeTimeout = errors.New("docking: timed out waiting to strike the charger")

	// ErrFlattenTimeout is returned when the robot never levelled out on
	// the charger.
	ErrFlattenTimeout = errors.New("docking: timed out waiting to flatten on the charger")

	// ErrWallClimb is returned when pitch exceeds the hard ceiling, which
	// means the robot drove up the back wall of the charger.
	ErrWallClimb = errors.New("docking: pitch ceiling exceeded (climbing charger wall)")

	// ErrNotOnCharger is returned when seating finished but the robot does
	// not report contact.
	ErrNotOnCharger = errors.New("docking: robot not on charger after seating")

	// ErrChargerNotFound is returned when MaxFindAttempts look-arounds saw
	// nothing.
	ErrChargerNotFound = errors.New("docking: charger not found")
)
