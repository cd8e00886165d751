package driver

import "errors"

var (
	// ErrTransitionRejected is returned for a command with no edge from the
	// current state. The state is unchanged.
	ErrTransitionRejected = errors.New("driver: transition rejected")

	// ErrUnknownState is returned when parsing an unknown state name.
	ErrUnknownState = errors.New("driver: unknown state")

	// ErrNoActivity is returned when no activity is registered for a state.
	ErrNoActivity = errors.New("driver: no activity registered")

	// ErrNoWaypoint is returned when returning to a waypoint that was
	// never saved.
	ErrNoWaypoint = errors.New("driver: waypoint undefined")

	// ErrDockingUnresolved is returned when docking ends off the charger.
	// The robot stays at the waypoint.
	ErrDockingUnresolved = errors.New("driver: docking unresolved")

	// ErrPreempted is returned for queued commands dropped by a return to
	// the charger.
	ErrPreempted = errors.New("driver: command preempted")

	// ErrStopped is returned for commands still queued when the driver
	// stops.
	ErrStopped = errors.New("driver: stopped")

	// ErrNoPrompt is returned when submitting a name nobody asked for.
	ErrNoPrompt = errors.New("driver: no name prompt pending")
)
