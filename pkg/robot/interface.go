// Package robot defines the robot-control contract used by cozmonaut and
// provides a bridge client and a recording mock.
//
// This package follows the Interface Segregation Principle (ISP) by defining
// small, focused interfaces that can be composed as needed. Consumers should
// depend only on the interfaces they actually use: the docking controller
// needs motion, sensors and perception, while pong only needs the face
// display.
//
// All motion calls block until the robot reports the action complete or
// ctx is done.
package robot

import (
	"context"
	"image"
	"time"
)

// Mover provides wheel and navigation control.
type Mover interface {
	// DriveStraight drives distance millimetres (negative reverses) at speed mm/s.
	DriveStraight(ctx context.Context, distance, speed float64) error

	// TurnInPlace turns by angle radians. A zero tolerance uses the robot default.
	TurnInPlace(ctx context.Context, angle, tolerance float64) error

	// DriveWheels starts both wheel motors at the given speeds (mm/s) and
	// returns immediately. Use StopAllMotors to halt.
	DriveWheels(ctx context.Context, left, right float64) error

	StopAllMotors(ctx context.Context) error

	GoToPose(ctx context.Context, pose Pose) error

	// GoToObject drives to standoff millimetres from the charger, retrying
	// the native action up to retries times.
	GoToObject(ctx context.Context, charger Charger, standoff float64, retries int) error
}

// Manipulator provides head and lift control.
type Manipulator interface {
	// SetHeadAngle tilts the head to angle radians.
	SetHeadAngle(ctx context.Context, angle float64) error

	// SetLiftHeight moves the lift to a normalised height in [0, 1].
	SetLiftHeight(ctx context.Context, height, maxSpeed float64) error
}

// ChargerContacts controls the robot relative to its charger contacts.
type ChargerContacts interface {
	DriveOffChargerContacts(ctx context.Context) error
	BackupOntoCharger(ctx context.Context, maxDrive time.Duration) error
	IsOnCharger(ctx context.Context) (bool, error)
}

// Sensors exposes the latest cached robot state.
type Sensors interface {
	Serial() string
	Pose() Pose

	// Pitch is the body pitch in radians.
	Pitch() float64

	BatteryVoltage() float64
}

// Perception exposes the robot's world model of its charger.
type Perception interface {
	// KnownCharger returns the last observed charger if its pose is still valid.
	KnownCharger() (Charger, bool)

	// InvalidateCharger marks the known charger pose as stale.
	InvalidateCharger(ctx context.Context) error

	// WaitForObservedCharger blocks until a charger is seen or timeout
	// elapses (ErrNotObserved). With includeExisting a valid known charger
	// satisfies the wait immediately.
	WaitForObservedCharger(ctx context.Context, timeout time.Duration, includeExisting bool) (Charger, error)
}

// Behaviors runs the robot's built-in autonomous behaviours.
type Behaviors interface {
	// StartBehavior starts a named behaviour and returns a function that stops it.
	StartBehavior(ctx context.Context, name string) (stop func(), err error)

	StartFreeplay(ctx context.Context) error
	StopFreeplay(ctx context.Context) error
}

// Expression provides speech, animation and face display.
type Expression interface {
	PlayAnimation(ctx context.Context, trigger string) error
	SayText(ctx context.Context, text string) error

	// DisplayFaceImage shows img on the face display for d.
	DisplayFaceImage(ctx context.Context, img image.Image, d time.Duration) error
}

// Camera delivers camera frames.
type Camera interface {
	// SubscribeFrames registers fn for every new frame. The returned
	// function unregisters it.
	SubscribeFrames(fn func(Frame)) (unsubscribe func())
}

// Controller is the composite interface for full robot control.
type Controller interface {
	Mover
	Manipulator
	ChargerContacts
	Sensors
	Perception
	Behaviors
	Expression
	Camera
}

// Built-in behaviour names.
const (
	BehaviorLookAround = "LookAroundInPlace"
)

// Animation triggers.
const (
	AnimCelebrate  = "CodeLabCelebrate"
	AnimFrustrated = "FrustratedByFailureMajor"
	AnimWin        = "CodeLabWin"
	AnimHappy      = "DriveEndHappy"
)

// Ensure implementations satisfy Controller.
var (
	_ Controller = (*Bridge)(nil)
	_ Controller = (*Mock)(nil)
)
