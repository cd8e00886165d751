package robot

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"
)

// Mock implements Controller for testing. It keeps a tiny kinematic model
// (turns rotate the heading, drives move along it, go-to actions jump to
// the target) and records every call.
type Mock struct {
	// PitchFunc overrides the reported pitch. If nil, the value from
	// SetPitch is returned.
	PitchFunc func() float64

	// ErrFunc, when set, is consulted before each action. A non-nil return
	// fails the action without changing state.
	ErrFunc func(method string) error

	// ActionDelay is slept (honouring ctx) by every blocking action.
	ActionDelay time.Duration

	// DockSucceeds controls whether BackupOntoCharger leaves the robot on
	// the charger contacts.
	DockSucceeds bool

	mu           sync.Mutex
	serial       string
	pose         Pose
	pitch        float64
	voltage      float64
	onCharger    bool
	charger      Charger
	chargerValid bool
	visible      *Charger
	hiddenWaits  int
	wheels       [2]float64
	wheelsAt     time.Time
	freeplay     bool
	behaviors    map[int]string
	nextBehavior int
	handlers     map[int]func(Frame)
	nextHandler  int
	faceImages   int
	calls        []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Args   string
	Time   time.Time
}

// NewMock creates a mock robot sitting on its charger with a full battery.
func NewMock(serial string) *Mock {
	return &Mock{
		DockSucceeds: true,
		serial:       serial,
		voltage:      4.1,
		onCharger:    true,
		behaviors:    make(map[int]string),
		handlers:     make(map[int]func(Frame)),
	}
}

func (m *Mock) record(method string, args ...any) {
	m.calls = append(m.calls, MockCall{
		Method: method,
		Args:   fmt.Sprint(args...),
		Time:   time.Now(),
	})
}

// begin records the call, checks ErrFunc and sleeps ActionDelay.
func (m *Mock) begin(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	m.record(method, args...)
	errFn := m.ErrFunc
	delay := m.ActionDelay
	m.mu.Unlock()

	if errFn != nil {
		if err := errFn(method); err != nil {
			return err
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// DriveStraight moves the pose along the current heading.
func (m *Mock) DriveStraight(ctx context.Context, distance, speed float64) error {
	if err := m.begin(ctx, "DriveStraight", distance, " ", speed); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose.X += distance * math.Cos(m.pose.Angle)
	m.pose.Y += distance * math.Sin(m.pose.Angle)
	m.onCharger = false
	return nil
}

// TurnInPlace rotates the heading.
func (m *Mock) TurnInPlace(ctx context.Context, angle, tolerance float64) error {
	if err := m.begin(ctx, "TurnInPlace", angle, " ", tolerance); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose.Angle = wrap(m.pose.Angle + angle)
	return nil
}

// DriveWheels records the wheel speeds and when they were set.
func (m *Mock) DriveWheels(ctx context.Context, left, right float64) error {
	m.mu.Lock()
	m.record("DriveWheels", left, " ", right)
	m.wheels = [2]float64{left, right}
	m.wheelsAt = time.Now()
	m.mu.Unlock()
	return nil
}

// StopAllMotors zeroes the wheel speeds.
func (m *Mock) StopAllMotors(ctx context.Context) error {
	m.mu.Lock()
	m.record("StopAllMotors")
	m.wheels = [2]float64{}
	m.wheelsAt = time.Now()
	m.mu.Unlock()
	return nil
}

// GoToPose jumps to pose.
func (m *Mock) GoToPose(ctx context.Context, pose Pose) error {
	if err := m.begin(ctx, "GoToPose", pose); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose = pose
	m.onCharger = false
	return nil
}

// GoToObject jumps to standoff millimetres in front of the charger,
// facing it.
func (m *Mock) GoToObject(ctx context.Context, charger Charger, standoff float64, retries int) error {
	if err := m.begin(ctx, "GoToObject", standoff, " ", retries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := charger.Pose.Angle
	m.pose = Pose{
		X:        charger.Pose.X - standoff*math.Cos(a),
		Y:        charger.Pose.Y - standoff*math.Sin(a),
		Z:        charger.Pose.Z,
		Angle:    a,
		OriginID: m.pose.OriginID,
	}
	m.onCharger = false
	return nil
}

// SetHeadAngle records the call.
func (m *Mock) SetHeadAngle(ctx context.Context, angle float64) error {
	return m.begin(ctx, "SetHeadAngle", angle)
}

// SetLiftHeight records the call.
func (m *Mock) SetLiftHeight(ctx context.Context, height, maxSpeed float64) error {
	return m.begin(ctx, "SetLiftHeight", height, " ", maxSpeed)
}

// DriveOffChargerContacts leaves the charger.
func (m *Mock) DriveOffChargerContacts(ctx context.Context) error {
	if err := m.begin(ctx, "DriveOffChargerContacts"); err != nil {
		return err
	}
	m.mu.Lock()
	m.onCharger = false
	m.mu.Unlock()
	return nil
}

// BackupOntoCharger seats the robot when DockSucceeds is set.
func (m *Mock) BackupOntoCharger(ctx context.Context, maxDrive time.Duration) error {
	if err := m.begin(ctx, "BackupOntoCharger", maxDrive); err != nil {
		return err
	}
	m.mu.Lock()
	m.onCharger = m.DockSucceeds
	m.mu.Unlock()
	return nil
}

// IsOnCharger reports the contact state.
func (m *Mock) IsOnCharger(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IsOnCharger")
	return m.onCharger, nil
}

// Serial implements Sensors.
func (m *Mock) Serial() string { return m.serial }

// Pose implements Sensors.
func (m *Mock) Pose() Pose {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pose
}

// Pitch implements Sensors.
func (m *Mock) Pitch() float64 {
	m.mu.Lock()
	fn := m.PitchFunc
	p := m.pitch
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return p
}

// BatteryVoltage implements Sensors.
func (m *Mock) BatteryVoltage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voltage
}

// KnownCharger implements Perception.
func (m *Mock) KnownCharger() (Charger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charger, m.chargerValid
}

// InvalidateCharger implements Perception.
func (m *Mock) InvalidateCharger(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InvalidateCharger")
	m.chargerValid = false
	return nil
}

// WaitForObservedCharger returns the visible charger unless hidden waits
// remain, in which case it reports ErrNotObserved without sleeping.
func (m *Mock) WaitForObservedCharger(ctx context.Context, timeout time.Duration, includeExisting bool) (Charger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WaitForObservedCharger", timeout, " ", includeExisting)

	if err := ctx.Err(); err != nil {
		return Charger{}, err
	}
	if includeExisting && m.chargerValid {
		return m.charger, nil
	}
	if m.visible == nil || m.hiddenWaits > 0 {
		if m.hiddenWaits > 0 {
			m.hiddenWaits--
		}
		return Charger{}, ErrNotObserved
	}
	m.charger = *m.visible
	m.chargerValid = true
	return m.charger, nil
}

// StartBehavior records the behaviour until stop is called.
func (m *Mock) StartBehavior(ctx context.Context, name string) (func(), error) {
	if err := m.begin(ctx, "StartBehavior", name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.nextBehavior
	m.nextBehavior++
	m.behaviors[id] = name
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.behaviors[id]; ok {
			m.record("StopBehavior", name)
			delete(m.behaviors, id)
		}
	}, nil
}

// StartFreeplay implements Behaviors.
func (m *Mock) StartFreeplay(ctx context.Context) error {
	if err := m.begin(ctx, "StartFreeplay"); err != nil {
		return err
	}
	m.mu.Lock()
	m.freeplay = true
	m.mu.Unlock()
	return nil
}

// StopFreeplay implements Behaviors.
func (m *Mock) StopFreeplay(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StopFreeplay")
	m.freeplay = false
	return nil
}

// PlayAnimation implements Expression.
func (m *Mock) PlayAnimation(ctx context.Context, trigger string) error {
	return m.begin(ctx, "PlayAnimation", trigger)
}

// SayText implements Expression.
func (m *Mock) SayText(ctx context.Context, text string) error {
	return m.begin(ctx, "SayText", text)
}

// DisplayFaceImage implements Expression.
func (m *Mock) DisplayFaceImage(ctx context.Context, img image.Image, d time.Duration) error {
	m.mu.Lock()
	m.record("DisplayFaceImage", img.Bounds().Dx(), "x", img.Bounds().Dy())
	m.faceImages++
	m.mu.Unlock()
	return ctx.Err()
}

// SubscribeFrames implements Camera.
func (m *Mock) SubscribeFrames(fn func(Frame)) func() {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// EmitFrame delivers f to every subscriber.
func (m *Mock) EmitFrame(f Frame) {
	m.mu.Lock()
	fns := make([]func(Frame), 0, len(m.handlers))
	for _, fn := range m.handlers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

// SetPose places the robot.
func (m *Mock) SetPose(p Pose) {
	m.mu.Lock()
	m.pose = p
	m.mu.Unlock()
}

// SetPitch sets the pitch reported when PitchFunc is nil.
func (m *Mock) SetPitch(rad float64) {
	m.mu.Lock()
	m.pitch = rad
	m.mu.Unlock()
}

// SetBatteryVoltage sets the reported voltage.
func (m *Mock) SetBatteryVoltage(v float64) {
	m.mu.Lock()
	m.voltage = v
	m.mu.Unlock()
}

// SetOnCharger sets the contact state.
func (m *Mock) SetOnCharger(on bool) {
	m.mu.Lock()
	m.onCharger = on
	m.mu.Unlock()
}

// SetKnownCharger installs a valid known charger.
func (m *Mock) SetKnownCharger(c Charger) {
	m.mu.Lock()
	m.charger = c
	m.chargerValid = true
	m.mu.Unlock()
}

// SetVisibleCharger sets the charger a wait will observe after hidden
// failed waits. A nil charger is never observed.
func (m *Mock) SetVisibleCharger(c *Charger, hidden int) {
	m.mu.Lock()
	m.visible = c
	m.hiddenWaits = hidden
	m.mu.Unlock()
}

// Wheels returns the current wheel speeds and how long ago they were set.
func (m *Mock) Wheels() (left, right float64, since time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wheels[0], m.wheels[1], time.Since(m.wheelsAt)
}

// FaceImages returns how many images were displayed.
func (m *Mock) FaceImages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faceImages
}

// Freeplaying reports whether freeplay is running.
func (m *Mock) Freeplaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeplay
}

// ActiveBehaviors returns the number of behaviours not yet stopped.
func (m *Mock) ActiveBehaviors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.behaviors)
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Methods returns the method names in call order.
func (m *Mock) Methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Method
	}
	return out
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func wrap(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
