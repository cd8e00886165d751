// Package driver runs one robot through its interaction cycle.
//
// A Driver owns a robot for its lifetime. Commands naming a target State
// are queued by the governor or an operator and executed one at a time by
// Run, so at most one motion action is ever in flight per robot. The
// transition table is
//
//	home -> waypoint                 drive off the charger, save the waypoint
//	waypoint -> home                 dock
//	waypoint -> greet|convo|pong|freeplay
//	greet|convo|pong|freeplay -> waypoint
//
// Anything else is rejected and leaves the state unchanged.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-cozmonaut/pkg/docking"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

// Docker returns a robot from its waypoint to the charger.
type Docker interface {
	Dock(ctx context.Context) docking.Result
}

// Activity is a behaviour run from the waypoint. Perform must return
// promptly once ctx is done; a cancelled activity returns normally.
type Activity interface {
	Perform(ctx context.Context, payload string) error
}

// ActivityFunc adapts a function to Activity.
type ActivityFunc func(ctx context.Context, payload string) error

func (f ActivityFunc) Perform(ctx context.Context, payload string) error { return f(ctx, payload) }

// Intent names a request raised on a driver by the governor or operator.
type Intent int

const (
	IntentAdvance Intent = iota + 1
	IntentInteract
	IntentReturn
)

func (i Intent) String() string {
	switch i {
	case IntentAdvance:
		return "advance"
	case IntentInteract:
		return "interact"
	case IntentReturn:
		return "return"
	default:
		return "none"
	}
}

// Options configures a Driver.
type Options struct {
	// Name is the robot's slot letter, "A" or "B".
	Name  string
	Robot robot.Controller

	// Docker defaults to a docking controller with default settings.
	Docker     Docker
	Activities map[State]Activity
	Publisher  events.Publisher
	Logger     *slog.Logger

	// DepartDistance (mm) and DepartSpeed (mm/s) for home -> waypoint.
	DepartDistance float64
	DepartSpeed    float64
}

// Driver is the per-robot state machine.
type Driver struct {
	name       string
	robot      robot.Controller
	docker     Docker
	activities map[State]Activity
	pub        events.Publisher
	log        *slog.Logger
	departDist float64
	departSpd  float64

	queue   *Queue
	polling atomic.Bool

	mu          sync.Mutex
	state       State
	active      *Command
	waypoint    robot.Pose
	hasWaypoint bool
	cancel      context.CancelFunc
	cancelled   bool
	pending     map[Intent]int

	lowBatteryTest atomic.Bool
}

// New returns a driver in the Home state.
func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("robot", opts.Name)
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Docker == nil {
		opts.Docker = docking.New(opts.Robot, docking.DefaultConfig(), logger)
	}
	if opts.DepartDistance == 0 {
		opts.DepartDistance = 250
	}
	if opts.DepartSpeed == 0 {
		opts.DepartSpeed = 50
	}
	return &Driver{
		name:       opts.Name,
		robot:      opts.Robot,
		docker:     opts.Docker,
		activities: opts.Activities,
		pub:        opts.Publisher,
		log:        logger,
		departDist: opts.DepartDistance,
		departSpd:  opts.DepartSpeed,
		queue:      NewQueue(),
		state:      Home,
		pending:    make(map[Intent]int),
	}
}

// Name returns the robot's slot letter.
func (d *Driver) Name() string { return d.name }

// Robot returns the controlled robot.
func (d *Driver) Robot() robot.Controller { return d.robot }

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Waypoint returns the pose saved on the last departure from the charger.
func (d *Driver) Waypoint() (robot.Pose, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waypoint, d.hasWaypoint
}

// Away reports whether the robot is off its charger or on its way.
func (d *Driver) Away() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != Home || d.active != nil
}

// Enqueue adds cmd to the queue. It never blocks and may be called while a
// transition is in progress.
func (d *Driver) Enqueue(cmd Command) Ticket {
	return d.enqueue(cmd, 0)
}

func (d *Driver) enqueue(cmd Command, intent Intent) Ticket {
	e := d.newEntry(cmd, intent)
	d.queue.push(e)
	return e.result
}

func (d *Driver) newEntry(cmd Command, intent Intent) *entry {
	if intent != 0 {
		d.mu.Lock()
		d.pending[intent]++
		d.mu.Unlock()
	}
	return newEntry(cmd, intent)
}

// Queued returns the commands waiting to run.
func (d *Driver) Queued() []Command {
	return d.queue.Commands()
}

// Cancel asks the running activity to stop. It reports whether an
// activity was running.
func (d *Driver) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return false
	}
	if !d.cancelled {
		d.log.Info("cancelling activity", "activity", d.active.Target)
	}
	d.cancelled = true
	d.cancel()
	return true
}

// Advance moves the robot to its waypoint. The ticket resolves once the
// robot is there, immediately if it already is.
func (d *Driver) Advance() Ticket {
	d.mu.Lock()
	idle := d.state == Waypoint && d.active == nil && d.queue.Len() == 0
	d.mu.Unlock()
	if idle {
		return resolved(Outcome{From: Waypoint, To: Waypoint})
	}
	return d.enqueue(NewCommand(Waypoint, ""), IntentAdvance)
}

// Interact starts an activity from the waypoint. The ticket resolves when
// the activity returns.
func (d *Driver) Interact(activity State, payload string) Ticket {
	return d.enqueue(NewCommand(activity, payload), IntentInteract)
}

// ReturnHome cancels the running activity, drops queued activities and
// drives the robot back onto its charger. The ticket resolves when docking
// finishes, whether or not it succeeded.
func (d *Driver) ReturnHome() Ticket {
	// Registering the intent first makes an activity that is about to
	// start cancel itself.
	home := d.newEntry(NewCommand(Home, ""), IntentReturn)
	d.Cancel()
	for _, e := range d.queue.removeIf(func(c Command) bool { return c.Target.IsActivity() }) {
		d.finish(e, Outcome{From: d.State(), To: d.State(), Err: ErrPreempted})
	}

	d.mu.Lock()
	state := d.state
	inActivity := state.IsActivity() || (d.active != nil && d.active.Target.IsActivity())
	idleHome := state == Home && d.active == nil && d.queue.Len() == 0
	d.mu.Unlock()

	if idleHome {
		d.finish(home, Outcome{From: Home, To: Home})
		return home.result
	}
	if inActivity && !slices.ContainsFunc(d.queue.Commands(), func(c Command) bool { return c.Target == Waypoint }) {
		d.enqueue(NewCommand(Waypoint, ""), 0)
	}
	d.queue.push(home)
	return home.result
}

// RequestLowBatteryTest makes the battery watcher treat the battery as low
// on its next poll.
func (d *Driver) RequestLowBatteryTest() { d.lowBatteryTest.Store(true) }

// LowBatteryTestPending reports whether a low-battery test was requested.
func (d *Driver) LowBatteryTestPending() bool { return d.lowBatteryTest.Load() }

// ClearLowBatteryTest acknowledges a low-battery test.
func (d *Driver) ClearLowBatteryTest() { d.lowBatteryTest.Store(false) }

// Run executes queued commands until ctx is done. Commands still queued
// then resolve with ErrStopped.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("driver started", "serial", d.robot.Serial())
	defer func() {
		for {
			e, ok := d.queue.pop()
			if !ok {
				break
			}
			d.finish(e, Outcome{From: d.State(), To: d.State(), Err: ErrStopped})
		}
		d.log.Info("driver stopped")
	}()

	for {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, ok := d.Poll(ctx); !ok {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue.Signal():
		}
	}
}

// Poll runs at most one queued command to completion. It reports false if
// the queue was empty or another Poll is in progress.
func (d *Driver) Poll(ctx context.Context) (Outcome, bool) {
	if !d.polling.CompareAndSwap(false, true) {
		return Outcome{}, false
	}
	defer d.polling.Store(false)

	e, ok := d.take()
	if !ok {
		return Outcome{}, false
	}
	return d.run(ctx, e), true
}

// take pops the next command and marks it active in one step, so a
// ReturnHome racing with it always sees the command it has to undo.
func (d *Driver) take() (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.queue.pop()
	if ok {
		cmd := e.cmd
		d.active = &cmd
	}
	return e, ok
}

// run executes a taken command and resolves its ticket.
func (d *Driver) run(ctx context.Context, e *entry) Outcome {
	defer func() {
		d.mu.Lock()
		d.active = nil
		d.mu.Unlock()
	}()
	var o Outcome
	if e.intent == IntentReturn && d.State() == Home {
		// Already docked by an earlier return.
		o = Outcome{Command: e.cmd, From: Home, To: Home}
	} else {
		o = d.execute(ctx, e.cmd)
	}
	d.finish(e, o)
	return o
}

func (d *Driver) finish(e *entry, o Outcome) {
	if e.intent != 0 {
		d.mu.Lock()
		d.pending[e.intent]--
		if d.pending[e.intent] <= 0 {
			delete(d.pending, e.intent)
		}
		d.mu.Unlock()
	}
	e.finish(o)
}

func (d *Driver) execute(ctx context.Context, cmd Command) Outcome {
	start := time.Now()
	from := d.State()
	to := cmd.Target
	o := Outcome{Command: cmd, From: from, To: from}

	if !allowed(from, to) {
		o.Err = fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, from, to)
		d.log.Warn("transition rejected", "from", from, "to", to)
		d.publish(ctx, events.Event{Type: events.TransitionFailed, State: from.String(), Detail: to.String()})
		return o
	}
	var act Activity
	if to.IsActivity() {
		if act = d.activities[to]; act == nil {
			o.Err = fmt.Errorf("%w: %s", ErrNoActivity, to)
			d.log.Warn("transition rejected", "from", from, "to", to, "error", o.Err)
			return o
		}
	}

	d.log.Info("transition", "from", from, "to", to, "payload", cmd.Payload)

	switch {
	case from == Home:
		if o.Err = d.depart(ctx); o.Err == nil {
			o.To = Waypoint
		}

	case to == Home:
		res := d.docker.Dock(ctx)
		o.Docking = &res
		if res.Outcome == docking.Docked {
			o.To = Home
		} else {
			o.Err = fmt.Errorf("%w in %s", ErrDockingUnresolved, res.Phase)
			if res.Err != nil {
				o.Err = fmt.Errorf("%w: %w", o.Err, res.Err)
			}
		}
		d.publish(ctx, events.Event{Type: events.DockingResult, State: res.Outcome.String(), Detail: res.Phase.String()})

	case to.IsActivity():
		// The robot is in the activity for as long as it runs.
		d.mu.Lock()
		d.state = to
		d.mu.Unlock()
		d.publish(ctx, events.Event{Type: events.StateChanged, State: to.String()})
		o.To = to
		o.Err = d.runActivity(ctx, act, cmd.Payload)

	default:
		if o.Err = d.returnToWaypoint(ctx); o.Err == nil {
			o.To = Waypoint
		}
	}
	o.Elapsed = time.Since(start)

	d.mu.Lock()
	d.state = o.To
	d.mu.Unlock()

	if o.Err != nil {
		d.log.Warn("transition finished with error", "from", from, "to", o.To, "error", o.Err, "elapsed", o.Elapsed)
	} else {
		d.log.Info("transition done", "state", o.To, "elapsed", o.Elapsed)
	}
	if o.To != from && !to.IsActivity() {
		d.publish(ctx, events.Event{Type: events.StateChanged, State: o.To.String()})
	}
	return o
}

// depart drives off the charger to the waypoint and saves it.
func (d *Driver) depart(ctx context.Context) error {
	if err := d.robot.DriveOffChargerContacts(ctx); err != nil {
		return fmt.Errorf("drive off charger: %w", err)
	}
	if err := d.robot.DriveStraight(ctx, d.departDist, d.departSpd); err != nil {
		return fmt.Errorf("drive to waypoint: %w", err)
	}
	d.mu.Lock()
	d.waypoint = d.robot.Pose()
	d.hasWaypoint = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) returnToWaypoint(ctx context.Context) error {
	wp, ok := d.Waypoint()
	if !ok {
		return ErrNoWaypoint
	}
	if err := d.robot.GoToPose(ctx, wp); err != nil {
		return fmt.Errorf("return to waypoint: %w", err)
	}
	return nil
}

func (d *Driver) runActivity(ctx context.Context, act Activity, payload string) error {
	actx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.cancelled = d.pending[IntentReturn] > 0
	if d.cancelled {
		cancel()
	}
	d.mu.Unlock()

	err := act.Perform(actx, payload)

	d.mu.Lock()
	wasCancelled := d.cancelled
	d.cancel = nil
	d.cancelled = false
	d.mu.Unlock()
	cancel()

	if wasCancelled && ctx.Err() == nil && (err == nil || errors.Is(err, context.Canceled)) {
		d.log.Info("activity cancelled")
		return nil
	}
	return err
}

func (d *Driver) publish(ctx context.Context, ev events.Event) {
	ev.Robot = d.name
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.Debug("publish event failed", "type", ev.Type, "error", err)
	}
}

// Status is a point-in-time view of a driver for operators.
type Status struct {
	Name           string      `json:"name"`
	Serial         string      `json:"serial"`
	State          State       `json:"state"`
	Active         *Command    `json:"active,omitempty"`
	Queued         []Command   `json:"queued"`
	Pending        []string    `json:"pending_intents,omitempty"`
	Waypoint       *robot.Pose `json:"waypoint,omitempty"`
	BatteryVoltage float64     `json:"battery_voltage"`
	LowBatteryTest bool        `json:"low_battery_test"`
}

// Status returns a snapshot of the driver.
func (d *Driver) Status() Status {
	d.mu.Lock()
	s := Status{
		Name:   d.name,
		Serial: d.robot.Serial(),
		State:  d.state,
	}
	if d.active != nil {
		c := *d.active
		s.Active = &c
	}
	if d.hasWaypoint {
		wp := d.waypoint
		s.Waypoint = &wp
	}
	for _, in := range []Intent{IntentAdvance, IntentInteract, IntentReturn} {
		if d.pending[in] > 0 {
			s.Pending = append(s.Pending, in.String())
		}
	}
	d.mu.Unlock()

	s.Queued = d.queue.Commands()
	s.BatteryVoltage = d.robot.BatteryVoltage()
	s.LowBatteryTest = d.lowBatteryTest.Load()
	return s
}
