// Package governor decides which robot is out and what it does.
//
// At most one robot is active at a time. A turn sends the robot that was
// not out last to its waypoint, runs activities there, and brings it home
// again when the turn ends, its battery runs low, an operator swaps, or the
// governor is stopped. A battery watcher per robot recalls any robot that
// is away from its charger with a low battery, including in manual mode
// where no turns are taken.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-cozmonaut/internal/config"
	"github.com/teslashibe/go-cozmonaut/pkg/debug"
	"github.com/teslashibe/go-cozmonaut/pkg/driver"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
)

// cancelRetry is how often a cancel is repeated until the activity stops.
const cancelRetry = 50 * time.Millisecond

// ErrRunning is returned by Run when the governor is already running.
var ErrRunning = errors.New("governor: already running")

// Config tunes the governor.
type Config struct {
	// Manual disables turns. Robots only move on operator commands.
	Manual bool

	// Choreographed draws activities from Choices. Otherwise the active
	// robot only greets.
	Choreographed bool
	Choices       []Choice

	BatteryThreshold float64
	BatteryPoll      time.Duration

	// FreeplayCeiling bounds freeplay, DrawInterval bounds greeting.
	// Conversations and pong run to completion.
	FreeplayCeiling time.Duration
	DrawInterval    time.Duration

	// TurnLength ends a turn after this long. Zero means turns end only
	// on low battery, swap or stop.
	TurnLength time.Duration

	// ShutdownTimeout bounds how long a stop waits for robots to dock.
	ShutdownTimeout time.Duration

	Rand *rand.Rand
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		Choreographed: true,
		Choices: []Choice{
			{Activity: driver.Greet, Weight: 5},
			{Activity: driver.Convo, Weight: 1},
			{Activity: driver.Pong, Weight: 1},
			{Activity: driver.Freeplay, Weight: 1},
		},
		BatteryThreshold: 3.5,
		BatteryPoll:      3 * time.Second,
		FreeplayCeiling:  20 * time.Second,
		DrawInterval:     15 * time.Second,
		ShutdownTimeout:  2 * time.Minute,
	}
}

// FromConfig builds a Config from the governor file section.
func FromConfig(gc config.GovernorConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.Manual = gc.Manual
	cfg.Choreographed = gc.Choreographed
	if gc.BatteryThreshold > 0 {
		cfg.BatteryThreshold = gc.BatteryThreshold
	}
	if gc.BatteryPoll > 0 {
		cfg.BatteryPoll = gc.BatteryPoll
	}
	if gc.FreeplayCeiling > 0 {
		cfg.FreeplayCeiling = gc.FreeplayCeiling
	}
	if gc.DrawInterval > 0 {
		cfg.DrawInterval = gc.DrawInterval
	}
	cfg.TurnLength = gc.TurnLength
	if len(gc.Weights) > 0 {
		choices, err := ChoicesFromWeights(gc.Weights)
		if err != nil {
			return Config{}, err
		}
		cfg.Choices = choices
	}
	return cfg, nil
}

// ConvoLister names the conversations available to draw from.
type ConvoLister interface {
	List() ([]string, error)
}

// turn is one robot's time away from the charger.
type turn struct {
	idx    int
	end    chan struct{}
	once   sync.Once
	reason string
	done   chan struct{}
}

func newTurn(idx int) *turn {
	return &turn{idx: idx, end: make(chan struct{}), done: make(chan struct{})}
}

// finish asks the turn to end. The first reason wins.
func (t *turn) finish(reason string) {
	t.once.Do(func() {
		t.reason = reason
		close(t.end)
	})
}

func (t *turn) why() string {
	if !t.ending() {
		return ""
	}
	return t.reason
}

func (t *turn) ending() bool {
	select {
	case <-t.end:
		return true
	default:
		return false
	}
}

// Governor schedules turns between robots.
type Governor struct {
	cfg     Config
	drivers []*driver.Driver
	convos  ConvoLister
	pub     events.Publisher
	log     *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	stopping chan struct{}

	mu         sync.Mutex
	current    *turn
	lastActive int
	turns      int
}

// New returns a governor over drivers. convos may be nil, in which case
// conversations are never drawn.
func New(cfg Config, drivers []*driver.Driver, convos ConvoLister, pub events.Publisher, logger *slog.Logger) (*Governor, error) {
	if len(drivers) == 0 {
		return nil, ErrNoRobots
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.BatteryPoll <= 0 {
		return nil, fmt.Errorf("governor: battery poll must be positive, got %s", cfg.BatteryPoll)
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x636f7a6d6f))
	}
	return &Governor{
		cfg:        cfg,
		drivers:    drivers,
		convos:     convos,
		pub:        pub,
		log:        logger.With("component", "governor"),
		rng:        rng,
		stop:       make(chan struct{}),
		stopping:   make(chan struct{}),
		lastActive: -1,
	}, nil
}

// Drivers returns the governed drivers in slot order.
func (g *Governor) Drivers() []*driver.Driver { return g.drivers }

// Driver returns the driver for a slot name.
func (g *Governor) Driver(name string) (*driver.Driver, bool) {
	for _, d := range g.drivers {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Active returns the name of the robot whose turn it is.
func (g *Governor) Active() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return "", false
	}
	return g.drivers[g.current.idx].Name(), true
}

// Turns returns how many turns have finished.
func (g *Governor) Turns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turns
}

// Swap ends the current turn so the other robot goes out next. It reports
// whether a turn was in progress.
func (g *Governor) Swap() bool {
	g.mu.Lock()
	t := g.current
	g.mu.Unlock()
	if t == nil {
		return false
	}
	g.log.Info("swap requested", "robot", g.drivers[t.idx].Name())
	t.finish("swap")
	g.drivers[t.idx].Cancel()
	return true
}

// Stop asks Run to bring the robots home and return.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Stopping reports whether a stop is under way.
func (g *Governor) Stopping() bool {
	select {
	case <-g.stopping:
		return true
	default:
		return false
	}
}

// Run drives the robots until ctx is done or Stop is called. On stop the
// active robot is brought home before the drivers are shut down.
func (g *Governor) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	// Robots must be able to dock after ctx is cancelled, so the drivers
	// run on a context only the watchdog cancels.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	var wg sync.WaitGroup
	for i, d := range g.drivers {
		wg.Go(func() { _ = d.Run(runCtx) })
		wg.Go(func() { g.watchBattery(runCtx, i, d) })
	}

	governed := make(chan struct{})
	wg.Go(func() { g.watchdog(ctx, governed, cancelRun) })

	g.log.Info("governor started", "robots", len(g.drivers), "manual", g.cfg.Manual, "choreographed", g.cfg.Choreographed)
	if g.cfg.Manual {
		<-g.stopping
	} else {
		g.choreograph(runCtx)
	}
	g.recallAll(runCtx)
	close(governed)

	wg.Wait()
	g.log.Info("governor stopped")
	return nil
}

// watchdog turns an external stop into an orderly shutdown: it flags
// stopping, waits for the robots to come home, then cancels everything.
func (g *Governor) watchdog(ctx context.Context, governed <-chan struct{}, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-g.stop:
	}
	g.log.Info("stop requested")
	close(g.stopping)
	g.mu.Lock()
	if t := g.current; t != nil {
		t.finish("stop")
	}
	g.mu.Unlock()

	var timeout <-chan time.Time
	if g.cfg.ShutdownTimeout > 0 {
		tm := time.NewTimer(g.cfg.ShutdownTimeout)
		defer tm.Stop()
		timeout = tm.C
	}
	select {
	case <-governed:
	case <-timeout:
		g.log.Warn("robots did not return home in time", "timeout", g.cfg.ShutdownTimeout)
	}
	cancel()
}

func (g *Governor) choreograph(ctx context.Context) {
	for !g.Stopping() && ctx.Err() == nil {
		idx, ok := g.next()
		if !ok {
			g.log.Info("no robot has enough battery, waiting")
			g.sleep(ctx, g.cfg.BatteryPoll)
			continue
		}
		g.takeTurn(ctx, idx)
	}
}

// next picks the robot that was not out last, falling back to any robot
// with a good battery.
func (g *Governor) next() (int, bool) {
	g.mu.Lock()
	last := g.lastActive
	g.mu.Unlock()
	n := len(g.drivers)
	for k := 1; k <= n; k++ {
		idx := (last + k) % n
		if last < 0 {
			idx = k - 1
		}
		if g.batteryGood(g.drivers[idx]) {
			return idx, true
		}
	}
	return 0, false
}

// batteryGood reports whether d may be sent out. A robot sitting exactly
// at the threshold stays home.
func (g *Governor) batteryGood(d *driver.Driver) bool {
	return d.Robot().BatteryVoltage() > g.cfg.BatteryThreshold
}

func (g *Governor) takeTurn(ctx context.Context, idx int) {
	d := g.drivers[idx]
	log := g.log.With("robot", d.Name())
	t := newTurn(idx)

	g.mu.Lock()
	if g.Stopping() {
		g.mu.Unlock()
		return
	}
	g.current = t
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.current = nil
		g.lastActive = idx
		g.turns++
		g.mu.Unlock()
		close(t.done)
	}()

	log.Info("turn started")
	if g.cfg.TurnLength > 0 {
		tm := time.AfterFunc(g.cfg.TurnLength, func() { t.finish("turn over") })
		defer tm.Stop()
	}

	out, err := d.Advance().Wait(ctx)
	switch {
	case err != nil:
		log.Warn("advance interrupted", "error", err)
		return
	case out.Err != nil:
		log.Warn("advance failed", "error", out.Err)
		g.returnHome(ctx, d, log)
		g.sleep(ctx, g.cfg.BatteryPoll)
		return
	}
	for !t.ending() && ctx.Err() == nil {
		g.step(ctx, t, d, log)
	}

	log.Info("turn ending", "reason", t.why())
	g.returnHome(ctx, d, log)
}

// step runs one drawn activity and brings the robot back to its waypoint.
func (g *Governor) step(ctx context.Context, t *turn, d *driver.Driver, log *slog.Logger) {
	act, payload := g.pick(log)
	var limit time.Duration
	switch act {
	case driver.Greet:
		limit = g.cfg.DrawInterval
	case driver.Freeplay:
		limit = g.cfg.FreeplayCeiling
	}

	log.Info("starting activity", "activity", act, "payload", payload)
	ticket := d.Interact(act, payload)

	var ceiling <-chan time.Time
	if limit > 0 {
		tm := time.NewTimer(limit)
		defer tm.Stop()
		ceiling = tm.C
	}

	var out driver.Outcome
	var err error
	select {
	case o, ok := <-ticket:
		out = o
		if !ok {
			err = driver.ErrStopped
		}
	case <-ceiling:
		log.Info("activity time is up", "activity", act)
		out, err = cancelAndWait(ctx, d, ticket)
	case <-t.end:
		out, err = cancelAndWait(ctx, d, ticket)
	case <-ctx.Done():
		return
	}
	if err != nil {
		log.Warn("activity interrupted", "activity", act, "error", err)
		return
	}
	if out.Err != nil {
		log.Warn("activity failed", "activity", act, "error", out.Err)
		if errors.Is(out.Err, driver.ErrNoActivity) || errors.Is(out.Err, driver.ErrTransitionRejected) {
			t.finish("activity rejected")
			return
		}
	}

	if t.ending() || !d.State().IsActivity() {
		return
	}
	out, err = d.Enqueue(driver.NewCommand(driver.Waypoint, "")).Wait(ctx)
	if err == nil && out.Err != nil {
		err = out.Err
	}
	if err != nil {
		log.Warn("return to waypoint failed", "error", err)
		t.finish("waypoint failed")
	}
}

// pick draws the next activity and its payload.
func (g *Governor) pick(log *slog.Logger) (driver.State, string) {
	if !g.cfg.Choreographed {
		return driver.Greet, ""
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	act := draw(g.cfg.Choices, g.rng)
	debug.Log("activity drawn", "activity", act)
	if act != driver.Convo {
		return act, ""
	}
	if g.convos == nil {
		return driver.Greet, ""
	}
	names, err := g.convos.List()
	if err != nil || len(names) == 0 {
		log.Warn("no conversations to choose from", "error", err)
		return driver.Greet, ""
	}
	return driver.Convo, names[g.rng.IntN(len(names))]
}

func (g *Governor) returnHome(ctx context.Context, d *driver.Driver, log *slog.Logger) {
	out, err := d.ReturnHome().Wait(ctx)
	switch {
	case err != nil:
		log.Warn("return home interrupted", "error", err)
	case out.Err != nil:
		log.Warn("robot did not make it home", "state", d.State(), "error", out.Err)
	default:
		log.Info("robot home")
	}
}

// recallAll brings home every robot that is still away.
func (g *Governor) recallAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range g.drivers {
		if !d.Away() {
			continue
		}
		wg.Go(func() { g.returnHome(ctx, d, g.log.With("robot", d.Name())) })
	}
	wg.Wait()
}

// watchBattery recalls robot idx whenever it is away with a low battery
// or a pending low-battery test.
func (g *Governor) watchBattery(ctx context.Context, idx int, d *driver.Driver) {
	log := g.log.With("robot", d.Name())
	tk := time.NewTicker(g.cfg.BatteryPoll)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		if !d.Away() {
			continue
		}
		volts := d.Robot().BatteryVoltage()
		test := d.LowBatteryTestPending()
		if volts >= g.cfg.BatteryThreshold && !test {
			continue
		}

		log.Warn("battery low, recalling robot", "voltage", volts, "threshold", g.cfg.BatteryThreshold, "test", test)
		g.publish(ctx, events.Event{
			Type:   events.BatteryLow,
			Robot:  d.Name(),
			State:  d.State().String(),
			Detail: fmt.Sprintf("%.2fV", volts),
		})
		g.recall(ctx, idx, d, log)
		d.ClearLowBatteryTest()
	}
}

// recall ends the robot's turn if it has one, otherwise sends it home
// directly, and waits until it is back.
func (g *Governor) recall(ctx context.Context, idx int, d *driver.Driver, log *slog.Logger) {
	g.mu.Lock()
	t := g.current
	g.mu.Unlock()
	if t != nil && t.idx == idx {
		t.finish("battery low")
		d.Cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
		}
		return
	}
	g.returnHome(ctx, d, log)
}

func (g *Governor) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := g.pub.Publish(ctx, ev); err != nil {
		g.log.Debug("publish event failed", "type", ev.Type, "error", err)
	}
}

// sleep waits for d, a stop, or ctx.
func (g *Governor) sleep(ctx context.Context, d time.Duration) {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
	case <-g.stopping:
	case <-ctx.Done():
	}
}

// cancelAndWait cancels the activity behind ticket until it resolves. The
// activity may not have started yet, so the cancel is repeated.
func cancelAndWait(ctx context.Context, d *driver.Driver, ticket driver.Ticket) (driver.Outcome, error) {
	tk := time.NewTicker(cancelRetry)
	defer tk.Stop()
	for {
		d.Cancel()
		select {
		case o, ok := <-ticket:
			if !ok {
				return driver.Outcome{}, driver.ErrStopped
			}
			return o, nil
		case <-tk.C:
		case <-ctx.Done():
			return driver.Outcome{}, ctx.Err()
		}
	}
}
