// Package docking returns a robot from its waypoint onto its charger.
//
// Docking runs a fixed sequence of phases. Vision gets the robot roughly
// in front of the charger; the accelerometer finishes the job, since the
// camera cannot see the charger once the robot has turned its back on it.
// Backing up, the robot first pitches as its rear wheels strike the
// charger lip, then levels out again once it is seated on the contacts.
package docking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

// Robot is the subset of robot.Controller docking needs.
type Robot interface {
	robot.Mover
	robot.Manipulator
	robot.ChargerContacts
	robot.Sensors
	robot.Perception
	robot.Behaviors
	robot.Expression
}

// Phase identifies a docking step.
type Phase int

const (
	PhaseOrient Phase = iota
	PhaseCoarse
	PhaseFind
	PhaseFine
	PhaseStaging
	PhaseStrike
	PhaseFlatten
	PhaseSeat
	PhaseVerify
	PhaseDone
)

var phaseNames = [...]string{
	PhaseOrient:  "orient",
	PhaseCoarse:  "coarse",
	PhaseFind:    "find",
	PhaseFine:    "fine",
	PhaseStaging: "staging",
	PhaseStrike:  "strike",
	PhaseFlatten: "flatten",
	PhaseSeat:    "seat",
	PhaseVerify:  "verify",
	PhaseDone:    "done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Outcome is the final docking state.
type Outcome int

const (
	// Unresolved means docking stopped short; the robot is still off its
	// charger (or its state is unknown) and needs help.
	Unresolved Outcome = iota
	// Docked means the robot reported charger contact.
	Docked
)

func (o Outcome) String() string {
	if o == Docked {
		return "docked"
	}
	return "unresolved"
}

// Result describes a docking run.
type Result struct {
	// Phase is the last phase entered.
	Phase    Phase
	Outcome  Outcome
	Err      error
	Residual Residual
}

// Config tunes docking. Distances are millimetres, speeds mm/s, angles
// radians.
type Config struct {
	PitchMargin float64

	CoarseStandoff float64
	CoarseRetries  int

	FineStandoff      float64
	FineSpeed         float64
	ObserveTimeout    time.Duration
	DistanceTolerance float64
	AngleTolerance    float64
	// FineRetries is the number of corrective passes when the residual is
	// out of tolerance. Zero only logs the residual.
	FineRetries int

	StagingTolerance float64
	LiftHeight       float64
	LiftSpeed        float64

	StrikeSpeed    float64
	FlattenSpeed   float64
	PollInterval   time.Duration
	StrikeTimeout  time.Duration
	FlattenTimeout time.Duration
	WallClimbPitch float64
	SettleDelay    time.Duration

	SeatDriveTime time.Duration
	SeatSettle    time.Duration

	FindTimeout time.Duration
	// MaxFindAttempts bounds the charger search. Zero retries forever.
	MaxFindAttempts int
	HelpPhrase      string
}

// DefaultConfig returns the tuned docking parameters.
func DefaultConfig() Config {
	return Config{
		PitchMargin: robot.Radians(1),

		CoarseStandoff: 80,
		CoarseRetries:  5,

		FineStandoff:      40,
		FineSpeed:         40,
		ObserveTimeout:    2 * time.Second,
		DistanceTolerance: 5,
		AngleTolerance:    robot.Radians(5),

		StagingTolerance: robot.Radians(2),
		LiftHeight:       0.5,
		LiftSpeed:        10,

		StrikeSpeed:    -60,
		FlattenSpeed:   -35,
		PollInterval:   50 * time.Millisecond,
		StrikeTimeout:  3 * time.Second,
		FlattenTimeout: 5 * time.Second,
		WallClimbPitch: robot.Radians(20),
		SettleDelay:    500 * time.Millisecond,

		SeatDriveTime: 3 * time.Second,
		SeatSettle:    time.Second,

		FindTimeout: 3 * time.Second,
		HelpPhrase:  "A little help?",
	}
}

// Controller docks one robot.
type Controller struct {
	robot Robot
	cfg   Config
	log   *slog.Logger
}

// New creates a docking controller.
func New(r Robot, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{robot: r, cfg: cfg, log: logger.With("component", "docking")}
}

// Dock runs every phase in order. It never panics; failures are reported
// in Result with Outcome Unresolved. Running Dock again after an
// unresolved result starts over from Orient.
func (c *Controller) Dock(ctx context.Context) Result {
	res := Result{}
	fail := func(phase Phase, err error) Result {
		res.Phase = phase
		res.Outcome = Unresolved
		res.Err = err
		c.log.Warn("docking unresolved", "phase", phase, "error", err)
		return res
	}
	enter := func(p Phase) {
		res.Phase = p
		c.log.Debug("docking phase", "phase", p)
	}
	r := c.robot

	enter(PhaseOrient)
	if err := r.TurnInPlace(ctx, math.Pi, 0); err != nil {
		return fail(PhaseOrient, err)
	}
	if err := r.SetHeadAngle(ctx, 0); err != nil {
		return fail(PhaseOrient, err)
	}

	// The accelerometer lives in the head, so the baseline has to be taken
	// with the head where it will be during strike and flatten.
	threshold := math.Abs(r.Pitch()) + c.cfg.PitchMargin

	enter(PhaseCoarse)
	if err := c.coarse(ctx); err != nil {
		return fail(PhaseCoarse, err)
	}

	enter(PhaseFind)
	if ch, ok := r.KnownCharger(); ok && ch.Pose.IsComparable(r.Pose()) {
		if err := r.InvalidateCharger(ctx); err != nil {
			return fail(PhaseFind, err)
		}
	}
	if _, err := c.FindCharger(ctx); err != nil {
		return fail(PhaseFind, err)
	}

	enter(PhaseFine)
	resid, err := c.fine(ctx)
	res.Residual = resid
	if err != nil {
		return fail(PhaseFine, err)
	}

	enter(PhaseStaging)
	if err := c.stage(ctx); err != nil {
		return fail(PhaseStaging, err)
	}

	enter(PhaseStrike)
	err = c.backUntil(ctx, c.cfg.StrikeSpeed, c.cfg.StrikeTimeout, ErrStrikeTimeout, func(p float64) (bool, error) {
		return p >= threshold, nil
	})
	if err != nil {
		return fail(PhaseStrike, err)
	}

	enter(PhaseFlatten)
	err = c.backUntil(ctx, c.cfg.FlattenSpeed, c.cfg.FlattenTimeout, ErrFlattenTimeout, func(p float64) (bool, error) {
		if p > c.cfg.WallClimbPitch {
			return false, ErrWallClimb
		}
		return p < threshold, nil
	})
	if err != nil {
		return fail(PhaseFlatten, err)
	}

	enter(PhaseSeat)
	if err := r.SetLiftHeight(ctx, 0, c.cfg.LiftSpeed); err != nil {
		return fail(PhaseSeat, err)
	}
	if err := r.BackupOntoCharger(ctx, c.cfg.SeatDriveTime); err != nil {
		return fail(PhaseSeat, err)
	}
	// Backing up can end before gravity drops the robot onto the contacts.
	if err := sleep(ctx, c.cfg.SeatSettle); err != nil {
		return fail(PhaseSeat, err)
	}

	enter(PhaseVerify)
	on, err := r.IsOnCharger(ctx)
	if err != nil {
		return fail(PhaseVerify, err)
	}
	if !on {
		return fail(PhaseVerify, ErrNotOnCharger)
	}
	if err := c.celebrate(ctx); err != nil {
		// Already docked once; a failed celebration is cosmetic.
		c.log.Warn("celebration failed", "error", err)
	}

	res.Phase = PhaseDone
	res.Outcome = Docked
	c.log.Info("docked", "residual_mm", resid.Distance, "residual_deg", robot.Degrees(resid.Angle))
	return res
}

// coarse drives to the standoff point of a known charger, searching for
// one first if needed.
func (c *Controller) coarse(ctx context.Context) error {
	r := c.robot
	ch, ok := r.KnownCharger()
	if !ok || !ch.Pose.IsComparable(r.Pose()) {
		var err error
		if ch, err = c.FindCharger(ctx); err != nil {
			return err
		}
	} else {
		c.log.Debug("charger pose already known")
	}
	return r.GoToObject(ctx, ch, c.cfg.CoarseStandoff, c.cfg.CoarseRetries)
}

// FindCharger looks around in place until a charger is observed, returning
// to the starting pose after every look. It retries forever unless
// MaxFindAttempts is set.
func (c *Controller) FindCharger(ctx context.Context) (robot.Charger, error) {
	r := c.robot
	for attempt := 1; ; attempt++ {
		if c.cfg.MaxFindAttempts > 0 && attempt > c.cfg.MaxFindAttempts {
			return robot.Charger{}, ErrChargerNotFound
		}
		c.log.Info("looking for charger", "attempt", attempt)

		before := r.Pose()
		stop, err := r.StartBehavior(ctx, robot.BehaviorLookAround)
		if err != nil {
			return robot.Charger{}, err
		}
		ch, seenErr := r.WaitForObservedCharger(ctx, c.cfg.FindTimeout, true)
		stop()

		if err := ctx.Err(); err != nil {
			return robot.Charger{}, err
		}
		if err := r.GoToPose(ctx, before); err != nil {
			return robot.Charger{}, err
		}
		if seenErr == nil {
			c.log.Info("charger found", "attempt", attempt)
			return ch, nil
		}
		if !errors.Is(seenErr, robot.ErrNotObserved) {
			c.log.Warn("charger wait failed", "error", seenErr)
		}

		if err := r.PlayAnimation(ctx, robot.AnimFrustrated); err != nil {
			return robot.Charger{}, err
		}
		if err := r.SayText(ctx, c.cfg.HelpPhrase); err != nil {
			return robot.Charger{}, err
		}
	}
}

// fine drives to a virtual point just in front of the charger and turns to
// face it, then checks the residual.
func (c *Controller) fine(ctx context.Context) (Residual, error) {
	r := c.robot
	var resid Residual

	for pass := 0; pass <= c.cfg.FineRetries; pass++ {
		ch, ok := r.KnownCharger()
		if !ok {
			return resid, ErrChargerNotFound
		}
		target := approachPoint(ch, c.cfg.FineStandoff)
		p := r.Pose()

		heading := math.Atan2(target.Y-p.Y, target.X-p.X)
		if err := r.TurnInPlace(ctx, WrapRadians(heading-p.Angle), 0); err != nil {
			return resid, err
		}
		if err := r.DriveStraight(ctx, p.DistanceTo(target), c.cfg.FineSpeed); err != nil {
			return resid, err
		}
		if err := r.TurnInPlace(ctx, WrapRadians(ch.Pose.Angle-heading), 0); err != nil {
			return resid, err
		}

		seen, err := r.WaitForObservedCharger(ctx, c.cfg.ObserveTimeout, true)
		switch {
		case err == nil:
			ch = seen
		case ctx.Err() != nil:
			return resid, ctx.Err()
		default:
			c.log.Warn("charger not seen, cannot verify alignment", "error", err)
		}

		resid = residual(r.Pose(), ch, c.cfg.FineStandoff, c.cfg.DistanceTolerance, c.cfg.AngleTolerance)
		if resid.Aligned {
			c.log.Debug("aligned", "pass", pass, "distance", resid.Distance)
			return resid, nil
		}
		c.log.Warn("alignment out of tolerance",
			"pass", pass,
			"distance_mm", resid.Distance,
			"angle_deg", robot.Degrees(resid.Angle))
	}
	return resid, nil
}

// stage turns the robot's back to the charger and clears the lift and head.
func (c *Controller) stage(ctx context.Context) error {
	r := c.robot
	if err := r.TurnInPlace(ctx, math.Pi, c.cfg.StagingTolerance); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var liftErr, headErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		liftErr = r.SetLiftHeight(ctx, c.cfg.LiftHeight, c.cfg.LiftSpeed)
	}()
	go func() {
		defer wg.Done()
		headErr = r.SetHeadAngle(ctx, 0)
	}()
	wg.Wait()
	return errors.Join(liftErr, headErr)
}

// backUntil drives backward at speed, polling pitch until done reports
// true or returns an error. The motors are always stopped afterwards and
// the robot given time to settle.
func (c *Controller) backUntil(ctx context.Context, speed float64, timeout time.Duration, timeoutErr error, done func(pitch float64) (bool, error)) error {
	r := c.robot
	if err := r.DriveWheels(ctx, speed, speed); err != nil {
		return err
	}

	err := c.pollPitch(ctx, timeout, timeoutErr, done)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := r.StopAllMotors(stopCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	if err != nil {
		return err
	}
	return sleep(ctx, c.cfg.SettleDelay)
}

func (c *Controller) pollPitch(ctx context.Context, timeout time.Duration, timeoutErr error, done func(float64) (bool, error)) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return timeoutErr
		case <-ticker.C:
			ok, err := done(math.Abs(c.robot.Pitch()))
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// celebrate drives off the contacts, plays the celebration and backs on
// again.
func (c *Controller) celebrate(ctx context.Context) error {
	r := c.robot
	if err := r.DriveOffChargerContacts(ctx); err != nil {
		return err
	}
	if err := r.PlayAnimation(ctx, robot.AnimCelebrate); err != nil {
		return err
	}
	return r.BackupOntoCharger(ctx, c.cfg.SeatDriveTime)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
