package driver

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-cozmonaut/internal/log"
	"github.com/teslashibe/go-cozmonaut/pkg/docking"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

var charger = robot.Charger{Pose: robot.Pose{X: 0, Y: 0, Angle: math.Pi}}

// dockableMock is a robot whose pitch rises during the strike drive and
// levels off during the flatten drive, as it does on a real charger ramp.
func dockableMock() *robot.Mock {
	m := robot.NewMock("e2e")
	m.SetKnownCharger(charger)
	m.SetVisibleCharger(&charger, 0)
	m.PitchFunc = func() float64 {
		left, _, since := m.Wheels()
		switch {
		case left == -60 && since > 20*time.Millisecond:
			return robot.Radians(8)
		case left == -35 && since < 20*time.Millisecond:
			return robot.Radians(8)
		}
		return 0
	}
	return m
}

func fastDocking(m *robot.Mock) *docking.Controller {
	cfg := docking.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.StrikeTimeout = 300 * time.Millisecond
	cfg.FlattenTimeout = 300 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.SeatSettle = time.Millisecond
	cfg.FindTimeout = time.Millisecond
	return docking.New(m, cfg, log.Discard())
}

func TestAdvanceGreetReturnHome(t *testing.T) {
	m := dockableMock()
	act := newBlockingActivity(false)
	d := newTestDriver(m, fastDocking(m), allActivities(act))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go d.Run(ctx)

	o, err := d.Advance().Wait(ctx)
	if err != nil || o.Err != nil || d.State() != Waypoint {
		t.Fatalf("advance: %v %+v", err, o)
	}
	if on, _ := m.IsOnCharger(ctx); on {
		t.Fatal("robot still on charger after advance")
	}

	d.Interact(Greet, "")
	<-act.started

	o, err = d.ReturnHome().Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if o.Err != nil || o.To != Home || d.State() != Home {
		t.Fatalf("return: %+v, state %v", o, d.State())
	}
	if o.Docking == nil || o.Docking.Outcome != docking.Docked {
		t.Errorf("docking = %+v", o.Docking)
	}
	if on, _ := m.IsOnCharger(ctx); !on {
		t.Error("robot not on charger after return")
	}
	if m.CallCount("GoToPose") < 1 {
		t.Error("robot did not return to its waypoint before docking")
	}
}

func TestReturnHomeUnresolved(t *testing.T) {
	m := dockableMock()
	m.DockSucceeds = false
	d := newTestDriver(m, fastDocking(m), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go d.Run(ctx)

	if _, err := d.Advance().Wait(ctx); err != nil {
		t.Fatal(err)
	}
	o, err := d.ReturnHome().Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(o.Err, ErrDockingUnresolved) || !errors.Is(o.Err, docking.ErrNotOnCharger) {
		t.Errorf("Err = %v", o.Err)
	}
	if d.State() != Waypoint {
		t.Errorf("state = %v, want waypoint", d.State())
	}
}
