package governor

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-cozmonaut/internal/config"
	"github.com/teslashibe/go-cozmonaut/internal/log"
	"github.com/teslashibe/go-cozmonaut/pkg/docking"
	"github.com/teslashibe/go-cozmonaut/pkg/driver"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

const waitFor = 3 * time.Second

type countingDocker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingDocker) Dock(ctx context.Context) docking.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return docking.Result{Phase: docking.PhaseVerify, Outcome: docking.Docked}
}

func (c *countingDocker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// journal records which robot started an activity and how it ended.
type journal struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
}

func (j *journal) add(list *[]string, name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	*list = append(*list, name)
}

func (j *journal) Started() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.started)
}

func (j *journal) Cancelled() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.cancelled)
}

// blocking returns an activity that runs until cancelled.
func (j *journal) blocking(name string) driver.Activity {
	return driver.ActivityFunc(func(ctx context.Context, _ string) error {
		j.add(&j.started, name)
		<-ctx.Done()
		j.add(&j.cancelled, name)
		return nil
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type rig struct {
	mocks   []*robot.Mock
	dockers []*countingDocker
	drivers []*driver.Driver
	journal *journal
}

func newRig(names ...string) *rig {
	r := &rig{journal: &journal{}}
	for _, name := range names {
		m := robot.NewMock("serial-" + name)
		dk := &countingDocker{}
		act := r.journal.blocking(name)
		r.mocks = append(r.mocks, m)
		r.dockers = append(r.dockers, dk)
		r.drivers = append(r.drivers, driver.New(driver.Options{
			Name:   name,
			Robot:  m,
			Docker: dk,
			Activities: map[driver.State]driver.Activity{
				driver.Greet:    act,
				driver.Convo:    act,
				driver.Pong:     act,
				driver.Freeplay: act,
			},
			Logger: log.Discard(),
		}))
	}
	return r
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Choreographed = false
	cfg.BatteryPoll = 10 * time.Millisecond
	cfg.DrawInterval = time.Hour
	cfg.TurnLength = 0
	cfg.ShutdownTimeout = waitFor
	cfg.Rand = rand.New(rand.NewPCG(1, 2))
	return cfg
}

// start runs g and returns a function that stops it and waits for Run.
func start(t *testing.T, g *Governor) (stop func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	return func() {
		t.Helper()
		g.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * waitFor):
			t.Fatal("governor did not stop")
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"both", Both, false},
		{"", Both, false},
		{"just_a", JustA, false},
		{"b", JustB, false},
		{"all", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssign(t *testing.T) {
	available := []string{"45a18821", "0dd1cdcf"}
	tests := []struct {
		name    string
		mode    Mode
		a, b    string
		want    map[string]string
		wantErr bool
	}{
		{"both present", Both, "45a18821", "0dd1cdcf", map[string]string{"A": "45a18821", "B": "0dd1cdcf"}, false},
		{"only a needed", JustA, "45a18821", "missing", map[string]string{"A": "45a18821"}, false},
		{"only b needed", JustB, "missing", "0dd1cdcf", map[string]string{"B": "0dd1cdcf"}, false},
		{"b missing", Both, "45a18821", "ffffffff", nil, true},
		{"a missing alone", JustA, "ffffffff", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Assign(tt.mode, tt.a, tt.b, available)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRobotMissing)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChoicesFromWeights(t *testing.T) {
	got, err := ChoicesFromWeights(map[string]int{"freeplay": 2, "greet": 3, "pong": 0})
	require.NoError(t, err)
	assert.Equal(t, []Choice{{driver.Greet, 3}, {driver.Freeplay, 2}}, got)

	_, err = ChoicesFromWeights(map[string]int{"waypoint": 1})
	assert.ErrorIs(t, err, ErrUnknownActivity)
	_, err = ChoicesFromWeights(map[string]int{"dance": 1})
	assert.ErrorIs(t, err, ErrUnknownActivity)
}

func TestDraw(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	assert.Equal(t, driver.Greet, draw(nil, rng))
	assert.Equal(t, driver.Pong, draw([]Choice{{driver.Pong, 1}}, rng))

	counts := map[driver.State]int{}
	choices := []Choice{{driver.Greet, 3}, {driver.Freeplay, 1}}
	for range 4000 {
		counts[draw(choices, rng)]++
	}
	assert.InDelta(t, 3000, counts[driver.Greet], 150)
	assert.InDelta(t, 1000, counts[driver.Freeplay], 150)
	assert.Zero(t, counts[driver.Convo])
}

type fixedConvos []string

func (f fixedConvos) List() ([]string, error) { return f, nil }

func TestPickConversation(t *testing.T) {
	cfg := testConfig()
	cfg.Choreographed = true
	cfg.Choices = []Choice{{driver.Convo, 1}}

	g, err := New(cfg, newRig("A").drivers, fixedConvos{"hello"}, nil, log.Discard())
	require.NoError(t, err)
	act, payload := g.pick(g.log)
	assert.Equal(t, driver.Convo, act)
	assert.Equal(t, "hello", payload)

	g, err = New(cfg, newRig("A").drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	act, payload = g.pick(g.log)
	assert.Equal(t, driver.Greet, act)
	assert.Empty(t, payload)
}

func TestFromConfig(t *testing.T) {
	gc := config.Default().Governor
	gc.Manual = true
	gc.TurnLength = time.Minute
	gc.Weights = map[string]int{"pong": 1}
	cfg, err := FromConfig(gc)
	require.NoError(t, err)
	assert.True(t, cfg.Manual)
	assert.Equal(t, time.Minute, cfg.TurnLength)
	assert.Equal(t, []Choice{{driver.Pong, 1}}, cfg.Choices)

	gc.Weights = map[string]int{"nap": 1}
	_, err = FromConfig(gc)
	assert.ErrorIs(t, err, ErrUnknownActivity)
}

func TestBatteryGoodAboveThresholdOnly(t *testing.T) {
	r := newRig("A")
	g, err := New(testConfig(), r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)

	assert.Zero(t, DefaultConfig().TurnLength)

	r.mocks[0].SetBatteryVoltage(3.5)
	assert.False(t, g.batteryGood(r.drivers[0]), "exactly at threshold")
	_, ok := g.next()
	assert.False(t, ok)

	r.mocks[0].SetBatteryVoltage(3.51)
	assert.True(t, g.batteryGood(r.drivers[0]))
	idx, ok := g.next()
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestNewWithoutRobots(t *testing.T) {
	_, err := New(testConfig(), nil, nil, nil, log.Discard())
	assert.ErrorIs(t, err, ErrNoRobots)
}

func TestBatteryPreemption(t *testing.T) {
	r := newRig("A")
	pub := &recordingPublisher{}
	g, err := New(testConfig(), r.drivers, nil, pub, log.Discard())
	require.NoError(t, err)
	stop := start(t, g)

	require.Eventually(t, func() bool { return len(r.journal.Started()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, driver.Greet, r.drivers[0].State())

	r.mocks[0].SetBatteryVoltage(3.2)

	require.Eventually(t, func() bool {
		return !r.drivers[0].Away() && r.dockers[0].Calls() == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, r.journal.Cancelled())
	assert.Equal(t, driver.Home, r.drivers[0].State())
	assert.Contains(t, pub.Types(), events.BatteryLow)

	// A robot with a flat battery is not sent out again.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.journal.Started(), 1)
	_, active := g.Active()
	assert.False(t, active)

	stop()
}

func TestLowBatteryTest(t *testing.T) {
	r := newRig("A")
	g, err := New(testConfig(), r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	stop := start(t, g)
	defer stop()

	require.Eventually(t, func() bool { return len(r.journal.Started()) == 1 }, waitFor, 5*time.Millisecond)
	r.drivers[0].RequestLowBatteryTest()

	require.Eventually(t, func() bool { return g.Turns() >= 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.drivers[0].LowBatteryTestPending() }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.dockers[0].Calls(), 1)

	// The battery is fine, so the only robot goes out again.
	require.Eventually(t, func() bool { return len(r.journal.Started()) >= 2 }, waitFor, 5*time.Millisecond)
}

func TestTurnsAlternate(t *testing.T) {
	r := newRig("A", "B")
	cfg := testConfig()
	cfg.TurnLength = 40 * time.Millisecond
	g, err := New(cfg, r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	stop := start(t, g)

	require.Eventually(t, func() bool { return g.Turns() >= 4 }, waitFor, 5*time.Millisecond)
	stop()

	order := slices.Compact(r.journal.Started())
	require.GreaterOrEqual(t, len(order), 4)
	assert.Equal(t, []string{"A", "B", "A", "B"}, order[:4])
	for i, d := range r.drivers {
		assert.Equal(t, driver.Home, d.State(), "robot %s", d.Name())
		assert.GreaterOrEqual(t, r.dockers[i].Calls(), 2)
	}
}

func TestTurnSkipsFlatRobot(t *testing.T) {
	r := newRig("A", "B")
	r.mocks[1].SetBatteryVoltage(3.0)
	cfg := testConfig()
	cfg.TurnLength = 30 * time.Millisecond
	g, err := New(cfg, r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	stop := start(t, g)

	require.Eventually(t, func() bool { return g.Turns() >= 2 }, waitFor, 5*time.Millisecond)
	stop()

	assert.NotContains(t, r.journal.Started(), "B")
	assert.Zero(t, r.dockers[1].Calls())
}

func TestSwap(t *testing.T) {
	r := newRig("A", "B")
	g, err := New(testConfig(), r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	assert.False(t, g.Swap())
	stop := start(t, g)

	require.Eventually(t, func() bool { return slices.Contains(r.journal.Started(), "A") }, waitFor, 5*time.Millisecond)
	name, ok := g.Active()
	require.True(t, ok)
	assert.Equal(t, "A", name)

	assert.True(t, g.Swap())
	require.Eventually(t, func() bool { return slices.Contains(r.journal.Started(), "B") }, waitFor, 5*time.Millisecond)
	assert.Equal(t, driver.Home, r.drivers[0].State())
	stop()
}

func TestContextCancelBringsRobotHome(t *testing.T) {
	r := newRig("A")
	g, err := New(testConfig(), r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.journal.Started()) == 1 }, waitFor, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * waitFor):
		t.Fatal("governor did not stop")
	}
	assert.True(t, g.Stopping())
	assert.Equal(t, driver.Home, r.drivers[0].State())
	assert.Equal(t, 1, r.dockers[0].Calls())
	assert.Equal(t, []string{"A"}, r.journal.Cancelled())

	assert.ErrorIs(t, g.Run(context.Background()), ErrRunning)
}

func TestManualModeRecallsRobot(t *testing.T) {
	r := newRig("A", "B")
	cfg := testConfig()
	cfg.Manual = true
	g, err := New(cfg, r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	stop := start(t, g)
	defer stop()

	// Nothing moves on its own.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.journal.Started())

	b, ok := g.Driver("B")
	require.True(t, ok)
	out, err := b.Advance().Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, out.Err)
	b.Interact(driver.Freeplay, "")
	require.Eventually(t, func() bool { return len(r.journal.Started()) == 1 }, waitFor, 5*time.Millisecond)

	b.RequestLowBatteryTest()
	require.Eventually(t, func() bool {
		return b.State() == driver.Home && !b.LowBatteryTestPending()
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"B"}, r.journal.Cancelled())
	assert.Equal(t, 1, r.dockers[1].Calls())
	assert.Zero(t, r.dockers[0].Calls())
}

func TestStopWhileIdleHome(t *testing.T) {
	r := newRig("A")
	for _, m := range r.mocks {
		m.SetBatteryVoltage(3.0)
	}
	g, err := New(testConfig(), r.drivers, nil, nil, log.Discard())
	require.NoError(t, err)
	stop := start(t, g)
	time.Sleep(30 * time.Millisecond)
	stop()
	assert.Zero(t, r.dockers[0].Calls())
}
