package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-cozmonaut/internal/log"
	"github.com/teslashibe/go-cozmonaut/pkg/convo"
	"github.com/teslashibe/go-cozmonaut/pkg/docking"
	"github.com/teslashibe/go-cozmonaut/pkg/driver"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/identity"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

type dockAlways struct{}

func (dockAlways) Dock(context.Context) docking.Result {
	return docking.Result{Phase: docking.PhaseVerify, Outcome: docking.Docked}
}

type fakeFleet struct {
	drivers []*driver.Driver

	mu    sync.Mutex
	swaps int
}

func (f *fakeFleet) Drivers() []*driver.Driver { return f.drivers }

func (f *fakeFleet) Driver(name string) (*driver.Driver, bool) {
	for _, d := range f.drivers {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

func (f *fakeFleet) Active() (string, bool) { return "A", true }

func (f *fakeFleet) Swap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps++
	return true
}

type fakeFriends []identity.Friend

func (f fakeFriends) List(context.Context) ([]identity.Friend, error) { return f, nil }

type fixture struct {
	srv     *Server
	fleet   *fakeFleet
	prompts *driver.Prompts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	greet := driver.ActivityFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return nil
	})
	fleet := &fakeFleet{}
	for _, name := range []string{"A", "B"} {
		d := driver.New(driver.Options{
			Name:       name,
			Robot:      robot.NewMock("serial-" + name),
			Docker:     dockAlways{},
			Activities: map[driver.State]driver.Activity{driver.Greet: greet},
			Logger:     log.Discard(),
		})
		go d.Run(ctx)
		fleet.drivers = append(fleet.drivers, d)
	}

	prompts := driver.NewPrompts(nil)
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := NewServer(Options{
		Addr:    "127.0.0.1:0",
		Fleet:   fleet,
		Prompts: prompts,
		Convos:  convo.NewLibrary(""),
		Friends: fakeFriends{
			{ID: 1, Name: "Ada", CreatedAt: seen.Add(-time.Hour), LastSeen: seen},
			{ID: 2, Name: "Grace", CreatedAt: seen},
		},
		Logger:      log.Discard(),
		WaitTimeout: 3 * time.Second,
	})
	return &fixture{srv: srv, fleet: fleet, prompts: prompts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestRobots(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/robots", "")
	require.Equal(t, http.StatusOK, code)

	var resp RobotsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "A", resp.Active)
	require.Len(t, resp.Robots, 2)
	assert.Equal(t, "serial-B", resp.Robots[1].Serial)
	assert.Equal(t, driver.Home, resp.Robots[0].State)

	code, body = f.do(t, http.MethodGet, "/api/robots/B", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"state":"home"`)

	code, body = f.do(t, http.MethodGet, "/api/robots/Z", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "unknown robot Z")
}

func TestCommands(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantTo   string
		wantErr  bool
	}{
		{"unknown target", "/api/robots/A/commands", `{"target":"moon"}`, http.StatusBadRequest, "", true},
		{"bad body", "/api/robots/A/commands", `{`, http.StatusBadRequest, "", true},
		{"rejected from home", "/api/robots/A/commands?wait=true", `{"target":"pong"}`, http.StatusConflict, "home", true},
		{"depart", "/api/robots/A/commands?wait=true", `{"target":"waypoint"}`, http.StatusOK, "waypoint", false},
		{"no such activity", "/api/robots/A/commands?wait=true", `{"target":"freeplay"}`, http.StatusConflict, "waypoint", true},
		{"dock", "/api/robots/A/commands?wait=true", `{"target":"home"}`, http.StatusOK, "home", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantCode, code, string(body))
			if tt.wantTo == "" {
				return
			}
			var resp CommandResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.True(t, resp.Done)
			assert.Equal(t, tt.wantTo, resp.To)
			assert.NotEmpty(t, resp.ID)
			assert.Equal(t, tt.wantErr, resp.Error != "")
		})
	}
}

func TestQueuedCommandIsAccepted(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/robots/B/commands", `{"target":"waypoint"}`)
	require.Equal(t, http.StatusAccepted, code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Done)
	assert.NotEmpty(t, resp.ID)

	d, _ := f.fleet.Driver("B")
	require.Eventually(t, func() bool { return d.State() == driver.Waypoint }, 3*time.Second, 5*time.Millisecond)
}

func TestAdvanceGreetHome(t *testing.T) {
	f := newFixture(t)
	d, _ := f.fleet.Driver("A")

	code, body := f.do(t, http.MethodPost, "/api/robots/A/advance?wait=true", "")
	require.Equal(t, http.StatusOK, code, string(body))

	code, _ = f.do(t, http.MethodPost, "/api/robots/A/commands", `{"target":"greet"}`)
	require.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool { return d.Status().Active != nil }, 3*time.Second, 5*time.Millisecond)

	code, body = f.do(t, http.MethodPost, "/api/robots/A/home?wait=true", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "home", resp.To)
	assert.Equal(t, "docked", resp.Docking)
	assert.Equal(t, driver.Home, d.State())
}

func TestCancelAndBatteryTest(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/robots/A/cancel", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cancelled":false}`, string(body))

	code, _ = f.do(t, http.MethodPost, "/api/robots/B/low-battery-test", "")
	require.Equal(t, http.StatusAccepted, code)
	d, _ := f.fleet.Driver("B")
	assert.True(t, d.LowBatteryTestPending())
}

func TestNamePrompt(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/robots/A/name", `{"name":"Ada"}`)
	assert.Equal(t, http.StatusNotFound, code, string(body))

	got := make(chan string, 1)
	go func() {
		name, _ := f.prompts.PromptName(context.Background(), "A")
		got <- name
	}()
	require.Eventually(t, func() bool { return len(f.prompts.Waiting()) == 1 }, time.Second, time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/api/prompts", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["A"]`, string(body))

	code, _ = f.do(t, http.MethodPost, "/api/robots/A/name", `{"name":"  Ada "}`)
	require.Equal(t, http.StatusNoContent, code)
	select {
	case name := <-got:
		assert.Equal(t, "Ada", name)
	case <-time.After(time.Second):
		t.Fatal("prompt not answered")
	}
}

func TestConvosFriendsSwap(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/convos", "")
	require.Equal(t, http.StatusOK, code)
	var names []string
	require.NoError(t, json.Unmarshal(body, &names))
	assert.Contains(t, names, "hello")

	code, body = f.do(t, http.MethodGet, "/api/friends", "")
	require.Equal(t, http.StatusOK, code)
	var friends []FriendResponse
	require.NoError(t, json.Unmarshal(body, &friends))
	require.Len(t, friends, 2)
	assert.Equal(t, "Ada", friends[0].Name)
	require.NotNil(t, friends[0].LastSeen)
	assert.Nil(t, friends[1].LastSeen)

	code, body = f.do(t, http.MethodPost, "/api/swap", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"swapped":true}`, string(body))
	assert.Equal(t, 1, f.fleet.swaps)
}

func TestStatusWebsocket(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- f.srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-served
	}()

	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		conn, _, err = gorilla.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/status", nil)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first statusMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Kind)
	assert.Len(t, first.Robots, 2)

	require.Eventually(t, func() bool { return f.srv.StatusClients() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, f.srv.Publish(context.Background(), events.Event{
		Type:  events.StateChanged,
		Robot: "B",
		State: "waypoint",
	}))

	var ev statusMessage
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "event", ev.Kind)
	require.NotNil(t, ev.Event)
	assert.Equal(t, "B", ev.Event.Robot)
	assert.False(t, ev.Event.Time.IsZero())

	var st statusMessage
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, "status", st.Kind)
	require.NotNil(t, st.Status)
	assert.Equal(t, "B", st.Status.Name)
}

func TestWebsocketRoutesNeedUpgrade(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/ws/status", "")
	assert.Equal(t, http.StatusUpgradeRequired, code)
}
