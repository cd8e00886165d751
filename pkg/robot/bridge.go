package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-cozmonaut/internal/httpc"
)

// Bridge read deadline, reset on every event. The bridge emits status at
// least once a second, so silence this long means the link is gone.
const eventReadTimeout = 30 * time.Second

// Status is the robot state snapshot pushed by the bridge.
type Status struct {
	Pose           Pose    `json:"pose"`
	Pitch          float64 `json:"pitch"`
	BatteryVoltage float64 `json:"battery_voltage"`
	OnCharger      bool    `json:"on_charger"`
}

// Info describes a robot known to the bridge.
type Info struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
}

type bridgeEvent struct {
	Type    string      `json:"type"`
	Status  *Status     `json:"status,omitempty"`
	Charger *Charger    `json:"charger,omitempty"`
	Frame   *frameEvent `json:"frame,omitempty"`
}

type frameEvent struct {
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seq    uint64 `json:"seq"`
}

// Bridge implements Controller against the robot bridge daemon. Actions are
// HTTP POSTs that block until the robot completes them; state, charger
// observations and camera frames arrive on a WebSocket event stream.
type Bridge struct {
	base   string
	serial string
	client *http.Client
	log    *slog.Logger

	mu           sync.RWMutex
	status       Status
	charger      Charger
	chargerValid bool
	chargerSeen  chan struct{}
	mailboxes    map[int]*frameMailbox
	nextMailbox  int

	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Discover lists the robots connected to the bridge at base.
func Discover(ctx context.Context, base string) ([]Info, error) {
	var robots []Info
	if err := httpc.GetJSON(ctx, httpc.Client, base+"/robots", &robots); err != nil {
		return nil, fmt.Errorf("discover robots: %w", err)
	}
	return robots, nil
}

// Dial connects to the robot with the given serial. It returns ErrNotFound
// when the bridge does not know the serial.
func Dial(ctx context.Context, base, serial string, timeout time.Duration, logger *slog.Logger) (*Bridge, error) {
	robots, err := Discover(ctx, base)
	if err != nil {
		return nil, err
	}
	found := false
	for _, r := range robots {
		if r.Serial == serial {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: serial %s", ErrNotFound, serial)
	}

	b := &Bridge{
		base:        base,
		serial:      serial,
		client:      httpc.NewClient(timeout),
		log:         logger.With("serial", serial),
		chargerSeen: make(chan struct{}),
		mailboxes:   make(map[int]*frameMailbox),
		done:        make(chan struct{}),
	}

	if err := b.refresh(ctx); err != nil {
		return nil, err
	}

	wsURL, err := eventsURL(base, serial)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	b.ws, _, err = dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}

	go b.readEvents()
	return b, nil
}

func eventsURL(base, serial string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/robots/" + url.PathEscape(serial) + "/events"
	return u.String(), nil
}

// Close stops the event stream.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		for id, m := range b.mailboxes {
			m.stop()
			delete(b.mailboxes, id)
		}
		b.mu.Unlock()
		if b.ws != nil {
			err = b.ws.Close()
		}
	})
	return err
}

// Done is closed when the event stream ends.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) readEvents() {
	defer b.Close()

	for {
		b.ws.SetReadDeadline(time.Now().Add(eventReadTimeout))
		_, msg, err := b.ws.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.log.Warn("event stream ended", "error", err)
			}
			return
		}

		var ev bridgeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			b.log.Debug("bad event", "error", err)
			continue
		}
		b.handleEvent(ev)
	}
}

func (b *Bridge) handleEvent(ev bridgeEvent) {
	switch ev.Type {
	case "status":
		if ev.Status != nil {
			b.mu.Lock()
			b.status = *ev.Status
			b.mu.Unlock()
		}

	case "charger":
		if ev.Charger != nil {
			b.mu.Lock()
			b.charger = *ev.Charger
			b.chargerValid = true
			close(b.chargerSeen)
			b.chargerSeen = make(chan struct{})
			b.mu.Unlock()
		}

	case "frame":
		if ev.Frame == nil {
			return
		}
		f := Frame{
			Data:      ev.Frame.Data,
			Width:     ev.Frame.Width,
			Height:    ev.Frame.Height,
			Seq:       ev.Frame.Seq,
			Timestamp: time.Now(),
		}
		b.mu.RLock()
		for _, m := range b.mailboxes {
			m.offer(f)
		}
		b.mu.RUnlock()
	}
}

// refresh fetches a fresh status snapshot.
func (b *Bridge) refresh(ctx context.Context) error {
	var s Status
	if err := httpc.GetJSON(ctx, b.client, b.robotURL("/status"), &s); err != nil {
		return &ActionError{Serial: b.serial, Action: "status", Err: err}
	}
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
	return nil
}

func (b *Bridge) robotURL(suffix string) string {
	return b.base + "/robots/" + url.PathEscape(b.serial) + suffix
}

// action runs a named bridge action and returns the raw response body.
func (b *Bridge) action(ctx context.Context, name string, params any) ([]byte, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}
	if params == nil {
		params = struct{}{}
	}
	body, err := httpc.PostJSON(ctx, b.client, b.robotURL("/actions/"+name), params)
	if err != nil {
		return nil, &ActionError{Serial: b.serial, Action: name, Err: err}
	}
	return body, nil
}

func (b *Bridge) run(ctx context.Context, name string, params any) error {
	_, err := b.action(ctx, name, params)
	return err
}

// DriveStraight implements Mover.
func (b *Bridge) DriveStraight(ctx context.Context, distance, speed float64) error {
	return b.run(ctx, "drive_straight", map[string]float64{"distance_mm": distance, "speed_mmps": speed})
}

// TurnInPlace implements Mover.
func (b *Bridge) TurnInPlace(ctx context.Context, angle, tolerance float64) error {
	return b.run(ctx, "turn_in_place", map[string]float64{"angle": angle, "tolerance": tolerance})
}

// DriveWheels implements Mover.
func (b *Bridge) DriveWheels(ctx context.Context, left, right float64) error {
	return b.run(ctx, "drive_wheels", map[string]float64{"left_mmps": left, "right_mmps": right})
}

// StopAllMotors implements Mover.
func (b *Bridge) StopAllMotors(ctx context.Context) error {
	return b.run(ctx, "stop_all_motors", nil)
}

// GoToPose implements Mover.
func (b *Bridge) GoToPose(ctx context.Context, pose Pose) error {
	return b.run(ctx, "go_to_pose", pose)
}

// GoToObject implements Mover.
func (b *Bridge) GoToObject(ctx context.Context, charger Charger, standoff float64, retries int) error {
	return b.run(ctx, "go_to_charger", map[string]any{
		"charger":     charger,
		"standoff_mm": standoff,
		"retries":     retries,
	})
}

// SetHeadAngle implements Manipulator.
func (b *Bridge) SetHeadAngle(ctx context.Context, angle float64) error {
	return b.run(ctx, "set_head_angle", map[string]float64{"angle": angle})
}

// SetLiftHeight implements Manipulator.
func (b *Bridge) SetLiftHeight(ctx context.Context, height, maxSpeed float64) error {
	return b.run(ctx, "set_lift_height", map[string]float64{"height": height, "max_speed": maxSpeed})
}

// DriveOffChargerContacts implements ChargerContacts.
func (b *Bridge) DriveOffChargerContacts(ctx context.Context) error {
	return b.run(ctx, "drive_off_charger_contacts", nil)
}

// BackupOntoCharger implements ChargerContacts.
func (b *Bridge) BackupOntoCharger(ctx context.Context, maxDrive time.Duration) error {
	return b.run(ctx, "backup_onto_charger", map[string]float64{"max_drive_time": maxDrive.Seconds()})
}

// IsOnCharger implements ChargerContacts. It bypasses the cache.
func (b *Bridge) IsOnCharger(ctx context.Context) (bool, error) {
	if err := b.refresh(ctx); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.OnCharger, nil
}

// Serial implements Sensors.
func (b *Bridge) Serial() string { return b.serial }

// Pose implements Sensors.
func (b *Bridge) Pose() Pose {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Pose
}

// Pitch implements Sensors.
func (b *Bridge) Pitch() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Pitch
}

// BatteryVoltage implements Sensors.
func (b *Bridge) BatteryVoltage() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.BatteryVoltage
}

// KnownCharger implements Perception.
func (b *Bridge) KnownCharger() (Charger, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.charger, b.chargerValid
}

// InvalidateCharger implements Perception.
func (b *Bridge) InvalidateCharger(ctx context.Context) error {
	b.mu.Lock()
	b.chargerValid = false
	b.mu.Unlock()
	return b.run(ctx, "invalidate_charger", nil)
}

// WaitForObservedCharger implements Perception.
func (b *Bridge) WaitForObservedCharger(ctx context.Context, timeout time.Duration, includeExisting bool) (Charger, error) {
	b.mu.RLock()
	if includeExisting && b.chargerValid {
		c := b.charger
		b.mu.RUnlock()
		return c, nil
	}
	seen := b.chargerSeen
	b.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-seen:
		c, _ := b.KnownCharger()
		return c, nil
	case <-timer.C:
		return Charger{}, ErrNotObserved
	case <-b.done:
		return Charger{}, ErrClosed
	case <-ctx.Done():
		return Charger{}, ctx.Err()
	}
}

// StartBehavior implements Behaviors.
func (b *Bridge) StartBehavior(ctx context.Context, name string) (func(), error) {
	body, err := b.action(ctx, "start_behavior", map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ActionError{Serial: b.serial, Action: "start_behavior", Err: err}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.run(sctx, "stop_behavior", map[string]string{"id": resp.ID}); err != nil {
				b.log.Warn("stop behavior failed", "behavior", name, "error", err)
			}
		})
	}
	return stop, nil
}

// StartFreeplay implements Behaviors.
func (b *Bridge) StartFreeplay(ctx context.Context) error {
	return b.run(ctx, "start_freeplay", nil)
}

// StopFreeplay implements Behaviors.
func (b *Bridge) StopFreeplay(ctx context.Context) error {
	return b.run(ctx, "stop_freeplay", nil)
}

// PlayAnimation implements Expression.
func (b *Bridge) PlayAnimation(ctx context.Context, trigger string) error {
	return b.run(ctx, "play_animation", map[string]string{"trigger": trigger})
}

// SayText implements Expression.
func (b *Bridge) SayText(ctx context.Context, text string) error {
	return b.run(ctx, "say_text", map[string]string{"text": text})
}

// DisplayFaceImage implements Expression. The image travels PNG-encoded.
func (b *Bridge) DisplayFaceImage(ctx context.Context, img image.Image, d time.Duration) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode face image: %w", err)
	}
	return b.run(ctx, "display_face_image", map[string]any{
		"image":    buf.Bytes(),
		"duration": d.Seconds(),
	})
}

// SubscribeFrames implements Camera. Each subscriber runs on its own
// goroutine and keeps only the newest undelivered frame, so a slow handler
// never holds up status or charger events.
func (b *Bridge) SubscribeFrames(fn func(Frame)) func() {
	m := newFrameMailbox(fn)
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		m.stop()
		return func() {}
	default:
	}
	id := b.nextMailbox
	b.nextMailbox++
	b.mailboxes[id] = m
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.mailboxes, id)
		b.mu.Unlock()
		m.stop()
	}
}
