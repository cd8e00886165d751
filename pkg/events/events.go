// Package events publishes robot state changes and face sightings so that
// other processes (dashboards, loggers) can follow a run.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type names an event.
type Type string

const (
	StateChanged     Type = "state_changed"
	TransitionFailed Type = "transition_rejected"
	DockingResult    Type = "docking_result"
	FaceRecognized   Type = "face_recognized"
	FriendAdded      Type = "friend_added"
	BatteryLow       Type = "battery_low"
)

// Event is a single published occurrence.
type Event struct {
	Type   Type      `json:"type"`
	Robot  string    `json:"robot"`
	State  string    `json:"state,omitempty"`
	FaceID int       `json:"face_id,omitempty"`
	Name   string    `json:"name,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus is a Publisher whose subscribers can be attached after it has been
// handed out, so producers can be built before their consumers.
type Bus struct {
	mu   sync.RWMutex
	subs Multi
}

// Attach adds p to the bus.
func (b *Bus) Attach(p Publisher) {
	b.mu.Lock()
	b.subs = append(b.subs, p)
	b.mu.Unlock()
}

// Publish delivers ev to every attached publisher.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	return subs.Publish(ctx, ev)
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	rdb     *redis.Client
	channel string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts *redis.Options, channel string) (*Redis, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: connect redis %s: %w", opts.Addr, err)
	}
	return &Redis{rdb: rdb, channel: channel}, nil
}

// Publish stamps ev with the current time if unset and publishes it.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish on %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe returns a channel of events published on the same channel.
// The channel is closed when ctx is done.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("events: subscribe %s: %w", r.channel, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
