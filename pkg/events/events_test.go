package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := NewRedis(ctx, &redis.Options{Addr: mr.Addr()}, "cozmonaut:test")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, Event{Type: FaceRecognized, Robot: "A", FaceID: 3, Name: "Ada"}))

	select {
	case ev := <-sub:
		assert.Equal(t, FaceRecognized, ev.Type)
		assert.Equal(t, "A", ev.Robot)
		assert.Equal(t, 3, ev.FaceID)
		assert.Equal(t, "Ada", ev.Name)
		assert.False(t, ev.Time.IsZero())
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, &redis.Options{Addr: addr}, "x")
	assert.Error(t, err)
}

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("boom")}

	err := Multi{a, Nop{}, b}.Publish(context.Background(), Event{Type: StateChanged})
	assert.EqualError(t, err, "boom")
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestBusLateAttach(t *testing.T) {
	var bus Bus
	require.NoError(t, bus.Publish(context.Background(), Event{Type: BatteryLow}))

	a := &recorder{}
	bus.Attach(a)
	require.NoError(t, bus.Publish(context.Background(), Event{Type: DockingResult, Robot: "B"}))
	require.Len(t, a.got, 1)
	assert.Equal(t, "B", a.got[0].Robot)
}
