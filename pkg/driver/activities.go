package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/teslashibe/go-cozmonaut/pkg/convo"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/face"
	"github.com/teslashibe/go-cozmonaut/pkg/pong"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

// MaxHeadAngle is the highest head tilt, used to look up at people.
var MaxHeadAngle = robot.Radians(44.5)

// FaceSource is the part of a face pipeline the greeter uses.
type FaceSource interface {
	NextTrack() *face.Future[face.Track]
	Recognize(trackID int) *face.Future[face.Recognition]
}

// Friends is the persistent identity store.
type Friends interface {
	Insert(ctx context.Context, name string, emb face.Embedding) (int, error)
	Lookup(ctx context.Context, faceID int) (name string, lastSeen time.Time, err error)
	TouchLastSeen(ctx context.Context, faceID int) error
}

// Enroller registers a new identity with the in-memory match table.
type Enroller interface {
	Add(faceID int, emb face.Embedding)
}

var (
	askPhrases = []string{
		"Who are you? Please type your name.",
		"What is your name? Please type it.",
		"I don't know you. Please type your name.",
	}
	meetPhrases = []string{
		"Hi, %s!",
		"Hello there, %s!",
		"Nice to meet you, %s!",
	}
	welcomePhrases = []string{
		"Welcome back, %s!",
		"Hello again, %s!",
		"Good to see you, %s!",
	}
)

// Greeter looks for faces and greets them by name, learning the names of
// strangers.
type Greeter struct {
	Name      string
	Robot     robot.Controller
	Faces     FaceSource
	Friends   Friends
	Enroll    Enroller
	Prompter  NamePrompter
	Publisher events.Publisher
	Logger    *slog.Logger

	// Pick chooses a phrasing index in [0, n). Defaults to math/rand/v2.
	Pick func(n int) int
}

// Perform implements Activity. It greets faces until ctx is done.
func (g *Greeter) Perform(ctx context.Context, _ string) error {
	if err := g.Robot.SetHeadAngle(ctx, MaxHeadAngle); err != nil {
		return err
	}

	for {
		g.Logger.Debug("waiting to detect a face")
		tr, err := g.Faces.NextTrack().Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next track: %w", err)
		}
		g.Logger.Info("face detected", "track", tr.ID, "box", tr.Box)

		rec, err := g.Faces.Recognize(tr.ID).Wait(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, face.ErrTrackNotFound), errors.Is(err, face.ErrNoFace), errors.Is(err, face.ErrBusy):
			g.Logger.Info("face not recognized", "track", tr.ID, "reason", err)
			continue
		case err != nil:
			return fmt.Errorf("recognize track %d: %w", tr.ID, err)
		}

		if rec.FaceID == face.Unknown {
			err = g.meet(ctx, rec)
		} else {
			err = g.welcome(ctx, rec)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (g *Greeter) meet(ctx context.Context, rec face.Recognition) error {
	g.Logger.Info("unknown face", "track", rec.TrackID)
	if err := g.Robot.SayText(ctx, g.phrase(askPhrases)); err != nil {
		return err
	}

	name, err := g.Prompter.PromptName(ctx, g.Name)
	if err != nil {
		return err
	}
	if name == "" {
		g.Logger.Info("no name given, skipping")
		return nil
	}

	faceID, err := g.Friends.Insert(ctx, name, rec.Embedding)
	if err != nil {
		return fmt.Errorf("store friend %q: %w", name, err)
	}
	g.Enroll.Add(faceID, rec.Embedding)
	g.Logger.Info("new friend", "face_id", faceID, "name", name)
	g.publish(ctx, events.Event{Type: events.FriendAdded, FaceID: faceID, Name: name})

	return g.Robot.SayText(ctx, fmt.Sprintf(g.phrase(meetPhrases), name))
}

func (g *Greeter) welcome(ctx context.Context, rec face.Recognition) error {
	name, lastSeen, err := g.Friends.Lookup(ctx, rec.FaceID)
	if err != nil {
		return fmt.Errorf("lookup face %d: %w", rec.FaceID, err)
	}
	if err := g.Friends.TouchLastSeen(ctx, rec.FaceID); err != nil {
		g.Logger.Warn("update last seen failed", "face_id", rec.FaceID, "error", err)
	}
	g.Logger.Info("known face", "face_id", rec.FaceID, "name", name, "distance", rec.Distance, "last_seen", lastSeen)
	g.publish(ctx, events.Event{Type: events.FaceRecognized, FaceID: rec.FaceID, Name: name})

	return g.Robot.SayText(ctx, fmt.Sprintf(g.phrase(welcomePhrases), name))
}

func (g *Greeter) phrase(options []string) string {
	pick := g.Pick
	if pick == nil {
		pick = rand.IntN
	}
	return options[pick(len(options))]
}

func (g *Greeter) publish(ctx context.Context, ev events.Event) {
	if g.Publisher == nil {
		return
	}
	ev.Robot = g.Name
	if err := g.Publisher.Publish(ctx, ev); err != nil {
		g.Logger.Debug("publish event failed", "type", ev.Type, "error", err)
	}
}

// Conversation turns toward the other robot and performs the named
// script. An unknown script is logged and skipped.
type Conversation struct {
	Robot   robot.Controller
	Library *convo.Library
	Cast    convo.Cast
	Logger  *slog.Logger
}

// Perform implements Activity; payload is the conversation name.
func (c *Conversation) Perform(ctx context.Context, name string) error {
	if err := c.Robot.TurnInPlace(ctx, math.Pi, 0); err != nil {
		return err
	}
	script, err := c.Library.Load(name)
	if errors.Is(err, convo.ErrNotFound) {
		c.Logger.Warn("no such conversation", "name", name)
		return nil
	}
	if err != nil {
		return err
	}
	c.Logger.Info("performing conversation", "name", name, "actions", len(script.Actions))
	if err := script.Perform(ctx, c.Cast); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

var (
	_ Activity = (*Greeter)(nil)
	_ Activity = (*Conversation)(nil)
	_ Activity = (*PongActivity)(nil)
	_ Activity = (*FreeplayActivity)(nil)
)

// PongActivity plays a game of pong on the face display.
type PongActivity struct {
	Robot   robot.Controller
	Options pong.Options
	Logger  *slog.Logger
}

// Perform implements Activity.
func (p *PongActivity) Perform(ctx context.Context, _ string) error {
	_, err := pong.Play(ctx, p.Robot, p.Options, p.Logger)
	return err
}

// FreeplayActivity hands the robot to its built-in autonomous behaviours until
// cancelled, then lets it settle and plays a happy animation.
type FreeplayActivity struct {
	Robot robot.Controller
	// Settle defaults to two seconds.
	Settle time.Duration
	Logger *slog.Logger
}

// Perform implements Activity.
func (f *FreeplayActivity) Perform(ctx context.Context, _ string) error {
	if err := f.Robot.StartFreeplay(ctx); err != nil {
		return err
	}
	f.Logger.Info("freeplay started")
	<-ctx.Done()
	f.Logger.Info("freeplay stopping")

	settle := f.Settle
	if settle <= 0 {
		settle = 2 * time.Second
	}
	// Wind down even though ctx is done.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settle+30*time.Second)
	defer cancel()

	if err := f.Robot.StopFreeplay(wctx); err != nil {
		return fmt.Errorf("stop freeplay: %w", err)
	}
	select {
	case <-time.After(settle):
	case <-wctx.Done():
	}
	return f.Robot.PlayAnimation(wctx, robot.AnimHappy)
}
