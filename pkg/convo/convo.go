// Package convo loads and performs scripted conversations between the two
// robots.
//
// A conversation file is JSON (or YAML) of the form
//
//	{"name": "hello", "script": [
//	    {"action": "say", "who": "a", "what": "Hi!"},
//	    {"action": "trigger", "who": "both", "what": "DriveEndHappy"},
//	    {"action": "group", "what": [ ...actions run together... ]}
//	]}
//
// "who" is a, b or both. Actions addressed to a robot that is not present
// are skipped, so one side of a conversation can be run alone.
package convo

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Speaker is the part of a robot a conversation drives.
type Speaker interface {
	SayText(ctx context.Context, text string) error
	PlayAnimation(ctx context.Context, trigger string) error
}

// Cast is the pair of robots taking part. Either may be nil.
type Cast struct {
	A Speaker
	B Speaker
}

// Role selects which robots perform an action.
type Role int

const (
	RoleA Role = iota + 1
	RoleB
	RoleBoth
)

func (r Role) String() string {
	switch r {
	case RoleA:
		return "a"
	case RoleB:
		return "b"
	case RoleBoth:
		return "both"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole accepts the spellings used in conversation files.
func ParseRole(who string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(who)) {
	case "a", "1":
		return RoleA, nil
	case "b", "2":
		return RoleB, nil
	case "both", "ab":
		return RoleBoth, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalid, who)
}

func (r Role) speakers(c Cast) []Speaker {
	var out []Speaker
	if (r == RoleA || r == RoleBoth) && c.A != nil {
		out = append(out, c.A)
	}
	if (r == RoleB || r == RoleBoth) && c.B != nil {
		out = append(out, c.B)
	}
	return out
}

// Action is one step of a conversation.
type Action interface {
	Perform(ctx context.Context, cast Cast) error
}

// Say speaks text on the selected robots at the same time.
type Say struct {
	Who  Role
	Text string
}

func (s Say) Perform(ctx context.Context, cast Cast) error {
	return each(ctx, s.Who.speakers(cast), func(ctx context.Context, sp Speaker) error {
		return sp.SayText(ctx, s.Text)
	})
}

// Trigger plays an animation trigger on the selected robots.
type Trigger struct {
	Who       Role
	Animation string
}

func (t Trigger) Perform(ctx context.Context, cast Cast) error {
	return each(ctx, t.Who.speakers(cast), func(ctx context.Context, sp Speaker) error {
		return sp.PlayAnimation(ctx, t.Animation)
	})
}

// Group runs its actions simultaneously and waits for all of them.
type Group []Action

func (g Group) Perform(ctx context.Context, cast Cast) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, a := range g {
		eg.Go(func() error { return a.Perform(ctx, cast) })
	}
	return eg.Wait()
}

func each(ctx context.Context, speakers []Speaker, fn func(context.Context, Speaker) error) error {
	if len(speakers) == 1 {
		return fn(ctx, speakers[0])
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, sp := range speakers {
		eg.Go(func() error { return fn(ctx, sp) })
	}
	return eg.Wait()
}

// Conversation is a named, ordered script.
type Conversation struct {
	Name    string
	Actions []Action
}

// Perform runs the actions in order. It stops at the first error or when
// ctx is done.
func (c *Conversation) Perform(ctx context.Context, cast Cast) error {
	for i, a := range c.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Perform(ctx, cast); err != nil {
			return fmt.Errorf("convo %s: action %d: %w", c.Name, i, err)
		}
	}
	return nil
}
