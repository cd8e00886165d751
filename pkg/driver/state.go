package driver

import (
	"fmt"
	"strings"
)

// State is a robot's position in the interaction cycle.
type State int

const (
	// Home is sitting on the charger. Every robot is assumed to start here.
	Home State = iota
	Waypoint
	Greet
	Convo
	Pong
	Freeplay
)

var stateNames = [...]string{
	Home:     "home",
	Waypoint: "waypoint",
	Greet:    "greet",
	Convo:    "convo",
	Pong:     "pong",
	Freeplay: "freeplay",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsActivity reports whether s is one of the activities run from the
// waypoint.
func (s State) IsActivity() bool {
	return s >= Greet && s <= Freeplay
}

// ParseState parses a state name, case-insensitively. Numeric values as
// printed by the operator "state" listing are accepted too.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name || fmt.Sprint(i) == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// States returns every state in order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range out {
		out[i] = State(i)
	}
	return out
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// allowed reports whether the transition table has an edge from -> to.
func allowed(from, to State) bool {
	switch {
	case from == Home:
		return to == Waypoint
	case from == Waypoint:
		return to == Home || to.IsActivity()
	case from.IsActivity():
		return to == Waypoint
	}
	return false
}
