package governor

import (
	"fmt"
	"slices"
)

// Mode selects which robots take part.
type Mode int

const (
	Both Mode = iota
	JustA
	JustB
)

func (m Mode) String() string {
	switch m {
	case Both:
		return "both"
	case JustA:
		return "just_a"
	case JustB:
		return "just_b"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses both, just_a or just_b.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "both", "":
		return Both, nil
	case "just_a", "a":
		return JustA, nil
	case "just_b", "b":
		return JustB, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// NeedsA reports whether robot A takes part.
func (m Mode) NeedsA() bool { return m != JustB }

// NeedsB reports whether robot B takes part.
func (m Mode) NeedsB() bool { return m != JustA }

// Assign maps slot letters to the serials the mode needs, checking each
// against the serials that were discovered. Any missing robot fails the
// whole assignment.
func Assign(m Mode, serialA, serialB string, available []string) (map[string]string, error) {
	slots := make(map[string]string, 2)
	var missing []string
	if m.NeedsA() {
		if slices.Contains(available, serialA) {
			slots["A"] = serialA
		} else {
			missing = append(missing, fmt.Sprintf("A (serial %q)", serialA))
		}
	}
	if m.NeedsB() {
		if slices.Contains(available, serialB) {
			slots["B"] = serialB
		} else {
			missing = append(missing, fmt.Sprintf("B (serial %q)", serialB))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v in mode %s", ErrRobotMissing, missing, m)
	}
	return slots, nil
}
