package governor

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/teslashibe/go-cozmonaut/pkg/driver"
)

// Choice is one activity in the weighted draw.
type Choice struct {
	Activity driver.State
	Weight   int
}

// ChoicesFromWeights converts activity names to choices, sorted by
// activity so draws are reproducible for a given random source.
func ChoicesFromWeights(weights map[string]int) ([]Choice, error) {
	out := make([]Choice, 0, len(weights))
	for name, w := range weights {
		s, err := driver.ParseState(name)
		if err != nil || !s.IsActivity() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownActivity, name)
		}
		if w > 0 {
			out = append(out, Choice{Activity: s, Weight: w})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Activity < out[j].Activity })
	return out, nil
}

// draw picks an activity with probability proportional to its weight.
// With no positive weights it picks Greet.
func draw(choices []Choice, rng *rand.Rand) driver.State {
	total := 0
	for _, c := range choices {
		total += c.Weight
	}
	if total <= 0 {
		return driver.Greet
	}
	n := rng.IntN(total)
	for _, c := range choices {
		if n < c.Weight {
			return c.Activity
		}
		n -= c.Weight
	}
	return driver.Greet
}
