// Package phase implements the Phase Engine (C6): the four fuzzing phases
// (Discovery, Mutate, Add, Combine) a worker cycles through, plus the
// execution loop and weighted selection shared across them.
package phase

import "math/rand"

// Kind enumerates the four fuzzing phases.
type Kind int

const (
	Discovery Kind = iota
	Mutate
	Add
	Combine
)

func (k Kind) String() string {
	switch k {
	case Discovery:
		return "discovery"
	case Mutate:
		return "mutate"
	case Add:
		return "add"
	case Combine:
		return "combine"
	default:
		return "unknown"
	}
}

// Weights holds the per-phase selection weight. A phase with weight <= 0 is
// disabled and never drawn.
type Weights struct {
	Discovery float64
	Mutate    float64
	Add       float64
	Combine   float64
}

// Select draws one enabled phase at random, proportional to its weight. It
// returns false if every phase is disabled.
func (w Weights) Select(rng *rand.Rand) (Kind, bool) {
	type candidate struct {
		kind   Kind
		weight float64
	}
	candidates := []candidate{
		{Discovery, w.Discovery},
		{Mutate, w.Mutate},
		{Add, w.Add},
		{Combine, w.Combine},
	}

	var sum float64
	for _, c := range candidates {
		if c.weight > 0 {
			sum += c.weight
		}
	}
	if sum <= 0 {
		return 0, false
	}

	draw := rng.Float64() * sum
	var acc float64
	for _, c := range candidates {
		if c.weight <= 0 {
			continue
		}
		acc += c.weight
		if draw < acc {
			return c.kind, true
		}
	}
	// Floating point rounding may fall through; return the last enabled
	// candidate.
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].weight > 0 {
			return candidates[i].kind, true
		}
	}
	return 0, false
}
