package worker

import (
	"math/rand"

	"github.com/ppfuzz/scheduler/internal/queue"
)

// eligibleEntries filters snapshot to entries whose generation does not
// exceed ceiling. A ceiling of 0 is treated as unlimited: the ceiling
// exists to forbid drawing entries that have drifted too far from a
// Discovery-discovered ancestor, not to forbid every entry when unset.
func eligibleEntries(snapshot []*queue.Entry, ceiling uint32) []*queue.Entry {
	if ceiling == 0 {
		return snapshot
	}
	out := make([]*queue.Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if e.Generation() <= ceiling {
			out = append(out, e)
		}
	}
	return out
}

// pickQueueEntry draws one entry, weighted by its current prio (falling
// back to a uniform draw when every candidate has prio <= 0, e.g. before
// any entry has been scored).
func pickQueueEntry(entries []*queue.Entry, rng *rand.Rand) (*queue.Entry, bool) {
	if len(entries) == 0 {
		return nil, false
	}

	weights := make([]float64, len(entries))
	var sum float64
	for i, e := range entries {
		guard := e.StatsRW()
		w := guard.Prio()
		guard.Release()
		if w > 0 {
			weights[i] = w
			sum += w
		}
	}

	if sum <= 0 {
		return entries[rng.Intn(len(entries))], true
	}

	draw := rng.Float64() * sum
	var acc float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		if draw < acc {
			return entries[i], true
		}
	}
	return entries[len(entries)-1], true
}
