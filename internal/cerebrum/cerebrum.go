// Package cerebrum implements the cross-worker patch-point knowledge base:
// a shared, read-mostly aggregate of which patch points no worker has yet
// mutated productively ("unfuzzed") and which have led some worker to a new
// QueueEntry when mutated ("yielded").
package cerebrum

import (
	"sync"

	"github.com/ppfuzz/scheduler/internal/mutationcache"
)

// Cerebrum is the shared aggregate, protected by a readers-writer lock.
type Cerebrum struct {
	mu       sync.RWMutex
	unfuzzed map[mutationcache.SiteID]struct{}
	yielded  map[mutationcache.SiteID]struct{}
}

// New builds a Cerebrum seeded with every known patch point marked unfuzzed.
func New(allPatchPoints []mutationcache.SiteID) *Cerebrum {
	c := &Cerebrum{
		unfuzzed: make(map[mutationcache.SiteID]struct{}, len(allPatchPoints)),
		yielded:  make(map[mutationcache.SiteID]struct{}),
	}
	for _, id := range allPatchPoints {
		c.unfuzzed[id] = struct{}{}
	}
	return c
}

// PatchPointsUnfuzzed returns a snapshot of patch points no worker has yet
// mutated productively. The caller may freely do set algebra with the
// returned map after this call returns; the read lock is already released.
func (c *Cerebrum) PatchPointsUnfuzzed() map[mutationcache.SiteID]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.unfuzzed)
}

// PatchPointsYielded returns a snapshot of patch points that, when mutated,
// led to a new QueueEntry for some worker.
func (c *Cerebrum) PatchPointsYielded() map[mutationcache.SiteID]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.yielded)
}

// MarkCandidateDrawn moves id from "unfuzzed" to "fuzzed in progress" when a
// worker selects it as a mutation target. It is a no-op if id was never
// unfuzzed (e.g. drawn twice concurrently, or already yielded).
func (c *Cerebrum) MarkCandidateDrawn(id mutationcache.SiteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unfuzzed, id)
}

// MarkYielded records that mutating id led to a new QueueEntry, and removes
// it from "unfuzzed" (it is by definition no longer un-mutated-productively).
func (c *Cerebrum) MarkYielded(id mutationcache.SiteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unfuzzed, id)
	c.yielded[id] = struct{}{}
}

func snapshot(m map[mutationcache.SiteID]struct{}) map[mutationcache.SiteID]struct{} {
	out := make(map[mutationcache.SiteID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
