// Package mutationcache implements the Mutation Cache (MC): an ordered,
// uniquely-keyed collection of Mutation Cache Entries (MCEs) that is
// installed into a Source process to steer which patch points mutate and how.
//
// Cache follows an "arena with stable indices" discipline:
// Entries are individually heap-allocated, so a *Entry handed out by
// Entries/EntriesMutStatic stays valid memory across any later call; after
// UnionAndReplace (which stores a clone under a replaced ID),
// RemoveUncovered or Clear it may no longer be the record the cache holds.
// The discipline forbids mutating the cache while handles are outstanding, enforced
// here by a live-handle counter that panics on violation. This makes the
// "mutate while handles are live" path unreachable.
package mutationcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
)

// Cache is an ordered, uniquely-keyed (by SiteID) collection of Entries.
type Cache struct {
	order              []SiteID
	byID               map[SiteID]*Entry
	outstandingHandles int
}

// NewCache returns an empty but valid Cache.
func NewCache() *Cache {
	return &Cache{byID: make(map[SiteID]*Entry)}
}

// FromPatchPoints builds an all-nop Cache covering every known patch point,
// in the given (stable) iteration order.
func FromPatchPoints(ids []SiteID) *Cache {
	c := NewCache()
	for _, id := range ids {
		c.appendNew(&Entry{ID: id})
	}
	return c
}

// FromEntries builds a Cache from a pre-selected slice of entries, preserving
// their order. Used by the Add/Combine phases to install a freshly-selected
// candidate set.
func FromEntries(entries []*Entry) *Cache {
	c := NewCache()
	for _, e := range entries {
		c.appendNew(e)
	}
	return c
}

// Len reports the number of entries currently in the cache.
func (c *Cache) Len() int {
	return len(c.order)
}

// Get looks up an entry by ID.
func (c *Cache) Get(id SiteID) (*Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

func (c *Cache) appendNew(e *Entry) {
	if _, exists := c.byID[e.ID]; exists {
		return
	}
	c.order = append(c.order, e.ID)
	c.byID[e.ID] = e
}

func (c *Cache) checkNoHandles(op string) {
	if c.outstandingHandles > 0 {
		panic(fmt.Sprintf("mutationcache: %s called while %d handle(s) are still live", op, c.outstandingHandles))
	}
}

// UnionAndReplace overlays other's entries onto c, replacing matching IDs in
// place (so c's own ordering is preserved for IDs present in both) and
// appending IDs only present in other, in other's order.
func (c *Cache) UnionAndReplace(other *Cache) {
	c.checkNoHandles("UnionAndReplace")
	for _, id := range other.order {
		incoming := other.byID[id].clone()
		if _, exists := c.byID[id]; exists {
			c.byID[id] = incoming
			continue
		}
		c.order = append(c.order, id)
		c.byID[id] = incoming
	}
}

// RemoveUncovered drops every entry whose ID is not present in covered.
func (c *Cache) RemoveUncovered(covered map[SiteID]struct{}) {
	c.checkNoHandles("RemoveUncovered")
	kept := c.order[:0:0]
	for _, id := range c.order {
		if _, ok := covered[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(c.byID, id)
	}
	c.order = kept
}

// ResizeCoveredEntries expands the mask of every entry whose ID is in
// covered to BitWidth bytes (BitWidth is used directly as a byte count), preserving
// existing mask bytes at their original offsets and zero-extending the rest
// ("nop-extended").
func (c *Cache) ResizeCoveredEntries(covered map[SiteID]struct{}) {
	c.checkNoHandles("ResizeCoveredEntries")
	for _, id := range c.order {
		if _, ok := covered[id]; !ok {
			continue
		}
		e := c.byID[id]
		width := int(e.BitWidth)
		if width <= len(e.Mask) || width == 0 {
			continue
		}
		grown := make([]byte, width)
		copy(grown, e.Mask)
		e.Mask = grown
	}
}

// Clear empties the cache, leaving it structurally valid.
func (c *Cache) Clear() {
	c.checkNoHandles("Clear")
	c.order = nil
	c.byID = make(map[SiteID]*Entry)
}

// Handles is a snapshot of raw entry pointers into a Cache. While any
// Handles from a Cache is outstanding (not yet Release()d), every mutating
// Cache operation panics.
type Handles struct {
	cache   *Cache
	items   []*Entry
	release func()
}

// Items returns the entry pointers. Mutating the pointed-to Entry fields
// directly (e.g. in the Add/Mutate phases, which mutate a candidate's Mask in
// place) is fine; resizing the Cache itself is not, until Release is called.
func (h *Handles) Items() []*Entry {
	return h.items
}

// Release drops the handle set, re-enabling mutating Cache operations once
// every outstanding Handles for that Cache has been released.
func (h *Handles) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

func (c *Cache) takeHandles(items []*Entry) *Handles {
	c.outstandingHandles++
	released := false
	return &Handles{
		cache: c,
		items: items,
		release: func() {
			if released {
				return
			}
			released = true
			c.outstandingHandles--
		},
	}
}

// Entries returns a snapshot of all entry handles in current order.
func (c *Cache) Entries() *Handles {
	items := make([]*Entry, len(c.order))
	for i, id := range c.order {
		items[i] = c.byID[id]
	}
	return c.takeHandles(items)
}

// EntriesMutStatic is the mutable counterpart of Entries: same snapshot, same
// aliasing discipline, named separately so call sites where the caller
// intends to mutate (e.g. drain with a filter) read differently from
// merely-reading ones.
func (c *Cache) EntriesMutStatic() *Handles {
	return c.Entries()
}

// snapshot is an internal, handle-free copy of the cache used for
// serialization; callers that only need to read entries' values without
// the handle discipline (e.g. producing a fresh Cache to install) should
// still prefer Entries/EntriesMutStatic at their call site for consistency,
// but serialization should never be blocked by outstanding handles.
func (c *Cache) snapshot() []*Entry {
	out := make([]*Entry, len(c.order))
	for i, id := range c.order {
		out[i] = c.byID[id]
	}
	return out
}

// wireEntry is the gob-serializable shape of Entry.
type wireEntry struct {
	ID              SiteID
	Mask            []byte
	BitWidth        uint32
	InstructionKind string
}

// MarshalBinary serializes the cache's entries, in order, to a byte slice.
func (c *Cache) MarshalBinary() ([]byte, error) {
	wire := make([]wireEntry, 0, len(c.order))
	for _, e := range c.snapshot() {
		wire = append(wire, wireEntry{
			ID:              e.ID,
			Mask:            e.Mask,
			BitWidth:        e.BitWidth,
			InstructionKind: e.InstructionKind,
		})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("mutationcache: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadBytes replaces c's contents with the entries encoded in data.
func (c *Cache) LoadBytes(data []byte) error {
	c.checkNoHandles("LoadBytes")
	var wire []wireEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return fmt.Errorf("mutationcache: load: %w", err)
	}
	c.order = nil
	c.byID = make(map[SiteID]*Entry, len(wire))
	for _, w := range wire {
		c.appendNew(&Entry{
			ID:              w.ID,
			Mask:            w.Mask,
			BitWidth:        w.BitWidth,
			InstructionKind: w.InstructionKind,
		})
	}
	return nil
}

// LoadFromBytes builds a brand new Cache from a serialized snapshot, used
// when restoring a QueueEntry's stored MC.
func LoadFromBytes(data []byte) (*Cache, error) {
	c := NewCache()
	if err := c.LoadBytes(data); err != nil {
		return nil, err
	}
	return c, nil
}

// SortedIDs returns the entries' IDs sorted ascending, used by tests that
// want a deterministic view independent of insertion order.
func (c *Cache) SortedIDs() []SiteID {
	ids := make([]SiteID, len(c.order))
	copy(ids, c.order)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
