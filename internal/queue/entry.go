package queue

import (
	"sync"

	"github.com/ppfuzz/scheduler/internal/trace"
)

// EntryID uniquely and monotonically identifies a QueueEntry within a
// Campaign's Queue.
type EntryID uint64

// Entry (a "QueueEntry") is a coverage-discovering input admitted to the
// Queue. Its core fields are immutable once constructed; its Stats are
// guarded separately because multiple workers may race to trace or re-score
// the same entry.
type Entry struct {
	id         EntryID
	input      []byte
	mutations  []byte // serialized mutation cache snapshot that produced input, if any
	generation uint32

	statsMu sync.RWMutex
	stats   stats
}

type stats struct {
	trace             *trace.Trace
	tracingInProgress bool
	execs             uint64
	prio              float64
}

// NewEntry constructs a fresh Entry. input is copied defensively;
// mutations is stored as-is (already an owned, serialized snapshot).
func NewEntry(id EntryID, input []byte, mutations []byte, generation uint32) *Entry {
	owned := make([]byte, len(input))
	copy(owned, input)
	return &Entry{
		id:         id,
		input:      owned,
		mutations:  mutations,
		generation: generation,
	}
}

// ID returns the entry's queue-assigned identifier.
func (e *Entry) ID() EntryID { return e.id }

// Input returns the input bytes that produced this entry. The caller must
// not mutate the returned slice.
func (e *Entry) Input() []byte { return e.input }

// Mutations returns the serialized mutation cache snapshot active when this
// entry was discovered, or nil if none was attached.
func (e *Entry) Mutations() []byte { return e.mutations }

// Generation reports which phase-engine generation produced this entry.
func (e *Entry) Generation() uint32 { return e.generation }

// StatsGuard is a held write lock over an Entry's mutable stats, mirroring
// the acquire/inspect/mutate/release discipline used for tracing
// coordination. Callers must call Release exactly once.
type StatsGuard struct {
	entry    *Entry
	released bool
}

// StatsRW acquires exclusive access to e's stats.
func (e *Entry) StatsRW() *StatsGuard {
	e.statsMu.Lock()
	return &StatsGuard{entry: e}
}

// Release drops the lock. Calling Release more than once panics.
func (g *StatsGuard) Release() {
	if g.released {
		panic("queue: StatsGuard released twice")
	}
	g.released = true
	g.entry.statsMu.Unlock()
}

// Trace returns the attached trace, or nil if none has been computed yet.
func (g *StatsGuard) Trace() *trace.Trace { return g.entry.stats.trace }

// TracingInProgress reports whether another worker is currently tracing
// this entry.
func (g *StatsGuard) TracingInProgress() bool { return g.entry.stats.tracingInProgress }

// MarkTracingInProgress records that the caller is about to trace this
// entry. Callers must have already checked Trace() == nil and
// TracingInProgress() == false under the same guard.
func (g *StatsGuard) MarkTracingInProgress() { g.entry.stats.tracingInProgress = true }

// SetTrace attaches t. Trace attachment is monotonic: once set, a trace is
// never cleared or replaced.
func (g *StatsGuard) SetTrace(t *trace.Trace) {
	if g.entry.stats.trace == nil {
		g.entry.stats.trace = t
	}
	g.entry.stats.tracingInProgress = false
}

// ClearTracingInProgress resets the in-progress flag without attaching a
// trace, used when tracing failed with a recoverable error.
func (g *StatsGuard) ClearTracingInProgress() { g.entry.stats.tracingInProgress = false }

// Execs returns the number of times this entry has been used as a
// mutation-selection seed.
func (g *StatsGuard) Execs() uint64 { return g.entry.stats.execs }

// IncrementExecs bumps the exec counter by one.
func (g *StatsGuard) IncrementExecs() { g.entry.stats.execs++ }

// SetExecs overwrites the exec counter, used when restoring a dumped queue.
func (g *StatsGuard) SetExecs(n uint64) { g.entry.stats.execs = n }

// Prio returns the entry's current selection priority.
func (g *StatsGuard) Prio() float64 { return g.entry.stats.prio }

// SetPrio updates the entry's selection priority.
func (g *StatsGuard) SetPrio(p float64) { g.entry.stats.prio = p }
