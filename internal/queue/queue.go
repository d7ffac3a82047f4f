// Package queue implements the Queue (C3): the process-wide collection of
// covering-discovering QueueEntries, and the tracing coordination protocol
// that lazily and at-most-once computes each entry's Trace.
package queue

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	natomic "github.com/natefinch/atomic"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/trace"
)

// Queue is the mutex-guarded, append-mostly collection of Entries
// discovered over a campaign's lifetime.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  EntryID
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push admits a new entry built from input/mutations/generation and returns
// it with its freshly assigned ID.
func (q *Queue) Push(input []byte, mutations []byte, generation uint32) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	e := NewEntry(id, input, mutations, generation)
	q.entries = append(q.entries, e)
	return e
}

// Len reports the number of admitted entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IterSnapshot returns a stable snapshot of the currently admitted entries,
// safe to iterate without holding the Queue lock. Entries themselves still
// require StatsRW to inspect or mutate mutable fields.
func (q *Queue) IterSnapshot() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// wireDumpEntry is the on-disk shape of one dumped entry.
type wireDumpEntry struct {
	ID         EntryID
	Input      []byte
	Mutations  []byte
	Generation uint32
	Execs      uint64
	Covered    int
}

// Dump serializes a snapshot of the queue to path, using an atomic
// rename-into-place so a concurrent reader (or a crash mid-write) never
// observes a partially-written dump file.
func (q *Queue) Dump(path string) error {
	snapshot := q.IterSnapshot()
	wire := make([]wireDumpEntry, 0, len(snapshot))
	for _, e := range snapshot {
		guard := e.StatsRW()
		w := wireDumpEntry{
			ID:         e.ID(),
			Input:      e.Input(),
			Mutations:  e.Mutations(),
			Generation: e.Generation(),
			Execs:      guard.Execs(),
			Covered:    guard.Trace().Len(),
		}
		guard.Release()
		wire = append(wire, w)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return fmt.Errorf("queue: dump: encode: %w", err)
	}

	if err := natomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("queue: dump: write %s: %w", path, err)
	}
	return nil
}

// Load restores a Queue from a Dump-produced snapshot at path. Restored
// entries keep their original ID, input, mutations, generation, and exec
// count; traces are not persisted and are recomputed lazily on demand. The
// queue's ID counter resumes past the highest restored ID.
func Load(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", path, err)
	}

	var wire []wireDumpEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("queue: load: decode: %w", err)
	}

	q := New()
	for _, w := range wire {
		e := NewEntry(w.ID, w.Input, w.Mutations, w.Generation)
		guard := e.StatsRW()
		guard.SetExecs(w.Execs)
		guard.Release()
		q.entries = append(q.entries, e)
		if w.ID >= q.nextID {
			q.nextID = w.ID + 1
		}
	}
	return q, nil
}

// TraceQueueEntry implements the tracing coordination protocol: at most one
// caller performs the (expensive) trace for a given entry. Concurrent
// callers observe one of three outcomes:
//
//   - the entry was already traced: its existing Trace is returned
//     immediately without re-tracing;
//   - another goroutine is currently tracing it: (nil, nil) is returned so
//     the caller can retry later;
//   - the caller won the race and performs the trace itself.
//
// A CalibrationError from the trace attempt is recoverable: the
// tracing-in-progress flag is cleared so a later caller may retry, and the
// error is returned for the caller to log and move past. Any other error is
// treated as fatal by the caller (propagates, triggers worker restart).
func TraceQueueEntry(
	ctx context.Context,
	entry *Entry,
	cfg trace.Config,
	source agentproto.Source,
	sink agentproto.Sink,
	scratchBuf []byte,
) (*trace.Trace, error) {
	guard := entry.StatsRW()
	if t := guard.Trace(); t != nil {
		guard.Release()
		return t, nil
	}
	if guard.TracingInProgress() {
		guard.Release()
		return nil, nil
	}
	guard.MarkTracingInProgress()
	guard.Release()

	if err := loadEntryMutations(ctx, source, entry); err != nil {
		clearInProgress(entry)
		return nil, err
	}

	tr, err := trace.CommonTrace(ctx, cfg, source, sink, entry.Input(), scratchBuf)
	if err != nil {
		clearInProgress(entry)
		return nil, err
	}

	guard = entry.StatsRW()
	guard.SetTrace(tr)
	result := guard.Trace()
	guard.Release()
	return result, nil
}

func clearInProgress(entry *Entry) {
	guard := entry.StatsRW()
	guard.ClearTracingInProgress()
	guard.Release()
}

// loadEntryMutations restores the mutation cache state recorded in entry so
// that re-running the source on entry.Input() reproduces the behavior
// observed when the entry was first discovered.
func loadEntryMutations(ctx context.Context, source agentproto.Source, entry *Entry) error {
	if entry.Mutations() == nil {
		return source.InstallMutationCache(ctx, mutationcache.NewCache())
	}
	cache, err := mutationcache.LoadFromBytes(entry.Mutations())
	if err != nil {
		return fmt.Errorf("queue: restoring entry %d mutations: %w", entry.ID(), err)
	}
	return source.InstallMutationCache(ctx, cache)
}
