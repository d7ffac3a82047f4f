package worker

import "sync"

// Barrier is a cyclic rendezvous point for a fixed number of parties,
// used for init synchronization: every worker must reach the barrier
// before any of them proceeds past initialization.
//
// Go's standard library has no multi-party rendezvous primitive, so this is
// built on the generation-counted wait pattern over sync.Mutex/sync.Cond.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	n          int
	waiting    int
	generation uint64
}

// NewBarrier returns a Barrier that releases every waiter once n parties
// have called Wait. n <= 1 makes every call to Wait return immediately,
// which is how a late-spawned replacement worker skips the rendezvous.
func NewBarrier(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until n parties (across the Barrier's lifetime, cyclically)
// have called Wait.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.generation
	b.waiting++
	if b.waiting == b.n {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
}
