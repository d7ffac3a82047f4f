// Package worker implements the Worker (C7): the lifecycle of one fuzzing
// goroutine — init-barrier synchronization, QueueEntry/phase selection,
// phase execution, and crash surfacing to its Campaign-held proxy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	uberatomic "go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/bitmap"
	"github.com/ppfuzz/scheduler/internal/cerebrum"
	"github.com/ppfuzz/scheduler/internal/eventcounter"
	"github.com/ppfuzz/scheduler/internal/logger"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/phase"
	"github.com/ppfuzz/scheduler/internal/queue"
	"github.com/ppfuzz/scheduler/internal/trace"
)

// AgentFactory spawns the Source/Sink process pair a worker will own for
// its entire lifetime. The exact transport lives outside this module; the
// Campaign supplies a concrete factory.
type AgentFactory func(uid UID) (agentproto.Source, agentproto.Sink, error)

// Shared bundles the state every worker in a campaign reads and writes
// concurrently: the Queue, the Cerebrum, the global virgin maps, and the
// init-synchronization primitives.
type Shared struct {
	Queue        *queue.Queue
	Cerebrum     *cerebrum.Cerebrum
	GlobalVirgin *bitmap.Global
	InitBarrier  *Barrier
	InitDone     *sync.Once
	InitFailed   *uberatomic.Bool
	Dirs         phase.WorkDirs
	Symbolizer   phase.Symbolizer
	InitTS       time.Time

	// Log is this worker's UID-tagged sub-logger, derived by the Campaign
	// from its root logger. Nil (no logging) when the Campaign has none.
	Log *logger.Logger
}

// Worker runs the per-iteration fuzzing loop: check the
// stop flag, pick a QueueEntry and a phase, restore the entry's mutation
// cache, execute the phase, loop.
type Worker struct {
	uid      UID
	shared   *Shared
	cfg      phase.Config
	traceCfg trace.Config
	agents   AgentFactory
	rng      *rand.Rand

	stateMu sync.Mutex
	state   State

	stopFlag uberatomic.Bool
	counter  *eventcounter.Counter
}

// New constructs a Worker in the Spawned state. seed drives the worker's
// private RNG (mutator selection, phase weight draws, QE prio sampling);
// each worker must use a distinct seed to avoid synchronized fuzzing
// trajectories across a campaign.
func New(uid UID, shared *Shared, cfg phase.Config, traceCfg trace.Config, agents AgentFactory, seed int64) *Worker {
	return &Worker{
		uid:      uid,
		shared:   shared,
		cfg:      cfg,
		traceCfg: traceCfg,
		agents:   agents,
		rng:      rand.New(rand.NewSource(seed)),
		state:    Spawned,
		counter:  eventcounter.New(shared.InitTS),
	}
}

// UID returns the worker's identifier.
func (w *Worker) UID() UID { return w.uid }

func (w *Worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Spawn launches the worker's goroutine, wrapped in a panics.Catcher so a
// panic inside the fuzzing loop surfaces as an error through the returned
// Proxy's Join rather than crashing the whole process — mirroring the
// stop-channel worker-goroutine idiom, generalized to also report failure
// back to a caller that must restart crashed workers.
func (w *Worker) Spawn() *Proxy {
	p := &Proxy{uid: w.uid, worker: w, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		var catcher panics.Catcher
		catcher.Try(func() {
			p.runErr = w.run()
		})
		if r := catcher.Recovered(); r != nil {
			p.panicErr = r.AsError()
		}
	}()
	return p
}

func (w *Worker) run() error {
	w.setState(Initializing)
	w.shared.InitBarrier.Wait()

	source, sink, err := w.agents(w.uid)
	if err != nil {
		w.shared.InitFailed.Store(true)
		w.setState(Failed)
		w.shared.Log.Errorf("agent init failed: %v", err)
		return fmt.Errorf("worker %d: agent init: %w", w.uid, err)
	}

	allPatchPoints, err := source.PatchPoints(context.Background())
	if err != nil {
		w.shared.InitFailed.Store(true)
		w.setState(Failed)
		w.shared.Log.Errorf("patch point enumeration failed: %v", err)
		return fmt.Errorf("worker %d: patch point enumeration: %w", w.uid, err)
	}

	if w.shared.InitFailed.Load() {
		w.setState(Failed)
		return fmt.Errorf("worker %d: a sibling worker failed initialization", w.uid)
	}

	// The first worker past the barrier to reach here runs the one-time
	// "campaign initialization complete" action; every later worker (and
	// every later call from this same worker, impossible here but cheap to
	// guarantee) observes it without re-running it.
	w.shared.InitDone.Do(func() {})

	w.setState(Ready)

	deps := &phase.ExecDeps{
		Source:       source,
		Sink:         sink,
		LocalVirgin:  bitmap.NewVirgin(),
		GlobalVirgin: w.shared.GlobalVirgin,
		Queue:        w.shared.Queue,
		Cerebrum:     w.shared.Cerebrum,
		Counter:      w.counter,
		Dirs:         w.shared.Dirs,
		Symbolizer:   w.shared.Symbolizer,
		InitTS:       w.shared.InitTS,
		ScratchBuf:   make([]byte, bitmap.DefaultMapSize),
	}

	discoveryDone := !w.cfg.Discovery.Enabled

	for {
		if w.stopFlag.Load() {
			break
		}

		if !discoveryDone {
			exhausted, err := phase.DoDiscoveryPhase(context.Background(), deps, allPatchPoints, w.cfg.Discovery)
			if err != nil {
				w.setState(Crashed)
				return fmt.Errorf("worker %d: discovery phase: %w", w.uid, err)
			}
			discoveryDone = exhausted
			if exhausted {
				w.shared.Log.Infof("discovery phase finished")
			}
			if exhausted && w.cfg.Discovery.TerminateWhenFinished {
				w.setState(Terminated)
				return nil
			}
			continue
		}

		if err := w.runIteration(deps, source, sink, allPatchPoints); err != nil {
			w.setState(Crashed)
			return fmt.Errorf("worker %d: %w", w.uid, err)
		}
	}

	w.setState(Terminated)
	return nil
}

// runIteration implements one "pick QE, pick phase, restore MC, execute
// phase" cycle. A nil return covers both a completed phase and an iteration
// that made no progress for a recoverable reason (no QE yet, lost a trace
// race, every phase disabled); either way the caller loops again. The
// worker stays Ready when no phase can be picked.
func (w *Worker) runIteration(deps *phase.ExecDeps, source agentproto.Source, sink agentproto.Sink, allPatchPoints []mutationcache.SiteID) error {
	kind, ok := w.cfg.Weights().Select(w.rng)
	if !ok {
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	w.setState(InPhase)
	defer w.setState(Ready)

	eligible := eligibleEntries(w.shared.Queue.IterSnapshot(), w.cfg.GenerationCeiling)

	switch kind {
	case phase.Mutate, phase.Add:
		entry, ok := pickQueueEntry(eligible, w.rng)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			return nil
		}

		tr, err := w.ensureTrace(deps, source, sink, entry)
		if err != nil {
			return err
		}
		if tr == nil {
			return nil
		}

		cache, err := loadEntryCache(entry)
		if err != nil {
			return err
		}

		deps.BaseInput = entry.Input()
		deps.CurrentEntry = entry.ID()
		deps.HasEntry = true
		deps.Generation = entry.Generation()

		var phaseErr error
		if kind == phase.Mutate {
			phaseErr = phase.DoMutatePhase(context.Background(), deps, cache, w.cfg.Mutate, w.rng)
		} else {
			phaseErr = phase.DoAddPhase(context.Background(), deps, source, w.shared.Cerebrum, allPatchPoints, cache, tr, w.cfg.Add, w.rng)
		}
		return classifyPhaseErr(phaseErr)

	case phase.Combine:
		a, b, ok := phase.PickCombinePair(eligible, w.rng)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			return nil
		}
		deps.BaseInput = a.Input()
		deps.CurrentEntry = a.ID()
		deps.HasEntry = true
		return classifyPhaseErr(phase.DoCombinePhase(context.Background(), deps, a, b, w.cfg.Combine))
	}

	return nil
}

// ensureTrace returns entry's trace, computing it if nobody else has. A nil
// Trace with a nil error means another worker currently holds the
// tracing-in-progress flag, or this attempt hit a recoverable
// CalibrationError; the caller should retry on a later iteration.
func (w *Worker) ensureTrace(deps *phase.ExecDeps, source agentproto.Source, sink agentproto.Sink, entry *queue.Entry) (*trace.Trace, error) {
	guard := entry.StatsRW()
	existing := guard.Trace()
	guard.Release()
	if existing != nil {
		return existing, nil
	}

	tr, err := queue.TraceQueueEntry(context.Background(), entry, w.traceCfg, source, sink, deps.ScratchBuf)
	if err != nil {
		var calErr *trace.CalibrationError
		if errors.As(err, &calErr) {
			w.shared.Log.Warnf("skipping entry %d, tracing failed with a recoverable error: %v", entry.ID(), err)
			if w.counter != nil {
				w.counter.RecordCalibrationErr()
			}
			return nil, nil
		}
		return nil, err
	}
	return tr, nil
}

// loadEntryCache rebuilds the mutation cache entry was discovered under, so
// a phase re-driving entry reproduces the behavior observed at discovery
// time.
func loadEntryCache(entry *queue.Entry) (*mutationcache.Cache, error) {
	if entry.Mutations() == nil {
		return mutationcache.NewCache(), nil
	}
	cache, err := mutationcache.LoadFromBytes(entry.Mutations())
	if err != nil {
		return nil, fmt.Errorf("worker: restoring entry %d mutations: %w", entry.ID(), err)
	}
	return cache, nil
}

// classifyPhaseErr absorbs context cancellation (the worker's normal,
// non-fatal stop path) and passes everything else through as fatal.
func classifyPhaseErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Proxy is the Campaign-held handle to a running Worker: it exposes
// liveness, stop-request, and join semantics without sharing the Worker's
// internals.
type Proxy struct {
	uid    UID
	worker *Worker
	done   chan struct{}

	runErr   error
	panicErr error
}

// UID returns the proxied worker's identifier.
func (p *Proxy) UID() UID { return p.uid }

// State reports the proxied worker's current lifecycle state.
func (p *Proxy) State() State { return p.worker.State() }

// RequestStopSoon asks the worker to stop at its next checkpoint, between
// executions and between phases.
func (p *Proxy) RequestStopSoon() { p.worker.stopFlag.Store(true) }

// IsAlive reports whether the worker's goroutine is still running.
func (p *Proxy) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Join blocks until the worker's goroutine exits and returns any error it
// terminated with, merging a run()-returned error with a recovered panic if
// both occurred.
func (p *Proxy) Join() error {
	<-p.done
	return multierr.Combine(p.runErr, p.panicErr)
}

// Stats returns a snapshot of the worker's event counters.
func (p *Proxy) Stats() eventcounter.Snapshot {
	return p.worker.counter.Snap()
}
