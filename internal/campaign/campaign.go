// Package campaign implements the owner of a fuzzing campaign's shared
// state, worker proxies, and lifecycle operations: start, spawn an
// additional worker, shutdown, dump, and restarting crashed workers up to
// a bound.
package campaign

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	uberatomic "go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ppfuzz/scheduler/internal/bitmap"
	"github.com/ppfuzz/scheduler/internal/cerebrum"
	"github.com/ppfuzz/scheduler/internal/eventcounter"
	"github.com/ppfuzz/scheduler/internal/logger"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/phase"
	"github.com/ppfuzz/scheduler/internal/queue"
	"github.com/ppfuzz/scheduler/internal/trace"
	"github.com/ppfuzz/scheduler/internal/worker"
)

// MaxWorkerRestartCnt bounds how many workers may be re-spawned across a
// campaign's lifetime. The bound is inclusive: once this many workers have
// been restarted, no further crashed worker is replaced.
const MaxWorkerRestartCnt = 4

// Campaign owns everything a fuzzing run shares across workers: the queue,
// the Cerebrum, the global virgin maps, the init-synchronization
// primitives, and the list of spawned worker proxies.
type Campaign struct {
	cfg       phase.Config
	traceCfg  trace.Config
	agents    worker.AgentFactory
	log       *logger.Logger
	queuePath string

	mu      sync.Mutex
	queue   *queue.Queue
	workers []*worker.Proxy

	cerebrum *cerebrum.Cerebrum

	globalVirgin *bitmap.Global
	initFailed   *uberatomic.Bool
	initTS       time.Time

	dirs       phase.WorkDirs
	symbolizer phase.Symbolizer

	patchPoints []mutationcache.SiteID

	maxRestarts int
	restartMu   sync.Mutex
	restarted   []worker.UID
}

// Option configures optional Campaign fields at construction time.
type Option func(*Campaign)

// WithLogger attaches a logger. Without one, the campaign and its workers
// log nothing (all methods on a nil *logger.Logger are no-ops).
func WithLogger(l *logger.Logger) Option {
	return func(c *Campaign) { c.log = l }
}

// WithWorkDirs sets the artifact directories phases write interesting and
// crashing inputs into.
func WithWorkDirs(dirs phase.WorkDirs) Option {
	return func(c *Campaign) { c.dirs = dirs }
}

// WithSymbolizer sets the external ASAN/UBSAN report symbolizer.
func WithSymbolizer(s phase.Symbolizer) Option {
	return func(c *Campaign) { c.symbolizer = s }
}

// WithQueueDumpPath sets the path Dump writes the serialized queue to.
func WithQueueDumpPath(path string) Option {
	return func(c *Campaign) { c.queuePath = path }
}

// WithMaxWorkerRestarts overrides the default restart bound.
func WithMaxWorkerRestarts(n int) Option {
	return func(c *Campaign) { c.maxRestarts = n }
}

// New constructs an empty Campaign ready to Start workers against agents.
// allPatchPoints is the Source's static patch-point enumeration, probed
// once up front (patch points are immutable after Source startup) and used
// to seed the shared Cerebrum before any worker runs.
func New(cfg phase.Config, traceCfg trace.Config, allPatchPoints []mutationcache.SiteID, agents worker.AgentFactory, opts ...Option) *Campaign {
	c := &Campaign{
		cfg:          cfg,
		traceCfg:     traceCfg,
		agents:       agents,
		queue:        queue.New(),
		cerebrum:     cerebrum.New(allPatchPoints),
		globalVirgin: bitmap.NewGlobal(),
		initFailed:   uberatomic.NewBool(false),
		initTS:       time.Now(),
		patchPoints:  append([]mutationcache.SiteID{}, allPatchPoints...),
		maxRestarts:  MaxWorkerRestartCnt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Queue returns the campaign-wide Queue, shared read/write by every worker.
func (c *Campaign) Queue() *queue.Queue { return c.queue }

// NumWorkers reports how many worker proxies the campaign currently holds,
// alive or dead.
func (c *Campaign) NumWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// Start spawns n workers synchronized at one shared init barrier.
func (c *Campaign) Start(n int) error {
	if n <= 0 {
		return fmt.Errorf("campaign: start: worker count must be positive, got %d", n)
	}

	c.log.Infof("spawning %d worker(s)", n)

	barrier := worker.NewBarrier(n)
	initDone := &sync.Once{}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		uid := worker.UID(len(c.workers) + 1)
		wlog := c.workerLog(uid)
		shared := c.sharedState(barrier, initDone, wlog)
		w := worker.New(uid, shared, c.cfg, c.traceCfg, c.agents, seedFor(uid))
		proxy := w.Spawn()
		wlog.Infof("spawned")
		c.workers = append(c.workers, proxy)
	}
	return nil
}

// SpawnAdditionalWorker spawns one more worker with its own one-party
// barrier, so it passes initialization immediately without waiting on
// siblings that have already started.
func (c *Campaign) SpawnAdditionalWorker() error {
	barrier := worker.NewBarrier(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	uid := worker.UID(len(c.workers) + 1)
	wlog := c.workerLog(uid)
	shared := c.sharedState(barrier, &sync.Once{}, wlog)
	w := worker.New(uid, shared, c.cfg, c.traceCfg, c.agents, seedFor(uid))
	proxy := w.Spawn()
	wlog.Infof("spawned")
	c.workers = append(c.workers, proxy)
	return nil
}

// workerLog derives the sub-logger a given worker's messages are tagged
// with, so every line it emits carries its UID without each call site
// formatting it in.
func (c *Campaign) workerLog(uid worker.UID) *logger.Logger {
	return c.log.WithPrefix(fmt.Sprintf("worker %d", uid))
}

// sharedState builds a fresh worker.Shared bound to the given barrier,
// init-done guard, and per-worker logger, but sharing every other piece of
// campaign-wide state.
func (c *Campaign) sharedState(barrier *worker.Barrier, initDone *sync.Once, wlog *logger.Logger) *worker.Shared {
	return &worker.Shared{
		Queue:        c.queue,
		Cerebrum:     c.cerebrum,
		GlobalVirgin: c.globalVirgin,
		InitBarrier:  barrier,
		InitDone:     initDone,
		InitFailed:   c.initFailed,
		Dirs:         c.dirs,
		Symbolizer:   c.symbolizer,
		InitTS:       c.initTS,
		Log:          wlog,
	}
}

func seedFor(uid worker.UID) int64 { return int64(uid)*2654435761 + 1 }

// IsAnyWorkerAlive reports whether at least one worker proxy is still
// running.
func (c *Campaign) IsAnyWorkerAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if w.IsAlive() {
			return true
		}
	}
	return false
}

// Shutdown requests every worker stop, joins them all concurrently, and
// logs per-worker and summed statistics.
func (c *Campaign) Shutdown() error {
	c.log.Infof("shutting campaign down")

	c.mu.Lock()
	workers := append([]*worker.Proxy{}, c.workers...)
	c.mu.Unlock()

	for _, w := range workers {
		c.workerLog(w.UID()).Infof("sending stop signal")
		w.RequestStopSoon()
	}

	var g errgroup.Group
	errs := make([]error, len(workers))
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			if err := w.Join(); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var joined error
	for i, err := range errs {
		wlog := c.workerLog(workers[i].UID())
		if err != nil {
			wlog.Errorf("terminated with an error: %v", err)
			joined = multierr.Append(joined, err)
		} else {
			wlog.Infof("exited cleanly")
		}
	}

	snaps := make([]eventcounter.Snapshot, 0, len(workers))
	for _, w := range workers {
		s := w.Stats()
		snaps = append(snaps, s)
		c.workerLog(w.UID()).Infof("stats: %+v (execs/s: %.2f)", s, s.ExecsPerSec)
	}
	total := eventcounter.Sum(snaps)
	c.log.Infof("global stats: %+v", total)
	c.log.Infof("runtime: %s", time.Since(c.initTS))

	return joined
}

// Dump serializes a snapshot of the queue to the campaign's configured dump
// path.
func (c *Campaign) Dump() error {
	if c.queuePath == "" {
		return fmt.Errorf("campaign: dump: no queue dump path configured")
	}
	return c.queue.Dump(c.queuePath)
}

// RestartCrashedWorker spawns a replacement for every dead worker not yet
// in the restarted set, bounded by MaxWorkerRestartCnt. Once the bound is
// reached, the remaining dead workers are recorded as restarted anyway so
// they are never retried on a later call.
func (c *Campaign) RestartCrashedWorker() error {
	c.mu.Lock()
	dead := make([]*worker.Proxy, 0)
	for _, w := range c.workers {
		if !w.IsAlive() {
			dead = append(dead, w)
		}
	}
	c.mu.Unlock()

	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	var crashed []worker.UID
	for _, w := range dead {
		if !containsUID(c.restarted, w.UID()) {
			crashed = append(crashed, w.UID())
		}
	}

	for i, uid := range crashed {
		if len(c.restarted) >= c.maxRestarts {
			c.workerLog(uid).Errorf("maximum number of worker restarts reached, not restarting")
			// Record the remaining dead workers so no later sweep retries
			// them either.
			c.restarted = append(c.restarted, crashed[i:]...)
			return nil
		}
		c.workerLog(uid).Warnf("crashed and will be restarted")
		c.restarted = append(c.restarted, uid)
		if err := c.SpawnAdditionalWorker(); err != nil {
			return fmt.Errorf("campaign: restarting worker %v: %w", uid, err)
		}
	}
	return nil
}

func containsUID(haystack []worker.UID, needle worker.UID) bool {
	for _, u := range haystack {
		if u == needle {
			return true
		}
	}
	return false
}
