// Package agentproto defines the boundary contracts between the scheduler
// and the two external agent processes it drives: the Source (the target
// under mutation) and the Sink (the coverage-reporting consumer of the
// Source's output).
package agentproto

import (
	"context"
	"errors"

	"github.com/ppfuzz/scheduler/internal/mutationcache"
)

// RunResult is the outcome of one Source execution.
type RunResult struct {
	// Output is the data the Source produced, to be fed to the Sink.
	Output []byte
	// TerminatedBySignal is set when the Source process died from a signal
	// (e.g. SIGSEGV under ASAN) rather than exiting normally.
	TerminatedBySignal *int
	// ExecutionTime is wall-clock time spent inside the Source run, used to
	// feed the worker's execs_per_sec averaging.
	ExecutionTime int64 // nanoseconds
}

// Source is the mutated generator process: it enumerates the patch points
// available for mutation, accepts a MutationCache to steer which points
// mutate and how, and produces output to be scored by the Sink.
type Source interface {
	// PatchPoints enumerates every patch point instrumented in this Source
	// binary, in a stable order.
	PatchPoints(ctx context.Context) ([]mutationcache.SiteID, error)

	// InstallMutationCache installs cache as the active mutation set,
	// replacing any previously installed cache.
	InstallMutationCache(ctx context.Context, cache *mutationcache.Cache) error

	// Run executes the Source once against input with the currently
	// installed mutation cache active.
	Run(ctx context.Context, input []byte) (RunResult, error)
}

// Sink is the coverage-reporting consumer process.
type Sink interface {
	// Feed delivers output (the Source's RunResult.Output) to the Sink for
	// scoring.
	Feed(ctx context.Context, output []byte) error

	// CoveredPatchPoints reads back the patch points touched by the most
	// recent Feed, reusing scratchBuf as an I/O buffer when non-nil.
	CoveredPatchPoints(scratchBuf []byte) ([]mutationcache.SiteID, error)

	// CoverageBitmap reads back the raw shared-memory coverage bitmap of the
	// most recent Feed.
	CoverageBitmap(scratchBuf []byte) ([]byte, error)

	// LastTerminationSignal reports the signal that terminated the Sink
	// during its most recent Feed, or nil if it exited normally.
	LastTerminationSignal() *int

	// LatestASANReport returns the most recently captured ASAN/UBSAN report
	// text, if the last Feed produced one.
	LatestASANReport() (report string, ok bool)
}

// Connector spawns the Source/Sink process pair for one worker, identified
// by its campaign-assigned UID. The concrete transport (forkserver, shared
// memory, sockets) lives outside this module and registers itself here,
// the same way a database driver registers with database/sql.
type Connector func(workerUID uint64) (Source, Sink, error)

var registered Connector

// RegisterConnector installs the process-spawning transport. Calling it
// twice panics: exactly one transport may be linked into a binary.
func RegisterConnector(c Connector) {
	if registered != nil {
		panic("agentproto: connector registered twice")
	}
	registered = c
}

// Spawn invokes the registered connector.
func Spawn(workerUID uint64) (Source, Sink, error) {
	if registered == nil {
		return nil, nil, errors.New("agentproto: no connector registered (link an agent transport into this binary)")
	}
	return registered(workerUID)
}
