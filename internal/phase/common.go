package phase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/bitmap"
	"github.com/ppfuzz/scheduler/internal/cerebrum"
	"github.com/ppfuzz/scheduler/internal/eventcounter"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/mutator"
	"github.com/ppfuzz/scheduler/internal/queue"
)

// AvgExecutionTimeStabilizationValue is K in the execution-time averaging
// formula; it keeps a burst of slow executions from destabilizing the
// rolling mean.
const AvgExecutionTimeStabilizationValue = 8

// Target pairs a candidate Mutation Cache Entry with the ordered mutator
// pipeline to apply to its mask.
type Target struct {
	Entry    *mutationcache.Entry
	Pipeline []mutator.Mutator
}

// WorkDirs names the campaign's artifact output directories.
type WorkDirs struct {
	Interesting string
	Crashing    string
	ASANReports string
}

// Symbolizer turns a raw ASAN/UBSAN report into a symbolized one. The
// concrete symbolizer lives outside this module; a nil Symbolizer simply
// skips producing the symbolized copy.
type Symbolizer interface {
	Symbolize(report string) (string, error)
}

// ExecDeps bundles everything the common execution loop needs to run a
// batch of mutation targets against the Source/Sink pair.
type ExecDeps struct {
	Source       agentproto.Source
	Sink         agentproto.Sink
	LocalVirgin  *bitmap.Bitmap
	GlobalVirgin *bitmap.Global
	Queue        *queue.Queue
	Cerebrum     *cerebrum.Cerebrum
	Counter      *eventcounter.Counter
	Dirs         WorkDirs
	Symbolizer   Symbolizer
	InitTS       time.Time
	Generation   uint32
	CurrentEntry queue.EntryID
	HasEntry     bool
	ScratchBuf   []byte
	// BaseInput is the currently-loaded QueueEntry's input, fed to the
	// Source on every execution so that restoring its mutation cache
	// reproduces its originally observed behavior. Nil during Discovery,
	// which has no QueueEntry yet.
	BaseInput []byte

	execMu            sync.Mutex
	avgExecutionTime  time.Duration
	avgExecutionCount uint32
}

// ReportExecutionDuration folds n newly observed executions averaging
// avgDuration into the rolling mean:
//
//	avg := (avg*K + observed*n) / (n + K)
func (d *ExecDeps) ReportExecutionDuration(avgDuration time.Duration, n uint32) {
	d.execMu.Lock()
	defer d.execMu.Unlock()
	const k = AvgExecutionTimeStabilizationValue
	d.avgExecutionTime = time.Duration((int64(d.avgExecutionTime)*k + int64(avgDuration)*int64(n)) / int64(n+k))
	d.avgExecutionCount += n
}

// AvgExecutionTime returns the current rolling average execution duration.
func (d *ExecDeps) AvgExecutionTime() time.Duration {
	d.execMu.Lock()
	defer d.execMu.Unlock()
	return d.avgExecutionTime
}

// FuzzCandidates implements the common execution loop shared by every
// phase: for each target, apply its mutator pipeline
// steps in order, run Source then Sink, and evaluate the Sink's coverage
// against the local+global virgin maps. A per-target starvation timeout
// (reset on every NewHit/NewEdge) bounds how long a target may run without
// making progress; zero means no timeout.
func FuzzCandidates(ctx context.Context, deps *ExecDeps, cache *mutationcache.Cache, targets []Target, starvationTimeout time.Duration) error {
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fuzzOneTarget(ctx, deps, cache, target, starvationTimeout); err != nil {
			return err
		}
	}
	return nil
}

func fuzzOneTarget(ctx context.Context, deps *ExecDeps, cache *mutationcache.Cache, target Target, starvationTimeout time.Duration) error {
	lastProgress := time.Now()

	for _, step := range target.Pipeline {
		for step.Next(target.Entry.Mask) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if starvationTimeout > 0 && time.Since(lastProgress) > starvationTimeout {
				return nil
			}

			gotNewCoverage, err := executeOnce(ctx, deps, cache, &target.Entry.ID)
			if err != nil {
				var execErr *ExecutionError
				if errors.As(err, &execErr) {
					// Recoverable: this single attempt failed, try the next
					// mutator step rather than aborting the whole target.
					if deps.Counter != nil {
						deps.Counter.RecordCalibrationErr()
					}
					continue
				}
				return err
			}
			if gotNewCoverage {
				lastProgress = time.Now()
			}
		}
	}
	return nil
}

// executeOnce installs cache, runs one Source/Sink pair, evaluates
// coverage, and performs the on-new-coverage / on-crash side effects. It
// returns whether new coverage was observed.
func executeOnce(ctx context.Context, deps *ExecDeps, cache *mutationcache.Cache, mutatedID *mutationcache.SiteID) (bool, error) {
	if err := deps.Source.InstallMutationCache(ctx, cache); err != nil {
		return false, fmt.Errorf("phase: installing mutation cache: %w", err)
	}

	start := time.Now()
	runResult, err := deps.Source.Run(ctx, deps.BaseInput)
	elapsed := time.Since(start)
	deps.ReportExecutionDuration(elapsed, 1)

	if err != nil {
		return false, &ExecutionError{Reason: "source run failed", Err: err}
	}
	if deps.Counter != nil {
		deps.Counter.RecordExec()
	}
	if runResult.TerminatedBySignal != nil {
		if deps.Counter != nil {
			deps.Counter.RecordCrash()
		}
		return false, nil
	}

	if err := deps.Sink.Feed(ctx, runResult.Output); err != nil {
		return false, &ExecutionError{Reason: "sink feed failed", Err: err}
	}

	if sig := deps.Sink.LastTerminationSignal(); sig != nil {
		if deps.Counter != nil {
			deps.Counter.RecordCrash()
		}
		saveCrashingInput(deps, runResult.Output, *sig)
		return false, nil
	}

	coverage, err := deps.Sink.CoverageBitmap(deps.ScratchBuf)
	if err != nil {
		return false, &ExecutionError{Reason: "coverage readout failed", Err: err}
	}

	status := bitmap.CheckAndSync(bitmap.Wrap(coverage), deps.LocalVirgin, deps.GlobalVirgin)
	if status == bitmap.NoNew {
		return false, nil
	}

	if deps.Counter != nil {
		if status == bitmap.NewEdge {
			deps.Counter.RecordNewEdge()
		} else {
			deps.Counter.RecordNewHit()
		}
	}

	saveInterestingInput(deps, runResult.Output)

	var mutations []byte
	if data, err := cache.MarshalBinary(); err == nil {
		mutations = data
	}
	deps.Queue.Push(runResult.Output, mutations, deps.Generation+1)

	if deps.Cerebrum != nil && mutatedID != nil {
		deps.Cerebrum.MarkYielded(*mutatedID)
	}

	return true, nil
}

func saveInterestingInput(deps *ExecDeps, sinkInput []byte) {
	if deps.Dirs.Interesting == "" {
		return
	}
	name := fmt.Sprintf("ts:%d+hash:%s", time.Since(deps.InitTS).Milliseconds(), sha256Hex(sinkInput))
	_ = os.WriteFile(filepath.Join(deps.Dirs.Interesting, name), sinkInput, 0o644)
}

func saveCrashingInput(deps *ExecDeps, sinkInput []byte, signal int) {
	if deps.Dirs.Crashing == "" {
		return
	}
	entryID := "none"
	if deps.HasEntry {
		entryID = fmt.Sprintf("%d", deps.CurrentEntry)
	}
	prefix := fmt.Sprintf("ts:%d+hash:%s+queue_entry:%s+sig:%s",
		time.Since(deps.InitTS).Milliseconds(), sha256Hex(sinkInput), entryID, signalName(signal))

	_ = os.WriteFile(filepath.Join(deps.Dirs.Crashing, prefix+".input"), sinkInput, 0o644)

	if deps.Dirs.ASANReports == "" {
		return
	}
	report, ok := deps.Sink.LatestASANReport()
	if !ok {
		return
	}
	_ = os.WriteFile(filepath.Join(deps.Dirs.ASANReports, prefix+".asan"), []byte(report), 0o644)

	if deps.Symbolizer == nil {
		return
	}
	symbolized, err := deps.Symbolizer.Symbolize(report)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(deps.Dirs.ASANReports, prefix+".asan_symbolized"), []byte(symbolized), 0o644)
}

// signalName renders a signal number as its SIG* name for artifact
// filenames, falling back to the raw number for signals the platform does
// not name.
func signalName(sig int) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("SIG%d", sig)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExecutionError signals a recoverable failure of a single Source/Sink
// execution attempt (as opposed to any other error, which propagates and
// ends the worker).
type ExecutionError struct {
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phase: execution failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("phase: execution failed: %s", e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
