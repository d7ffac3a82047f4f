// Package trace implements tracing (C5): running the Source under an active
// mutation set to recover the set of patch points an input touches.
package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
)

// Trace is the immutable set of patch-point IDs covered during one Source
// execution on a given input.
type Trace struct {
	covered map[mutationcache.SiteID]struct{}
}

// New builds a Trace from a set of covered IDs.
func New(covered []mutationcache.SiteID) *Trace {
	t := &Trace{covered: make(map[mutationcache.SiteID]struct{}, len(covered))}
	for _, id := range covered {
		t.covered[id] = struct{}{}
	}
	return t
}

// Len reports the number of distinct covered patch points.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.covered)
}

// Contains reports whether id was covered.
func (t *Trace) Contains(id mutationcache.SiteID) bool {
	if t == nil {
		return false
	}
	_, ok := t.covered[id]
	return ok
}

// IDs returns the covered IDs; order is unspecified.
func (t *Trace) IDs() []mutationcache.SiteID {
	if t == nil {
		return nil
	}
	out := make([]mutationcache.SiteID, 0, len(t.covered))
	for id := range t.covered {
		out = append(out, id)
	}
	return out
}

// CalibrationError signals a recoverable tracing failure: the caller should
// treat the attempt as a miss and move on, not abort the worker.
type CalibrationError struct {
	Reason string
	Err    error
}

func (e *CalibrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("trace: calibration failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("trace: calibration failed: %s", e.Reason)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// Config carries the subset of the ambient configuration tracing needs.
type Config struct {
	TracingTimeout time.Duration
}

// CommonTrace runs source with the given input under the active mutation
// cache for at most cfg.TracingTimeout, and returns the set of patch points
// touched. scratchBuf is reused across calls by the caller to avoid
// reallocating the coverage readout buffer.
//
// OS-level failures (process spawn errors, I/O errors) are returned
// unwrapped and must be treated as fatal by the caller. Failures specific
// to this attempt (timeout, non-zero/crash exit before any coverage could
// be read) are wrapped in a *CalibrationError and are recoverable.
func CommonTrace(
	ctx context.Context,
	cfg Config,
	source agentproto.Source,
	sink agentproto.Sink,
	input []byte,
	scratchBuf []byte,
) (*Trace, error) {
	timeout := cfg.TracingTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := source.Run(runCtx, input)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, &CalibrationError{Reason: "tracing timed out", Err: err}
		}
		return nil, fmt.Errorf("trace: source run: %w", err)
	}

	if result.TerminatedBySignal != nil {
		return nil, &CalibrationError{
			Reason: fmt.Sprintf("source terminated by signal %v during tracing", *result.TerminatedBySignal),
		}
	}

	if err := sink.Feed(runCtx, result.Output); err != nil {
		return nil, &CalibrationError{Reason: "sink rejected traced output", Err: err}
	}

	covered, err := sink.CoveredPatchPoints(scratchBuf)
	if err != nil {
		return nil, fmt.Errorf("trace: coverage readout: %w", err)
	}

	return New(covered), nil
}
