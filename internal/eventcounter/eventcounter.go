// Package eventcounter implements per-worker and aggregate fuzzing event
// statistics (executions, crashes, timeouts, coverage hits).
package eventcounter

import "time"

// Counter accumulates fuzzing event counts for a single worker. It is not
// safe for concurrent use by multiple goroutines; each worker owns its own
// Counter and the Campaign merges snapshots via Sum.
type Counter struct {
	Execs          uint64
	Crashes        uint64
	Timeouts       uint64
	NewEdges       uint64
	NewHits        uint64
	CalibrationErr uint64
	InitTS         time.Time
}

// New returns a Counter with InitTS set to start.
func New(start time.Time) *Counter {
	return &Counter{InitTS: start}
}

// RecordExec registers one completed Source/Sink execution.
func (c *Counter) RecordExec() { c.Execs++ }

// RecordCrash registers one crashing execution.
func (c *Counter) RecordCrash() { c.Crashes++ }

// RecordTimeout registers one execution that exceeded its timeout.
func (c *Counter) RecordTimeout() { c.Timeouts++ }

// RecordNewEdge registers one execution that discovered a new control-flow
// edge.
func (c *Counter) RecordNewEdge() { c.NewEdges++ }

// RecordNewHit registers one execution that re-hit a known edge with a
// previously-unseen hit count bucket.
func (c *Counter) RecordNewHit() { c.NewHits++ }

// RecordCalibrationErr registers one recoverable tracing/calibration
// failure.
func (c *Counter) RecordCalibrationErr() { c.CalibrationErr++ }

// ExecsPerSec reports the average execution rate since InitTS.
func (c *Counter) ExecsPerSec() float64 {
	elapsed := time.Since(c.InitTS).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.Execs) / elapsed
}

// Snapshot is an immutable point-in-time copy of a Counter, safe to pass
// across goroutines (e.g. from a worker to the campaign summary printer).
type Snapshot struct {
	Execs          uint64
	Crashes        uint64
	Timeouts       uint64
	NewEdges       uint64
	NewHits        uint64
	CalibrationErr uint64
	ExecsPerSec    float64
}

// Snap captures the current state of c.
func (c *Counter) Snap() Snapshot {
	return Snapshot{
		Execs:          c.Execs,
		Crashes:        c.Crashes,
		Timeouts:       c.Timeouts,
		NewEdges:       c.NewEdges,
		NewHits:        c.NewHits,
		CalibrationErr: c.CalibrationErr,
		ExecsPerSec:    c.ExecsPerSec(),
	}
}

// Sum merges per-worker snapshots into a campaign-wide total. ExecsPerSec
// is summed directly: each worker's rate is added rather than recomputed
// from the combined exec count and elapsed time.
func Sum(snaps []Snapshot) Snapshot {
	var total Snapshot
	for _, s := range snaps {
		total.Execs += s.Execs
		total.Crashes += s.Crashes
		total.Timeouts += s.Timeouts
		total.NewEdges += s.NewEdges
		total.NewHits += s.NewHits
		total.CalibrationErr += s.CalibrationErr
		total.ExecsPerSec += s.ExecsPerSec
	}
	return total
}
