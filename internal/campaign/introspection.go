package campaign

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ppfuzz/scheduler/internal/eventcounter"
	"github.com/ppfuzz/scheduler/internal/worker"
)

// WriteIntrospection patches the campaign's runtime counters into the
// introspection document at path. The document accretes many independent
// counters, so each tick sets its JSON paths on the existing document
// instead of re-marshalling a full struct; every tick sets the top-level
// counters and every worker's counters, and keys it does not own are kept.
func (c *Campaign) WriteIntrospection(path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("campaign: introspection: read %s: %w", path, err)
		}
		doc = []byte("{}")
	}

	c.mu.Lock()
	workers := append([]*worker.Proxy{}, c.workers...)
	c.mu.Unlock()
	queueLen := c.queue.Len()

	c.restartMu.Lock()
	restarted := len(c.restarted)
	c.restartMu.Unlock()

	doc, err = sjson.SetBytes(doc, "runtime_secs", int64(time.Since(c.initTS).Seconds()))
	if err != nil {
		return fmt.Errorf("campaign: introspection: %w", err)
	}
	doc, _ = sjson.SetBytes(doc, "queue_len", queueLen)
	doc, _ = sjson.SetBytes(doc, "num_workers", len(workers))
	doc, _ = sjson.SetBytes(doc, "restarted_workers", restarted)

	snaps := make([]eventcounter.Snapshot, 0, len(workers))
	for _, w := range workers {
		s := w.Stats()
		snaps = append(snaps, s)
		prefix := fmt.Sprintf("workers.%d", w.UID())
		doc, _ = sjson.SetBytes(doc, prefix+".execs", s.Execs)
		doc, _ = sjson.SetBytes(doc, prefix+".execs_per_sec", s.ExecsPerSec)
		doc, _ = sjson.SetBytes(doc, prefix+".crashes", s.Crashes)
		doc, _ = sjson.SetBytes(doc, prefix+".new_edges", s.NewEdges)
		doc, _ = sjson.SetBytes(doc, prefix+".new_hits", s.NewHits)
		doc, _ = sjson.SetBytes(doc, prefix+".alive", w.IsAlive())
	}
	total := eventcounter.Sum(snaps)
	doc, _ = sjson.SetBytes(doc, "total.execs", total.Execs)
	doc, _ = sjson.SetBytes(doc, "total.execs_per_sec", total.ExecsPerSec)
	doc, _ = sjson.SetBytes(doc, "total.crashes", total.Crashes)
	doc, _ = sjson.SetBytes(doc, "total.new_edges", total.NewEdges)
	doc, _ = sjson.SetBytes(doc, "total.new_hits", total.NewHits)

	if err := natomic.WriteFile(path, bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("campaign: introspection: write %s: %w", path, err)
	}
	return nil
}

// IntrospectionSummary is the subset of the introspection document the CLI
// renders.
type IntrospectionSummary struct {
	RuntimeSecs      int64
	QueueLen         int64
	NumWorkers       int64
	RestartedWorkers int64
	TotalExecs       uint64
	TotalExecsPerSec float64
}

// ReadIntrospection extracts the summary fields from an introspection
// document without decoding the per-worker subtrees.
func ReadIntrospection(path string) (IntrospectionSummary, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return IntrospectionSummary{}, fmt.Errorf("campaign: introspection: read %s: %w", path, err)
	}
	if !gjson.ValidBytes(doc) {
		return IntrospectionSummary{}, fmt.Errorf("campaign: introspection: %s is not valid JSON", path)
	}
	return IntrospectionSummary{
		RuntimeSecs:      gjson.GetBytes(doc, "runtime_secs").Int(),
		QueueLen:         gjson.GetBytes(doc, "queue_len").Int(),
		NumWorkers:       gjson.GetBytes(doc, "num_workers").Int(),
		RestartedWorkers: gjson.GetBytes(doc, "restarted_workers").Int(),
		TotalExecs:       gjson.GetBytes(doc, "total.execs").Uint(),
		TotalExecsPerSec: gjson.GetBytes(doc, "total.execs_per_sec").Float(),
	}, nil
}

// WritePatchPointsSnapshot persists the Source's patch-point enumeration,
// written once after startup since patch points are immutable for the
// lifetime of a Source binary.
func (c *Campaign) WritePatchPointsSnapshot(path string) error {
	data, err := json.MarshalIndent(c.patchPoints, "", "  ")
	if err != nil {
		return fmt.Errorf("campaign: patch points snapshot: %w", err)
	}
	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("campaign: patch points snapshot: write %s: %w", path, err)
	}
	return nil
}

// WriteConfigSnapshot persists the JSON rendition of the loaded
// configuration next to the campaign's other state, so a later inspection
// of the work directory can tell which settings produced it.
func (c *Campaign) WriteConfigSnapshot(path string, cfg any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("campaign: config snapshot: %w", err)
	}
	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("campaign: config snapshot: write %s: %w", path, err)
	}
	return nil
}
