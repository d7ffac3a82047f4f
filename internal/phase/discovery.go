package phase

import (
	"context"
	"errors"
	"time"

	eapachequeue "github.com/eapache/queue"

	"github.com/ppfuzz/scheduler/internal/mutationcache"
)

// batchOf slices ids into chunks of at most size patch points each, loaded
// into an eapache/queue ring buffer so DoDiscoveryPhase can pop batches
// FIFO without reslicing a backing array on every iteration.
func batchOf(ids []mutationcache.SiteID, size int) *eapachequeue.Queue {
	q := eapachequeue.New()
	if size <= 0 {
		size = len(ids)
	}
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		q.Add(ids[i:end])
	}
	return q
}

// DoDiscoveryPhase iterates every patch point in allPatchPoints in batches
// of cfg.BatchSize, activating each batch with an empty mutation mask and
// observing whether the Sink reports coverage not yet seen. A batch whose
// single execution attempt doesn't complete within cfg.BatchCovTimeout is
// skipped; the phase itself ends once cfg.PhaseCovTimeout elapses with no
// new coverage from any batch. It returns whether the phase ran out of
// patch points to enumerate (exhausted) so the caller can honor
// terminate_when_finished.
func DoDiscoveryPhase(ctx context.Context, deps *ExecDeps, allPatchPoints []mutationcache.SiteID, cfg DiscoveryConfig) (exhausted bool, err error) {
	batches := batchOf(allPatchPoints, cfg.BatchSize)
	phaseStart := time.Now()

	for batches.Length() > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if cfg.PhaseCovTimeout > 0 && time.Since(phaseStart) > cfg.PhaseCovTimeout {
			return false, nil
		}

		batch := batches.Peek().([]mutationcache.SiteID)
		batches.Remove()

		entries := make([]*mutationcache.Entry, 0, len(batch))
		for _, id := range batch {
			entries = append(entries, &mutationcache.Entry{ID: id})
		}
		cache := mutationcache.FromEntries(entries)

		batchCtx := ctx
		cancel := func() {}
		if cfg.BatchCovTimeout > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, cfg.BatchCovTimeout)
		}

		gotNew, execErr := executeOnce(batchCtx, deps, cache, nil)
		cancel()
		if execErr != nil {
			var ee *ExecutionError
			if !errors.As(execErr, &ee) {
				return false, execErr
			}
			continue
		}
		if gotNew {
			phaseStart = time.Now()
		}
	}

	return true, nil
}
