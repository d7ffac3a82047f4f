package phase

import (
	"context"
	"math/rand"

	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/mutator"
)

// PrepareMutateTargets builds one mutation pipeline per non-nop entry of
// entryMC: FlipOnce always, RandomByteN scaled to mask
// length. Entries are visited "one at a time" in the cache's stable order.
func PrepareMutateTargets(rng *rand.Rand, entryMC *mutationcache.Cache) []Target {
	handles := entryMC.Entries()
	defer handles.Release()

	var targets []Target
	for _, e := range handles.Items() {
		if e.IsNop() {
			continue
		}
		maskLen := len(e.Mask)
		budget := mutator.IterationBudget(maskLen)

		steps := []mutator.Mutator{mutator.NewFlipOnce()}
		if rb := mutator.NewRandomByteN(rng, budget, maskLen); rb != nil {
			steps = append(steps, rb)
		}

		targets = append(targets, Target{Entry: e, Pipeline: steps})
	}
	return targets
}

// DoMutatePhase restores entryMC onto source (the caller is expected to
// have already done so via the worker's QE-restore step) and fuzzes each of
// its non-nop entries in turn.
func DoMutatePhase(ctx context.Context, deps *ExecDeps, entryMC *mutationcache.Cache, cfg MutateConfig, rng *rand.Rand) error {
	targets := PrepareMutateTargets(rng, entryMC)
	if len(targets) == 0 {
		return nil
	}
	return FuzzCandidates(ctx, deps, entryMC, targets, cfg.EntryCovTimeout)
}
