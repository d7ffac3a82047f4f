package phase

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/cerebrum"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/mutator"
	"github.com/ppfuzz/scheduler/internal/trace"
)

// ChooseAddCandidates implements the Add phase's weighted composite
// candidate sample. allPatchPoints is the
// Source's full patch point enumeration; entryMC is the mutation cache
// currently associated with the QE being extended; tr is that QE's trace.
// On return, the union of the already-active entries and the freshly drawn
// ones has been installed on source as the active mutation cache, and the
// freshly drawn nop entries are returned, shuffled, as mutation targets.
func ChooseAddCandidates(
	ctx context.Context,
	source agentproto.Source,
	cereb *cerebrum.Cerebrum,
	allPatchPoints []mutationcache.SiteID,
	entryMC *mutationcache.Cache,
	tr *trace.Trace,
	cfg AddConfig,
	rng *rand.Rand,
) ([]*mutationcache.Entry, *mutationcache.Cache, error) {
	covered := make(map[mutationcache.SiteID]struct{}, tr.Len())
	for _, id := range tr.IDs() {
		covered[id] = struct{}{}
	}

	tmp := mutationcache.FromPatchPoints(allPatchPoints)
	tmp.UnionAndReplace(entryMC)
	tmp.RemoveUncovered(covered)
	tmp.ResizeCoveredEntries(covered)

	handles := tmp.Entries()
	pool := append([]*mutationcache.Entry{}, handles.Items()...)
	handles.Release()

	var selection []*mutationcache.Entry
	var candidates []*mutationcache.Entry
	for _, e := range pool {
		if e.IsNop() {
			candidates = append(candidates, e)
		} else {
			selection = append(selection, e)
		}
	}

	var drawn []*mutationcache.Entry

	unfuzzedCnt := cfg.ClassShare(cfg.SelectUnfuzzedWeight)
	unfuzzedSet := cereb.PatchPointsUnfuzzed()
	unfuzzedDraw, candidates := takeDeterministic(candidates, unfuzzedSet, unfuzzedCnt)
	for _, e := range unfuzzedDraw {
		// Claim the site so sibling workers stop treating it as unfuzzed
		// while this worker is already mutating it.
		cereb.MarkCandidateDrawn(e.ID)
	}
	drawn = append(drawn, unfuzzedDraw...)

	yieldingCnt := cfg.ClassShare(cfg.SelectYieldingWeight)
	yieldingSet := cereb.PatchPointsYielded()
	yieldingDraw, candidates := takeRandom(candidates, yieldingSet, yieldingCnt, rng)
	drawn = append(drawn, yieldingDraw...)

	randomCnt := cfg.ClassShare(cfg.SelectRandomWeight)
	randomDraw, _ := takeRandomAny(candidates, randomCnt, rng)
	drawn = append(drawn, randomDraw...)

	selection = append(selection, drawn...)

	newCache := mutationcache.FromEntries(selection)
	if err := source.InstallMutationCache(ctx, newCache); err != nil {
		return nil, nil, fmt.Errorf("phase: add: installing candidate cache: %w", err)
	}

	rng.Shuffle(len(drawn), func(i, j int) { drawn[i], drawn[j] = drawn[j], drawn[i] })
	return drawn, newCache, nil
}

// takeDeterministic draws up to n entries from pool whose ID is in set, in
// pool's existing (stable) order, and returns the draw along with the
// remaining pool with the drawn entries withdrawn.
func takeDeterministic(pool []*mutationcache.Entry, set map[mutationcache.SiteID]struct{}, n int) ([]*mutationcache.Entry, []*mutationcache.Entry) {
	if n <= 0 {
		return nil, pool
	}
	var drawn, remaining []*mutationcache.Entry
	for _, e := range pool {
		if len(drawn) < n {
			if _, ok := set[e.ID]; ok {
				drawn = append(drawn, e)
				continue
			}
		}
		remaining = append(remaining, e)
	}
	return drawn, remaining
}

// takeRandom draws up to n entries uniformly at random, without
// replacement, from the subset of pool whose ID is in set.
func takeRandom(pool []*mutationcache.Entry, set map[mutationcache.SiteID]struct{}, n int, rng *rand.Rand) ([]*mutationcache.Entry, []*mutationcache.Entry) {
	if n <= 0 {
		return nil, pool
	}
	var eligible, rest []*mutationcache.Entry
	for _, e := range pool {
		if _, ok := set[e.ID]; ok {
			eligible = append(eligible, e)
		} else {
			rest = append(rest, e)
		}
	}
	rng.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	if n > len(eligible) {
		n = len(eligible)
	}
	drawn := eligible[:n]
	remaining := append(rest, eligible[n:]...)
	return drawn, remaining
}

// takeRandomAny draws up to n entries uniformly at random, without
// replacement, from the entirety of pool.
func takeRandomAny(pool []*mutationcache.Entry, n int, rng *rand.Rand) ([]*mutationcache.Entry, []*mutationcache.Entry) {
	shuffled := append([]*mutationcache.Entry{}, pool...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n], shuffled[n:]
}

// PrepareAddMutations builds the FlipOnce(+RandomByteN) mutator pipeline
// for each freshly-drawn candidate.
// Candidates that are not nop (defensive; ChooseAddCandidates should never
// hand back a non-nop entry) are skipped, mirroring
// add_phase_prepare_mutations's own is_nop() guard.
func PrepareAddMutations(rng *rand.Rand, candidates []*mutationcache.Entry) []Target {
	targets := make([]Target, 0, len(candidates))
	for _, c := range candidates {
		if !c.IsNop() {
			continue
		}
		maskLen := len(c.Mask)
		budget := mutator.IterationBudget(maskLen)

		steps := []mutator.Mutator{mutator.NewFlipOnce()}
		if rb := mutator.NewRandomByteN(rng, budget, maskLen); rb != nil {
			steps = append(steps, rb)
		}
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

		targets = append(targets, Target{Entry: c, Pipeline: steps})
	}
	return targets
}

// DoAddPhase runs the full Add phase: choose candidates, prepare their
// mutation pipelines, and fuzz them.
func DoAddPhase(
	ctx context.Context,
	deps *ExecDeps,
	source agentproto.Source,
	cereb *cerebrum.Cerebrum,
	allPatchPoints []mutationcache.SiteID,
	entryMC *mutationcache.Cache,
	tr *trace.Trace,
	cfg AddConfig,
	rng *rand.Rand,
) error {
	candidates, cache, err := ChooseAddCandidates(ctx, source, cereb, allPatchPoints, entryMC, tr, cfg, rng)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	targets := PrepareAddMutations(rng, candidates)
	if len(targets) == 0 {
		return nil
	}

	return FuzzCandidates(ctx, deps, cache, targets, cfg.EntryCovTimeout)
}
