package phase

import (
	"context"
	"math/rand"

	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/queue"
)

// PickCombinePair selects two distinct entries uniformly at random from
// entries. It returns false if fewer than two entries are available.
func PickCombinePair(entries []*queue.Entry, rng *rand.Rand) (*queue.Entry, *queue.Entry, bool) {
	if len(entries) < 2 {
		return nil, nil, false
	}
	i := rng.Intn(len(entries))
	j := rng.Intn(len(entries))
	for j == i {
		j = rng.Intn(len(entries))
	}
	return entries[i], entries[j], true
}

// UnionMutationCaches merges a's and b's serialized mutation snapshots into
// a single fresh Cache, preferring b's entries over a's on ID collision
// (UnionAndReplace semantics).
func UnionMutationCaches(aMutations, bMutations []byte) (*mutationcache.Cache, error) {
	a := mutationcache.NewCache()
	if aMutations != nil {
		loaded, err := mutationcache.LoadFromBytes(aMutations)
		if err != nil {
			return nil, err
		}
		a = loaded
	}
	if bMutations != nil {
		b, err := mutationcache.LoadFromBytes(bMutations)
		if err != nil {
			return nil, err
		}
		a.UnionAndReplace(b)
	}
	return a, nil
}

// DoCombinePhase unions a and b's mutation caches and executes the result
// once against the Source/Sink pair, bounded by cfg.EntryCovTimeout. A
// discovered new QE's mutations field will be the serialized union cache.
// Unlike Mutate/Add, Combine does not mutate any single MCE, so no Cerebrum
// bookkeeping is performed.
func DoCombinePhase(ctx context.Context, deps *ExecDeps, a, b *queue.Entry, cfg CombineConfig) error {
	cache, err := UnionMutationCaches(a.Mutations(), b.Mutations())
	if err != nil {
		return err
	}
	if cache.Len() == 0 {
		return nil
	}

	runCtx := ctx
	if cfg.EntryCovTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.EntryCovTimeout)
		defer cancel()
	}

	_, err = executeOnce(runCtx, deps, cache, nil)
	return err
}
