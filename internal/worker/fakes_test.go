package worker

import (
	"context"
	"math/rand"
	"sync"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/bitmap"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
)

func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// fakeSource always succeeds and reports three patch points. It echoes the
// installed cache so tests can assert on which entries were active for a
// given Run.
type fakeSource struct {
	mu        sync.Mutex
	installed *mutationcache.Cache
	runs      int
}

func (f *fakeSource) PatchPoints(ctx context.Context) ([]mutationcache.SiteID, error) {
	return []mutationcache.SiteID{1, 2, 3}, nil
}

func (f *fakeSource) InstallMutationCache(ctx context.Context, cache *mutationcache.Cache) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = cache
	return nil
}

func (f *fakeSource) Run(ctx context.Context, input []byte) (agentproto.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return agentproto.RunResult{Output: []byte("out")}, nil
}

// fakeSink reports a fixed coverage bitmap (new the first time, stale
// thereafter) and never crashes.
type fakeSink struct {
	mu       sync.Mutex
	feeds    int
	coverage func(feedN int) []byte
}

func (f *fakeSink) Feed(ctx context.Context, output []byte) error {
	f.mu.Lock()
	f.feeds++
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) CoveredPatchPoints(scratchBuf []byte) ([]mutationcache.SiteID, error) {
	return []mutationcache.SiteID{2}, nil
}

func (f *fakeSink) CoverageBitmap(scratchBuf []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coverage == nil {
		return make([]byte, bitmap.DefaultMapSize), nil
	}
	return f.coverage(f.feeds), nil
}

func (f *fakeSink) LastTerminationSignal() *int { return nil }

func (f *fakeSink) LatestASANReport() (string, bool) { return "", false }
