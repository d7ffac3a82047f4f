package phase

import (
	"context"
	"testing"
	"time"

	"github.com/ppfuzz/scheduler/internal/bitmap"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoDiscoveryPhaseVisitsEveryBatchAndReportsExhausted(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{coverage: func(n int) []byte { return make([]byte, bitmap.DefaultMapSize) }}
	deps, _ := newTestDeps(t, src, sink)

	ids := []mutationcache.SiteID{1, 2, 3, 4, 5}
	cfg := DiscoveryConfig{
		BatchSize:       2,
		BatchCovTimeout: 100 * time.Millisecond,
		PhaseCovTimeout: time.Second,
	}

	exhausted, err := DoDiscoveryPhase(context.Background(), deps, ids, cfg)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, 3, src.runs) // ceil(5/2) batches, one execution attempt each
}

func TestDoDiscoveryPhaseEndsOnPhaseStarvation(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{coverage: func(n int) []byte { return make([]byte, bitmap.DefaultMapSize) }}
	deps, _ := newTestDeps(t, src, sink)

	ids := make([]mutationcache.SiteID, 100)
	for i := range ids {
		ids[i] = mutationcache.SiteID(i + 1)
	}
	cfg := DiscoveryConfig{
		BatchSize:       1,
		BatchCovTimeout: time.Second,
		PhaseCovTimeout: 1 * time.Nanosecond,
	}

	exhausted, err := DoDiscoveryPhase(context.Background(), deps, ids, cfg)
	require.NoError(t, err)
	assert.False(t, exhausted)
}
