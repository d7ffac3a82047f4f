package phase

import (
	"context"
	"testing"

	"github.com/ppfuzz/scheduler/internal/bitmap"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickCombinePairReturnsFalseWithFewerThanTwoEntries(t *testing.T) {
	q := queue.New()
	e := q.Push([]byte("a"), nil, 0)
	_, _, ok := PickCombinePair([]*queue.Entry{e}, newSeededRand(1))
	assert.False(t, ok)
}

func TestPickCombinePairReturnsTwoDistinctEntries(t *testing.T) {
	q := queue.New()
	a := q.Push([]byte("a"), nil, 0)
	b := q.Push([]byte("b"), nil, 0)
	x, y, ok := PickCombinePair([]*queue.Entry{a, b}, newSeededRand(1))
	require.True(t, ok)
	assert.NotEqual(t, x.ID(), y.ID())
}

func TestUnionMutationCachesMergesBothSides(t *testing.T) {
	a := mutationcache.FromEntries([]*mutationcache.Entry{{ID: 1, Mask: []byte{0x01}}})
	b := mutationcache.FromEntries([]*mutationcache.Entry{{ID: 2, Mask: []byte{0x02}}})

	aBytes, err := a.MarshalBinary()
	require.NoError(t, err)
	bBytes, err := b.MarshalBinary()
	require.NoError(t, err)

	union, err := UnionMutationCaches(aBytes, bBytes)
	require.NoError(t, err)
	assert.Equal(t, 2, union.Len())
}

func TestDoCombinePhaseExecutesUnionOnce(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{coverage: func(n int) []byte { return make([]byte, bitmap.DefaultMapSize) }}
	deps, _ := newTestDeps(t, src, sink)

	a := mutationcache.FromEntries([]*mutationcache.Entry{{ID: 1, Mask: []byte{0x01}}})
	b := mutationcache.FromEntries([]*mutationcache.Entry{{ID: 2, Mask: []byte{0x02}}})
	aBytes, _ := a.MarshalBinary()
	bBytes, _ := b.MarshalBinary()

	q := queue.New()
	qa := q.Push([]byte("a"), aBytes, 0)
	qb := q.Push([]byte("b"), bBytes, 0)

	err := DoCombinePhase(context.Background(), deps, qa, qb, CombineConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, src.runs)
}
