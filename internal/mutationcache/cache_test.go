package mutationcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPatchPointsAllNop(t *testing.T) {
	c := FromPatchPoints([]SiteID{1, 2, 3})
	require.Equal(t, 3, c.Len())
	for _, id := range []SiteID{1, 2, 3} {
		e, ok := c.Get(id)
		require.True(t, ok)
		assert.True(t, e.IsNop())
	}
}

func TestUnionAndReplacePreservesSelfOrderAndAppendsNew(t *testing.T) {
	self := FromPatchPoints([]SiteID{1, 2, 3})
	other := NewCache()
	other.appendNew(&Entry{ID: 2, Mask: []byte{0xAA}})
	other.appendNew(&Entry{ID: 9, Mask: []byte{0xBB}})

	self.UnionAndReplace(other)

	require.Equal(t, []SiteID{1, 2, 3, 9}, self.order)
	e2, _ := self.Get(2)
	assert.Equal(t, []byte{0xAA}, e2.Mask)
	e9, _ := self.Get(9)
	assert.Equal(t, []byte{0xBB}, e9.Mask)
}

func TestRemoveUncoveredDropsMissingIDs(t *testing.T) {
	c := FromPatchPoints([]SiteID{1, 2, 3, 4})
	covered := map[SiteID]struct{}{2: {}, 4: {}}
	c.RemoveUncovered(covered)

	require.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(2)
	assert.True(t, ok)
}

func TestResizeCoveredEntriesPreservesBytesAndZeroExtends(t *testing.T) {
	c := NewCache()
	c.appendNew(&Entry{ID: 1, Mask: []byte{0x01, 0x02}, BitWidth: 4})
	covered := map[SiteID]struct{}{1: {}}

	c.ResizeCoveredEntries(covered)

	e, _ := c.Get(1)
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00}, e.Mask)
}

func TestResizeCoveredEntriesSkipsUncovered(t *testing.T) {
	c := NewCache()
	c.appendNew(&Entry{ID: 1, Mask: []byte{0x01}, BitWidth: 4})
	c.ResizeCoveredEntries(map[SiteID]struct{}{})

	e, _ := c.Get(1)
	assert.Equal(t, []byte{0x01}, e.Mask)
}

func TestClearLeavesCacheEmptyButValid(t *testing.T) {
	c := FromPatchPoints([]SiteID{1, 2})
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestNopInvariantHoldsAfterEveryOperation(t *testing.T) {
	c := FromPatchPoints([]SiteID{1, 2, 3})
	other := NewCache()
	other.appendNew(&Entry{ID: 2, Mask: []byte{0x01}, BitWidth: 2})

	c.UnionAndReplace(other)
	c.RemoveUncovered(map[SiteID]struct{}{1: {}, 2: {}})
	c.ResizeCoveredEntries(map[SiteID]struct{}{2: {}})

	seen := map[SiteID]bool{}
	for _, e := range c.snapshot() {
		assert.False(t, seen[e.ID], "ID %d visited twice", e.ID)
		seen[e.ID] = true
		assert.Equal(t, e.IsNop(), len(e.Mask) == 0)
	}
}

func TestMutatingWhileHandlesLiveIsUnreachable(t *testing.T) {
	c := FromPatchPoints([]SiteID{1, 2})
	handles := c.Entries()
	defer handles.Release()

	assert.Panics(t, func() {
		c.Clear()
	})
}

func TestReleasingHandlesReenablesMutation(t *testing.T) {
	c := FromPatchPoints([]SiteID{1, 2})
	handles := c.Entries()
	handles.Release()

	assert.NotPanics(t, func() {
		c.Clear()
	})
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := NewCache()
	c.appendNew(&Entry{ID: 1, Mask: []byte{0x01, 0x02}, BitWidth: 4, InstructionKind: "add"})
	c.appendNew(&Entry{ID: 2})

	data, err := c.MarshalBinary()
	require.NoError(t, err)

	restored, err := LoadFromBytes(data)
	require.NoError(t, err)

	require.Equal(t, c.order, restored.order)
	e1, _ := restored.Get(1)
	assert.Equal(t, []byte{0x01, 0x02}, e1.Mask)
	assert.Equal(t, uint32(4), e1.BitWidth)
	assert.Equal(t, "add", e1.InstructionKind)
}

func TestLoadBytesReplacesExistingContent(t *testing.T) {
	c := FromPatchPoints([]SiteID{5, 6, 7})
	other := NewCache()
	other.appendNew(&Entry{ID: 99, Mask: []byte{0xFF}})
	data, err := other.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, c.LoadBytes(data))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(5)
	assert.False(t, ok)
	_, ok = c.Get(99)
	assert.True(t, ok)
}
