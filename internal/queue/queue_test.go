package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	installed  *mutationcache.Cache
	runResult  agentproto.RunResult
	runErr     error
}

func (s *stubSource) PatchPoints(ctx context.Context) ([]mutationcache.SiteID, error) { return nil, nil }

func (s *stubSource) InstallMutationCache(ctx context.Context, cache *mutationcache.Cache) error {
	s.installed = cache
	return nil
}

func (s *stubSource) Run(ctx context.Context, input []byte) (agentproto.RunResult, error) {
	return s.runResult, s.runErr
}

type stubSink struct {
	covered []mutationcache.SiteID
}

func (s *stubSink) Feed(ctx context.Context, output []byte) error { return nil }

func (s *stubSink) CoveredPatchPoints(scratchBuf []byte) ([]mutationcache.SiteID, error) {
	return s.covered, nil
}

func (s *stubSink) CoverageBitmap(scratchBuf []byte) ([]byte, error) { return nil, nil }

func (s *stubSink) LastTerminationSignal() *int { return nil }

func (s *stubSink) LatestASANReport() (string, bool) { return "", false }

func TestPushAssignsMonotonicIDs(t *testing.T) {
	q := New()
	e1 := q.Push([]byte("a"), nil, 0)
	e2 := q.Push([]byte("b"), nil, 0)
	assert.Equal(t, EntryID(0), e1.ID())
	assert.Equal(t, EntryID(1), e2.ID())
	assert.Equal(t, 2, q.Len())
}

func TestIterSnapshotIsIndependentOfLaterPushes(t *testing.T) {
	q := New()
	q.Push([]byte("a"), nil, 0)
	snap := q.IterSnapshot()
	q.Push([]byte("b"), nil, 0)
	assert.Len(t, snap, 1)
	assert.Equal(t, 2, q.Len())
}

func TestTraceQueueEntryFirstCallerComputesTrace(t *testing.T) {
	q := New()
	e := q.Push([]byte("input"), nil, 0)

	src := &stubSource{runResult: agentproto.RunResult{Output: []byte("out")}}
	sink := &stubSink{covered: []mutationcache.SiteID{1, 2}}

	tr, err := TraceQueueEntry(context.Background(), e, trace.Config{}, src, sink, nil)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, 2, tr.Len())

	guard := e.StatsRW()
	assert.Same(t, tr, guard.Trace())
	assert.False(t, guard.TracingInProgress())
	guard.Release()
}

func TestTraceQueueEntryReturnsExistingTraceWithoutRetracing(t *testing.T) {
	q := New()
	e := q.Push([]byte("input"), nil, 0)

	existing := trace.New([]mutationcache.SiteID{7})
	guard := e.StatsRW()
	guard.SetTrace(existing)
	guard.Release()

	src := &stubSource{}
	sink := &stubSink{}

	tr, err := TraceQueueEntry(context.Background(), e, trace.Config{}, src, sink, nil)
	require.NoError(t, err)
	assert.Same(t, existing, tr)
	assert.Nil(t, src.installed)
}

func TestTraceQueueEntrySecondCallerSkipsWhileInProgress(t *testing.T) {
	q := New()
	e := q.Push([]byte("input"), nil, 0)

	guard := e.StatsRW()
	guard.MarkTracingInProgress()
	guard.Release()

	src := &stubSource{}
	sink := &stubSink{}

	tr, err := TraceQueueEntry(context.Background(), e, trace.Config{}, src, sink, nil)
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	q := New()
	q.Push([]byte("abc"), nil, 0)
	e2 := q.Push([]byte("def"), []byte("serialized-cache"), 2)

	guard := e2.StatsRW()
	guard.IncrementExecs()
	guard.IncrementExecs()
	guard.Release()

	dir := t.TempDir()
	path := filepath.Join(dir, "queue.dump")
	require.NoError(t, q.Dump(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	restored, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, restored.Len())

	snap := restored.IterSnapshot()
	assert.Equal(t, EntryID(0), snap[0].ID())
	assert.Equal(t, []byte("abc"), snap[0].Input())
	assert.Nil(t, snap[0].Mutations())
	assert.Equal(t, EntryID(1), snap[1].ID())
	assert.Equal(t, []byte("def"), snap[1].Input())
	assert.Equal(t, []byte("serialized-cache"), snap[1].Mutations())
	assert.Equal(t, uint32(2), snap[1].Generation())

	guard = snap[1].StatsRW()
	assert.Equal(t, uint64(2), guard.Execs())
	guard.Release()

	// The restored queue's ID counter resumes past the highest dumped ID.
	e3 := restored.Push([]byte("ghi"), nil, 0)
	assert.Equal(t, EntryID(2), e3.ID())
}
