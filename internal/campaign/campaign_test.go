package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/ppfuzz/scheduler/internal/phase"
	"github.com/ppfuzz/scheduler/internal/queue"
	"github.com/ppfuzz/scheduler/internal/trace"
	"github.com/ppfuzz/scheduler/internal/worker"
)

type idleSource struct{}

func (idleSource) PatchPoints(ctx context.Context) ([]mutationcache.SiteID, error) {
	return []mutationcache.SiteID{1, 2, 3}, nil
}

func (idleSource) InstallMutationCache(ctx context.Context, cache *mutationcache.Cache) error {
	return nil
}

func (idleSource) Run(ctx context.Context, input []byte) (agentproto.RunResult, error) {
	return agentproto.RunResult{}, nil
}

type idleSink struct{}

func (idleSink) Feed(ctx context.Context, output []byte) error { return nil }
func (idleSink) CoveredPatchPoints(scratchBuf []byte) ([]mutationcache.SiteID, error) {
	return nil, nil
}
func (idleSink) CoverageBitmap(scratchBuf []byte) ([]byte, error) { return nil, nil }
func (idleSink) LastTerminationSignal() *int                      { return nil }
func (idleSink) LatestASANReport() (string, bool)                 { return "", false }

func idleAgents(uid worker.UID) (agentproto.Source, agentproto.Sink, error) {
	return idleSource{}, idleSink{}, nil
}

func failingAgents(uid worker.UID) (agentproto.Source, agentproto.Sink, error) {
	return nil, nil, errors.New("agent spawn refused")
}

// idleConfig disables every phase so workers spin between stop-flag checks
// without needing a live target.
func idleConfig() phase.Config {
	cfg := phase.DefaultConfig()
	cfg.Discovery.Enabled = false
	cfg.Mutate.Weight = 0
	cfg.Add.Weight = 0
	cfg.Combine.Weight = 0
	return cfg
}

func waitForDead(t *testing.T, c *Campaign) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for c.IsAnyWorkerAlive() {
		select {
		case <-deadline:
			t.Fatal("workers did not terminate in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	c := New(idleConfig(), trace.Config{}, []mutationcache.SiteID{1, 2, 3}, idleAgents)
	require.NoError(t, c.Start(3))
	assert.Equal(t, 3, c.NumWorkers())
	assert.True(t, c.IsAnyWorkerAlive())

	require.NoError(t, c.Shutdown())
	assert.False(t, c.IsAnyWorkerAlive())
}

func TestStartRejectsNonPositiveWorkerCount(t *testing.T) {
	c := New(idleConfig(), trace.Config{}, nil, idleAgents)
	require.Error(t, c.Start(0))
}

func TestRestartCapAllowsExactlyMaxReplacements(t *testing.T) {
	c := New(idleConfig(), trace.Config{}, nil, failingAgents, WithMaxWorkerRestarts(2))
	require.NoError(t, c.Start(3))
	waitForDead(t, c)

	// All three workers died at init. Only two replacements are allowed;
	// the third dead worker is marked as not restartable.
	require.NoError(t, c.RestartCrashedWorker())
	assert.Equal(t, 5, c.NumWorkers())

	waitForDead(t, c)

	// A later sweep finds only the replacements dead, and the bound is
	// already exhausted: nothing more is spawned, ever.
	require.NoError(t, c.RestartCrashedWorker())
	assert.Equal(t, 5, c.NumWorkers())
	require.NoError(t, c.RestartCrashedWorker())
	assert.Equal(t, 5, c.NumWorkers())

	_ = c.Shutdown()
}

func TestSpawnAdditionalWorkerPassesInitImmediately(t *testing.T) {
	c := New(idleConfig(), trace.Config{}, nil, idleAgents)
	require.NoError(t, c.Start(1))
	require.NoError(t, c.SpawnAdditionalWorker())
	assert.Equal(t, 2, c.NumWorkers())
	require.NoError(t, c.Shutdown())
}

func TestDumpRequiresConfiguredPath(t *testing.T) {
	c := New(idleConfig(), trace.Config{}, nil, idleAgents)
	require.Error(t, c.Dump())
}

func TestDumpWritesQueueSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.dump")
	c := New(idleConfig(), trace.Config{}, nil, idleAgents, WithQueueDumpPath(path))
	c.Queue().Push([]byte("in"), nil, 0)
	require.NoError(t, c.Dump())

	q, err := queue.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestIntrospectionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "introspection.json")
	c := New(idleConfig(), trace.Config{}, []mutationcache.SiteID{1, 2}, idleAgents)
	require.NoError(t, c.Start(2))
	c.Queue().Push([]byte("in"), nil, 0)

	require.NoError(t, c.WriteIntrospection(path))
	// Patching an existing document preserves it as valid JSON.
	require.NoError(t, c.WriteIntrospection(path))

	sum, err := ReadIntrospection(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.NumWorkers)
	assert.Equal(t, int64(1), sum.QueueLen)
	assert.Equal(t, int64(0), sum.RestartedWorkers)

	require.NoError(t, c.Shutdown())
}

func TestWritePatchPointsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch_points.json")
	c := New(idleConfig(), trace.Config{}, []mutationcache.SiteID{5, 9}, idleAgents)
	require.NoError(t, c.WritePatchPointsSnapshot(path))

	var ids []mutationcache.SiteID
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ids))
	assert.Equal(t, []mutationcache.SiteID{5, 9}, ids)
}
