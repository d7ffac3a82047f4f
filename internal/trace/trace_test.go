package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/mutationcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	result agentproto.RunResult
	err    error
}

func (f *fakeSource) PatchPoints(ctx context.Context) ([]mutationcache.SiteID, error) {
	return nil, nil
}

func (f *fakeSource) InstallMutationCache(ctx context.Context, cache *mutationcache.Cache) error {
	return nil
}

func (f *fakeSource) Run(ctx context.Context, input []byte) (agentproto.RunResult, error) {
	return f.result, f.err
}

type fakeSink struct {
	covered []mutationcache.SiteID
	feedErr error
}

func (f *fakeSink) Feed(ctx context.Context, output []byte) error {
	return f.feedErr
}

func (f *fakeSink) CoveredPatchPoints(scratchBuf []byte) ([]mutationcache.SiteID, error) {
	return f.covered, nil
}

func (f *fakeSink) CoverageBitmap(scratchBuf []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeSink) LastTerminationSignal() *int {
	return nil
}

func (f *fakeSink) LatestASANReport() (string, bool) {
	return "", false
}

func TestTraceLenAndContains(t *testing.T) {
	tr := New([]mutationcache.SiteID{1, 2, 3})
	assert.Equal(t, 3, tr.Len())
	assert.True(t, tr.Contains(2))
	assert.False(t, tr.Contains(99))
}

func TestNilTraceIsSafe(t *testing.T) {
	var tr *Trace
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.Contains(1))
	assert.Nil(t, tr.IDs())
}

func TestCalibrationErrorWrapsUnderlyingErr(t *testing.T) {
	inner := errors.New("boom")
	err := &CalibrationError{Reason: "timed out", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCommonTraceReturnsCoveredSetOnSuccess(t *testing.T) {
	src := &fakeSource{result: agentproto.RunResult{Output: []byte("out")}}
	sink := &fakeSink{covered: []mutationcache.SiteID{5, 7}}

	tr, err := CommonTrace(context.Background(), Config{TracingTimeout: time.Second}, src, sink, []byte("in"), nil)
	require.NoError(t, err)
	assert.True(t, tr.Contains(5))
	assert.True(t, tr.Contains(7))
	assert.Equal(t, 2, tr.Len())
}

func TestCommonTraceWrapsSourceSignalTerminationAsCalibrationError(t *testing.T) {
	sig := 11
	src := &fakeSource{result: agentproto.RunResult{TerminatedBySignal: &sig}}
	sink := &fakeSink{}

	_, err := CommonTrace(context.Background(), Config{TracingTimeout: time.Second}, src, sink, []byte("in"), nil)
	require.Error(t, err)
	var calErr *CalibrationError
	assert.ErrorAs(t, err, &calErr)
}

func TestCommonTraceWrapsSinkRejectionAsCalibrationError(t *testing.T) {
	src := &fakeSource{result: agentproto.RunResult{Output: []byte("out")}}
	sink := &fakeSink{feedErr: errors.New("sink refused")}

	_, err := CommonTrace(context.Background(), Config{TracingTimeout: time.Second}, src, sink, []byte("in"), nil)
	require.Error(t, err)
	var calErr *CalibrationError
	assert.ErrorAs(t, err, &calErr)
}

func TestCommonTraceDefaultsTimeoutWhenUnset(t *testing.T) {
	src := &fakeSource{result: agentproto.RunResult{Output: []byte("out")}}
	sink := &fakeSink{covered: []mutationcache.SiteID{1}}

	tr, err := CommonTrace(context.Background(), Config{}, src, sink, []byte("in"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Len())
}
