package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Append(Sample{RequestCount: float64(i)})
	}

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{3, 4, 5}, w.RequestCounts())

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.RequestCount)
}

func TestWindowEmpty(t *testing.T) {
	w := NewWindow(3)
	assert.Empty(t, w.Samples())
	assert.Empty(t, w.RequestCounts())
	_, ok := w.Latest()
	assert.False(t, ok)
}

func TestStaticSourceRepeatsLastSample(t *testing.T) {
	src := NewStaticSource(
		Sample{RequestCount: 10},
		Sample{RequestCount: 20},
	)

	for _, want := range []float64{10, 20, 20, 20} {
		s, err := src.Collect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, s.RequestCount)
		assert.False(t, s.Timestamp.IsZero())
	}
}

// fakeAPI overrides only Query; the embedded nil interface covers the
// methods the source never calls.
type fakeAPI struct {
	promv1.API
	results map[string]model.Value
	err     error
	queries []string
}

func (f *fakeAPI) Query(_ context.Context, query string, _ time.Time, _ ...promv1.Option) (model.Value, promv1.Warnings, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, nil, f.err
	}
	if v, ok := f.results[query]; ok {
		return v, nil, nil
	}
	return model.Vector{}, nil, nil
}

func vector(v float64) model.Value {
	return model.Vector{&model.Sample{Value: model.SampleValue(v)}}
}

func TestPrometheusSourceCollect(t *testing.T) {
	api := &fakeAPI{results: map[string]model.Value{
		"requests[3m]": vector(120),
		"ttft[3m]":     vector(0.25),
	}}
	src := NewPrometheusSourceWithAPI(api, 3*time.Minute, Queries{
		RequestCount: "requests[%RANGE%]",
		AvgTTFT:      "ttft[%RANGE%]",
	})

	sample, err := src.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120.0, sample.RequestCount)
	assert.Equal(t, 0.25, sample.AvgTTFT)
	// Unconfigured queries are skipped entirely.
	assert.Len(t, api.queries, 2)
	// Empty vectors read as zero, not as errors.
	assert.Zero(t, sample.AvgITL)
}

func TestPrometheusSourceEmptyResultIsZero(t *testing.T) {
	src := NewPrometheusSourceWithAPI(&fakeAPI{}, time.Minute, Queries{RequestCount: "requests"})
	sample, err := src.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sample.RequestCount)
}

func TestPrometheusSourceQueryError(t *testing.T) {
	src := NewPrometheusSourceWithAPI(&fakeAPI{err: errors.New("connection refused")},
		time.Minute, DefaultQueries())
	_, err := src.Collect(context.Background())
	assert.Error(t, err)
}

func TestCollectorRunAppendsAndSkipsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	window := NewWindow(10)
	src := &flakySource{samples: []float64{1, 2, 3}, failOn: 2}
	fakeClock := clocktesting.NewFakeClock(time.Now())
	c := New(src, window, time.Minute)
	c.clock = fakeClock

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		fakeClock.Step(time.Minute)
		want := i + 1
		if i >= 1 {
			want = i // one failed cycle is skipped
		}
		require.Eventually(t, func() bool { return window.Len() == want }, time.Second, time.Millisecond)
	}

	// The failed cycle left a gap, not a corrupt sample.
	assert.Equal(t, []float64{1, 3}, window.RequestCounts())

	cancel()
	<-done
}

type flakySource struct {
	samples []float64
	failOn  int
	calls   int
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Collect(context.Context) (Sample, error) {
	f.calls++
	if f.calls == f.failOn {
		return Sample{}, errors.New("scrape failed")
	}
	idx := f.calls - 1
	if idx >= len(f.samples) {
		idx = len(f.samples) - 1
	}
	return Sample{Timestamp: time.Now(), RequestCount: f.samples[idx]}, nil
}
