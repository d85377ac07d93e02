package loadtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencySample_Bounded(t *testing.T) {
	s := newLatencySample(100)
	for i := 1; i <= 10_000; i++ {
		s.add(time.Duration(i) * time.Millisecond)
	}

	assert.Len(t, s.values, 100)
	assert.Equal(t, int64(10_000), s.seen)

	min, max, avg, p50, p95, p99 := s.stats()
	assert.Equal(t, time.Millisecond, min, "min covers every observation")
	assert.Equal(t, 10_000*time.Millisecond, max, "max covers every observation")
	assert.Equal(t, 5000500*time.Microsecond, avg)
	assert.True(t, p50 <= p95 && p95 <= p99)
	assert.True(t, p50 >= min && p99 <= max)
}

func TestLatencySample_UnderCapacityIsExact(t *testing.T) {
	s := newLatencySample(0)
	assert.Equal(t, DefaultSampleSize, s.size)

	for _, ms := range []int{30, 10, 20} {
		s.add(time.Duration(ms) * time.Millisecond)
	}
	min, max, avg, p50, _, _ := s.stats()
	assert.Equal(t, 10*time.Millisecond, min)
	assert.Equal(t, 30*time.Millisecond, max)
	assert.Equal(t, 20*time.Millisecond, avg)
	assert.Equal(t, 20*time.Millisecond, p50)
}

func TestLatencySample_Empty(t *testing.T) {
	min, max, avg, p50, p95, p99 := newLatencySample(4).stats()
	for _, d := range []time.Duration{min, max, avg, p50, p95, p99} {
		assert.Zero(t, d)
	}
}

func TestFramework_Run_BoundedLatencyRetention(t *testing.T) {
	task := func(context.Context, Task) Result { return Result{} }

	f := New(&Config{Name: "retention", MaxConcurrency: 4, Iterations: 500}, task, WithSampleSize(16))
	summary, err := f.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(500), summary.TotalRequests)
	assert.Len(t, f.latencies.values, 16)
	assert.LessOrEqual(t, summary.MinLatency, summary.P50Latency)
	assert.LessOrEqual(t, summary.P99Latency, summary.MaxLatency)
}
