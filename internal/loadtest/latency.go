// internal/loadtest/latency.go
package loadtest

import (
	"math/rand/v2"
	"time"
)

// DefaultSampleSize bounds the latencies retained for percentiles.
const DefaultSampleSize = 10_000

// latencySample keeps exact min, max and mean over every observation and
// a uniform reservoir of at most size values for the percentiles.
type latencySample struct {
	size   int
	seen   int64
	sum    time.Duration
	min    time.Duration
	max    time.Duration
	values []time.Duration
}

func newLatencySample(size int) *latencySample {
	if size < 1 {
		size = DefaultSampleSize
	}
	return &latencySample{size: size, values: make([]time.Duration, 0, min(size, 1024))}
}

func (s *latencySample) add(d time.Duration) {
	s.seen++
	s.sum += d
	if s.seen == 1 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}

	if len(s.values) < s.size {
		s.values = append(s.values, d)
		return
	}
	if j := rand.Int64N(s.seen); j < int64(s.size) {
		s.values[j] = d
	}
}

func (s *latencySample) stats() (min, max, avg, p50, p95, p99 time.Duration) {
	if s.seen == 0 {
		return
	}
	_, _, _, p50, p95, p99 = calculatePercentiles(s.values)
	return s.min, s.max, s.sum / time.Duration(s.seen), p50, p95, p99
}
