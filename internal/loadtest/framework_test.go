package loadtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test")

	if config.Name != "test" {
		t.Errorf("expected name 'test', got %q", config.Name)
	}
	if config.MaxConcurrency <= 0 {
		t.Error("expected positive MaxConcurrency")
	}
	if config.Iterations != 0 || config.Duration != 0 {
		t.Error("expected an unbounded run by default")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"negative iterations", func(c *Config) { c.Iterations = -1 }},
		{"negative duration", func(c *Config) { c.Duration = -time.Second }},
		{"negative rate", func(c *Config) { c.TargetRPS = -1 }},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("x")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())

			_, err := New(cfg, func(context.Context, Task) Result { return Result{} }).Run(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestFramework_Run_Iterations(t *testing.T) {
	var calls atomic.Int64
	task := func(ctx context.Context, task Task) Result {
		calls.Add(1)
		return Result{}
	}

	cfg := &Config{Name: "iterations", MaxConcurrency: 4, Iterations: 25}
	summary, err := New(cfg, task, WithLogger(zap.NewNop())).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(25), calls.Load())
	assert.Equal(t, int64(25), summary.TotalRequests)
	assert.Equal(t, int64(25), summary.SuccessCount)
	assert.Zero(t, summary.FailureCount)
	assert.Zero(t, summary.ErrorRate)
	assert.Equal(t, "iterations", summary.TestName)
	assert.Equal(t, 4, summary.Concurrency)
}

func TestFramework_Run_ConcurrencyBound(t *testing.T) {
	var (
		current atomic.Int64
		maxSeen atomic.Int64
	)
	task := func(ctx context.Context, task Task) Result {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return Result{}
	}

	cfg := &Config{Name: "bound", MaxConcurrency: 2, Iterations: 5}
	summary, err := New(cfg, task).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.TotalRequests)
	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
	assert.LessOrEqual(t, summary.PeakInFlight, int64(2))
	assert.Equal(t, int64(2), summary.PeakInFlight, "both slots should be used")
}

func TestFramework_Run_OutOfOrderCompletion(t *testing.T) {
	// Task 1 is slow; the other worker keeps draining the queue meanwhile.
	task := func(ctx context.Context, task Task) Result {
		if task.ID == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return Result{}
	}

	var (
		mu    sync.Mutex
		order []int64
	)
	sink := func(r Result) {
		mu.Lock()
		order = append(order, r.TaskID)
		mu.Unlock()
	}

	cfg := &Config{Name: "order", MaxConcurrency: 2, Iterations: 4}
	_, err := New(cfg, task, WithSink(sink)).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, order, 4)
	assert.Equal(t, int64(1), order[len(order)-1], "slow task should resolve last")
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, order)
}

func TestFramework_Run_WithErrors(t *testing.T) {
	testErr := errors.New("simulated failure")
	task := func(ctx context.Context, task Task) Result {
		if task.ID%2 == 0 {
			return Result{Error: testErr}
		}
		return Result{Cached: task.ID == 1}
	}

	var sinkFailures atomic.Int64
	sink := func(r Result) {
		if r.Error != nil {
			sinkFailures.Add(1)
		}
	}

	cfg := &Config{Name: "errors", MaxConcurrency: 3, Iterations: 10}
	summary, err := New(cfg, task, WithSink(sink)).Run(context.Background())
	require.NoError(t, err, "task failures must not abort the run")

	assert.Equal(t, int64(10), summary.TotalRequests)
	assert.Equal(t, int64(5), summary.FailureCount)
	assert.Equal(t, int64(5), summary.SuccessCount)
	assert.Equal(t, int64(1), summary.CachedCount)
	assert.InDelta(t, 0.5, summary.ErrorRate, 0.0001)
	assert.Equal(t, map[string]int64{"simulated failure": 5}, summary.Errors)
	assert.Equal(t, int64(5), sinkFailures.Load())
}

func TestFramework_ErrorKey(t *testing.T) {
	task := func(ctx context.Context, task Task) Result {
		return Result{Error: errors.New(strings.Repeat("x", int(task.ID)))}
	}
	cfg := &Config{Name: "keys", MaxConcurrency: 1, Iterations: 3}

	summary, err := New(cfg, task, WithErrorKey(func(error) string { return "grouped" })).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"grouped": 3}, summary.Errors)

	long := &Config{Name: "long", MaxConcurrency: 1, Iterations: 1}
	summary, err = New(long, func(context.Context, Task) Result {
		return Result{Error: errors.New(strings.Repeat("y", 300))}
	}).Run(context.Background())
	require.NoError(t, err)
	for k := range summary.Errors {
		assert.Len(t, k, 100)
	}
}

func TestFramework_Run_Duration(t *testing.T) {
	task := func(ctx context.Context, task Task) Result {
		time.Sleep(5 * time.Millisecond)
		return Result{Error: ctx.Err()}
	}

	cfg := &Config{Name: "duration", MaxConcurrency: 2, Duration: 100 * time.Millisecond}
	start := time.Now()
	summary, err := New(cfg, task).Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Positive(t, summary.TotalRequests)
	assert.Zero(t, summary.FailureCount, "in-flight tasks finish with a live context")
}

func TestFramework_Run_RateLimit(t *testing.T) {
	task := func(ctx context.Context, task Task) Result { return Result{} }

	cfg := &Config{Name: "rate", MaxConcurrency: 4, Iterations: 5, TargetRPS: 50}
	start := time.Now()
	summary, err := New(cfg, task).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.TotalRequests)
	// burst of one, then 20ms apart
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestFramework_Run_Timeout(t *testing.T) {
	task := func(ctx context.Context, task Task) Result {
		<-ctx.Done()
		return Result{Error: ctx.Err()}
	}

	cfg := &Config{Name: "timeout", MaxConcurrency: 2, Iterations: 2, Timeout: 20 * time.Millisecond}
	summary, err := New(cfg, task).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.FailureCount)
	assert.Equal(t, int64(2), summary.Errors[context.DeadlineExceeded.Error()])
}

func TestFramework_Run_ContextCancellation(t *testing.T) {
	task := func(ctx context.Context, task Task) Result {
		select {
		case <-ctx.Done():
			return Result{Error: ctx.Err()}
		case <-time.After(10 * time.Millisecond):
			return Result{}
		}
	}

	cfg := &Config{Name: "cancel-test", MaxConcurrency: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	summary, err := New(cfg, task).Run(ctx)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > time.Second {
		t.Error("test should have been cancelled quickly")
	}
	if summary.TotalRequests == 0 {
		t.Error("expected some tasks before cancellation")
	}
}

func TestFramework_IsRunning(t *testing.T) {
	started := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once

	task := func(ctx context.Context, task Task) Result {
		once.Do(func() { close(started) })
		<-done
		return Result{}
	}

	cfg := &Config{Name: "running-test", MaxConcurrency: 1, Iterations: 1}
	f := New(cfg, task)

	if f.IsRunning() {
		t.Error("should not be running before Run()")
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = f.Run(context.Background())
	}()

	<-started
	if !f.IsRunning() {
		t.Error("should be running during Run()")
	}
	if _, err := f.Run(context.Background()); err == nil {
		t.Error("expected a second concurrent Run to be rejected")
	}

	_, _, _, inFlight, _ := f.CurrentStats()
	if inFlight != 1 {
		t.Errorf("expected one task in flight, got %d", inFlight)
	}

	close(done)
	<-finished
	if f.IsRunning() {
		t.Error("should not be running after Run() returns")
	}
}

func TestCalculatePercentiles(t *testing.T) {
	latencies := []time.Duration{
		100 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		60 * time.Millisecond,
		70 * time.Millisecond,
		80 * time.Millisecond,
		90 * time.Millisecond,
		10 * time.Millisecond,
	}

	min, max, avg, p50, p95, p99 := calculatePercentiles(latencies)

	if min != 10*time.Millisecond {
		t.Errorf("expected min 10ms, got %v", min)
	}
	if max != 100*time.Millisecond {
		t.Errorf("expected max 100ms, got %v", max)
	}
	if avg != 55*time.Millisecond {
		t.Errorf("expected avg 55ms, got %v", avg)
	}
	if p50 < 40*time.Millisecond || p50 > 60*time.Millisecond {
		t.Errorf("expected p50 around 50ms, got %v", p50)
	}
	if p95 < 90*time.Millisecond {
		t.Errorf("expected p95 >= 90ms, got %v", p95)
	}
	if p99 < 90*time.Millisecond {
		t.Errorf("expected p99 >= 90ms, got %v", p99)
	}
	if latencies[0] != 100*time.Millisecond {
		t.Error("input must not be reordered")
	}
}

func TestCalculatePercentiles_Empty(t *testing.T) {
	min, max, avg, p50, p95, p99 := calculatePercentiles(nil)

	if min != 0 || max != 0 || avg != 0 || p50 != 0 || p95 != 0 || p99 != 0 {
		t.Error("expected all zeros for empty input")
	}
}

func TestSummary_Report(t *testing.T) {
	s := &Summary{
		TestName:       "copy",
		Scenario:       "copy",
		Concurrency:    4,
		StartTime:      time.Unix(0, 0),
		EndTime:        time.Unix(2, 0),
		TotalRequests:  1200,
		SuccessCount:   1190,
		FailureCount:   10,
		PeakInFlight:   4,
		P50Latency:     12 * time.Millisecond,
		RequestsPerSec: 600,
		ErrorRate:      10.0 / 1200,
		Errors:         map[string]int64{"transport": 7, "protocol": 3},
	}

	report := s.Report()
	assert.Contains(t, report, `load test "copy"`)
	assert.Contains(t, report, "1,200 (1,190 ok, 10 failed, 0 cached)")
	assert.Contains(t, report, "peak 4")
	assert.Contains(t, report, "p50 12ms")
	assert.Less(t, strings.Index(report, "transport"), strings.Index(report, "protocol"), "most frequent error first")
}
