// internal/loadtest/framework.go
package loadtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config defines load test parameters.
type Config struct {
	Name           string
	Scenario       string
	MaxConcurrency int           // Exact number of workers
	Iterations     int64         // Tasks to issue, 0 = unbounded
	Duration       time.Duration // Generation window, 0 = unbounded
	TargetRPS      float64       // Submission rate cap, 0 = no limit
	Timeout        time.Duration // Per-task timeout, 0 = none
}

// DefaultConfig returns defaults for an unbounded run.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:           name,
		Scenario:       name,
		MaxConcurrency: 10,
		Timeout:        5 * time.Minute,
	}
}

// Validate checks that the run is well formed.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("loadtest: max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.Iterations < 0 || c.Duration < 0 || c.TargetRPS < 0 || c.Timeout < 0 {
		return fmt.Errorf("loadtest: iterations, duration, rate and timeout must not be negative")
	}
	return nil
}

// Task identifies one unit of work.
type Task struct {
	ID     int64
	Worker int
}

// Result captures the outcome of a single task. TaskID, WorkerID,
// StartTime and Duration are filled in by the framework.
type Result struct {
	TaskID    int64
	WorkerID  int
	StartTime time.Time
	Duration  time.Duration
	Cached    bool
	Error     error
	Labels    map[string]string
}

// TaskFunc performs one unit of work.
type TaskFunc func(ctx context.Context, task Task) Result

// Sink observes every result as soon as it resolves.
type Sink func(Result)

// Summary aggregates results from a load test run.
type Summary struct {
	TestName       string
	Scenario       string
	Concurrency    int
	StartTime      time.Time
	EndTime        time.Time
	TotalRequests  int64
	SuccessCount   int64
	FailureCount   int64
	CachedCount    int64
	PeakInFlight   int64
	MinLatency     time.Duration
	MaxLatency     time.Duration
	AvgLatency     time.Duration
	P50Latency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	RequestsPerSec float64
	ErrorRate      float64
	Errors         map[string]int64
}

// Framework orchestrates load test execution.
type Framework struct {
	config   *Config
	task     TaskFunc
	sink     Sink
	errorKey func(error) string
	limiter  *rate.Limiter
	logger   *zap.Logger
	results  chan Result

	// Metrics (atomic for thread safety)
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	cachedCount   atomic.Int64
	inFlight      atomic.Int64
	peakInFlight  atomic.Int64

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	latencies *latencySample
	errors    map[string]int64
}

// Option configures a Framework
type Option func(*Framework)

// WithSink forwards every result to sink
func WithSink(sink Sink) Option {
	return func(f *Framework) {
		f.sink = sink
	}
}

// WithErrorKey sets how failures are grouped in Summary.Errors
func WithErrorKey(fn func(error) string) Option {
	return func(f *Framework) {
		if fn != nil {
			f.errorKey = fn
		}
	}
}

// WithSampleSize bounds how many latencies are kept for percentiles.
// Min, max and mean always cover every result.
func WithSampleSize(n int) Option {
	return func(f *Framework) {
		f.latencies = newLatencySample(n)
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(f *Framework) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a new load testing framework.
func New(config *Config, task TaskFunc, opts ...Option) *Framework {
	if config == nil {
		config = DefaultConfig("default")
	}

	f := &Framework{
		config:    config,
		task:      task,
		sink:      func(Result) {},
		errorKey:  truncatedMessage,
		logger:    zap.NewNop(),
		latencies: newLatencySample(DefaultSampleSize),
		errors:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(f)
	}
	if config.TargetRPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(config.TargetRPS), 1)
	}
	return f
}

// Run executes the load test and returns a summary. Task failures are
// counted, never returned.
func (f *Framework) Run(ctx context.Context) (*Summary, error) {
	if err := f.config.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil, fmt.Errorf("load test already running")
	}
	f.running = true
	f.startTime = time.Now()
	f.results = make(chan Result, f.config.MaxConcurrency)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	f.logger.Info("load test started",
		zap.String("name", f.config.Name),
		zap.String("scenario", f.config.Scenario),
		zap.Int("concurrency", f.config.MaxConcurrency),
		zap.Int64("iterations", f.config.Iterations),
		zap.Duration("duration", f.config.Duration))

	// Only generation is bounded by Duration; in-flight tasks keep ctx.
	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.config.Duration > 0 {
		genCtx, cancel = context.WithTimeout(ctx, f.config.Duration)
	}
	defer cancel()

	collectorDone := make(chan struct{})
	go f.collectResults(collectorDone)

	tasks := make(chan int64)
	var g errgroup.Group
	g.Go(func() error {
		defer close(tasks)
		return f.generate(genCtx, tasks)
	})
	for w := 1; w <= f.config.MaxConcurrency; w++ {
		worker := w
		g.Go(func() error {
			for id := range tasks {
				f.results <- f.runOne(ctx, Task{ID: id, Worker: worker})
			}
			return nil
		})
	}

	genErr := g.Wait()
	close(f.results)
	<-collectorDone

	summary := f.buildSummary()
	f.logger.Info("load test finished",
		zap.String("name", f.config.Name),
		zap.Int64("total", summary.TotalRequests),
		zap.Int64("failures", summary.FailureCount),
		zap.Int64("peakInFlight", summary.PeakInFlight),
		zap.NamedError("stopReason", genErr))
	return summary, nil
}

// generate issues task ids until the iteration budget is spent or ctx ends.
func (f *Framework) generate(ctx context.Context, tasks chan<- int64) error {
	for id := int64(1); f.config.Iterations == 0 || id <= f.config.Iterations; id++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		select {
		case tasks <- id:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *Framework) runOne(ctx context.Context, task Task) Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakInFlight.Load()
		if n <= peak || f.peakInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := f.task(ctx, task)
	result.TaskID = task.ID
	result.WorkerID = task.Worker
	result.StartTime = start
	result.Duration = time.Since(start)
	return result
}

// collectResults aggregates results from workers.
func (f *Framework) collectResults(done chan struct{}) {
	defer close(done)

	for result := range f.results {
		f.totalRequests.Add(1)

		if result.Error != nil {
			f.failureCount.Add(1)
			f.mu.Lock()
			f.errors[f.errorKey(result.Error)]++
			f.mu.Unlock()
		} else {
			f.successCount.Add(1)
			if result.Cached {
				f.cachedCount.Add(1)
			}
		}

		f.mu.Lock()
		f.latencies.add(result.Duration)
		f.mu.Unlock()

		f.sink(result)
	}
}

func truncatedMessage(err error) string {
	key := err.Error()
	if len(key) > 100 {
		key = key[:100]
	}
	return key
}

// buildSummary creates the final summary from collected metrics.
func (f *Framework) buildSummary() *Summary {
	f.mu.RLock()
	defer f.mu.RUnlock()

	endTime := time.Now()
	duration := endTime.Sub(f.startTime).Seconds()
	total := f.totalRequests.Load()

	summary := &Summary{
		TestName:      f.config.Name,
		Scenario:      f.config.Scenario,
		Concurrency:   f.config.MaxConcurrency,
		StartTime:     f.startTime,
		EndTime:       endTime,
		TotalRequests: total,
		SuccessCount:  f.successCount.Load(),
		FailureCount:  f.failureCount.Load(),
		CachedCount:   f.cachedCount.Load(),
		PeakInFlight:  f.peakInFlight.Load(),
		Errors:        make(map[string]int64, len(f.errors)),
	}

	for k, v := range f.errors {
		summary.Errors[k] = v
	}

	if duration > 0 {
		summary.RequestsPerSec = float64(total) / duration
	}
	if total > 0 {
		summary.ErrorRate = float64(summary.FailureCount) / float64(total)
	}

	summary.MinLatency, summary.MaxLatency, summary.AvgLatency,
		summary.P50Latency, summary.P95Latency, summary.P99Latency = f.latencies.stats()

	return summary
}

// calculatePercentiles computes latency statistics.
func calculatePercentiles(latencies []time.Duration) (min, max, avg, p50, p95, p99 time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]

	return
}

// IsRunning returns whether a test is currently executing.
func (f *Framework) IsRunning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

// CurrentStats returns real-time metrics during test execution.
func (f *Framework) CurrentStats() (total, success, failure, inFlight int64, rps float64) {
	total = f.totalRequests.Load()
	success = f.successCount.Load()
	failure = f.failureCount.Load()
	inFlight = f.inFlight.Load()

	f.mu.RLock()
	elapsed := time.Since(f.startTime).Seconds()
	f.mu.RUnlock()

	if elapsed > 0 {
		rps = float64(total) / elapsed
	}
	return
}
