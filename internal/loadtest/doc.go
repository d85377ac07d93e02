// internal/loadtest/doc.go
// Package loadtest drives repeated remote executions through a fixed pool
// of workers.
//
// A Framework runs exactly MaxConcurrency workers. Each worker pulls the
// next task id from a generator, runs the task and hands the Result to the
// collector, which aggregates it and forwards it to the optional sink as
// soon as it is available. Results therefore arrive in completion order,
// not submission order, and a slot is refilled the moment it frees up.
//
// Basic run:
//
//	cfg := loadtest.DefaultConfig("copy")
//	cfg.MaxConcurrency = 8
//	cfg.Iterations = 1000
//
//	f := loadtest.New(cfg, func(ctx context.Context, task loadtest.Task) loadtest.Result {
//	    out, err := driver.Execute(ctx, spec)
//	    return loadtest.Result{Error: err, Cached: err == nil && out.CachedResult}
//	}, loadtest.WithSink(func(r loadtest.Result) { log.Println(r.TaskID, r.Duration, r.Error) }))
//
//	summary, err := f.Run(ctx)
//	fmt.Print(summary.Report())
//
// Failures never stop a run. The run ends when Iterations tasks have been
// issued, Duration elapses or ctx is cancelled; tasks already in flight when
// Duration elapses are allowed to finish.
package loadtest
