// cmd/rebel/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/FairForge/rebel/internal/cas"
	"github.com/FairForge/rebel/internal/config"
	"github.com/FairForge/rebel/internal/execution"
	"github.com/FairForge/rebel/internal/loadtest"
	"github.com/FairForge/rebel/internal/logging"
	"github.com/FairForge/rebel/internal/metrics"
	"github.com/FairForge/rebel/internal/remote"
	"github.com/FairForge/rebel/internal/retry"
	"github.com/FairForge/rebel/internal/scenario"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rebel: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:            "rebel",
		Usage:           "Drive load against a remote execution service",
		Version:         remote.Version,
		Writer:          stdout,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		Flags:           flags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return run(c.Context, cfg, stdout, stderr)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger, err := logging.New(logging.LoggerConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		if _, err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	runID := uuid.NewString()
	md := remote.NewMetadata(runID)
	logger = logger.With(zap.String("run", runID))

	casConn, execConn, err := dial(ctx, cfg, md, logger)
	if err != nil {
		return err
	}
	defer casConn.Close()
	if execConn != casConn {
		defer execConn.Close()
	}

	uploadOpts, err := uploadOptions(ctx, cfg, casConn, logger)
	if err != nil {
		return err
	}
	uploadOpts = append(uploadOpts, cas.WithRecorder(m), cas.WithLogger(logger))

	uploader, err := cas.NewUploader(casConn, cfg.Remote.InstanceName, uploadOpts...)
	if err != nil {
		return err
	}
	defer uploader.Close()

	driver := execution.NewDriver(uploader, execConn, cfg.Remote.InstanceName,
		execution.WithWaitAttempts(cfg.Execution.WaitAttempts),
		execution.WithWaitPolicy(retryPolicy(cfg, logger)),
		execution.WithRecorder(m),
		execution.WithLogger(logger))

	sc, err := scenario.New(cfg.Load.Scenario, scenarioOptions(cfg))
	if err != nil {
		return err
	}

	task := func(ctx context.Context, task loadtest.Task) loadtest.Result {
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		spec, err := sc.Spec(task.ID)
		if err != nil {
			return loadtest.Result{Error: err}
		}
		out, err := driver.Execute(ctx, spec)
		if err != nil {
			return loadtest.Result{Error: err}
		}
		return loadtest.Result{
			Cached: out.CachedResult,
			Labels: map[string]string{"operation": out.OperationName, "action": out.ActionDigest.String()},
		}
	}

	framework := loadtest.New(&loadtest.Config{
		Name:           "rebel",
		Scenario:       sc.Name,
		MaxConcurrency: cfg.Load.Concurrency,
		Iterations:     cfg.Load.Iterations,
		Duration:       cfg.Load.Duration,
		TargetRPS:      cfg.Load.TargetRPS,
		Timeout:        cfg.Load.ExecutionTimeout,
	}, task,
		loadtest.WithSink(resultSink(logger, sc.Name)),
		loadtest.WithErrorKey(errorKey),
		loadtest.WithLogger(logger))

	summary, err := framework.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, summary.Report())
	return nil
}

func dial(ctx context.Context, cfg *config.Config, md *remote.Metadata, logger *zap.Logger) (casConn, execConn *grpc.ClientConn, err error) {
	token := cfg.Remote.Token
	if cfg.Remote.TokenFile != "" {
		if token, err = remote.ReadToken(cfg.Remote.TokenFile); err != nil {
			return nil, nil, err
		}
	}

	endpoint := func(address string) remote.Endpoint {
		return remote.Endpoint{
			Address:     address,
			TLS:         cfg.Remote.TLS,
			CAFile:      cfg.Remote.CAFile,
			Token:       token,
			DialTimeout: cfg.Remote.DialTimeout,
		}
	}

	casConn, err = remote.Dial(ctx, endpoint(cfg.Remote.CASAddress), md, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Remote.ExecEndpoint() == cfg.Remote.CASAddress {
		return casConn, casConn, nil
	}
	execConn, err = remote.Dial(ctx, endpoint(cfg.Remote.ExecEndpoint()), md, logger)
	if err != nil {
		_ = casConn.Close()
		return nil, nil, err
	}
	return casConn, execConn, nil
}

// uploadOptions reconciles the configured upload settings with what the
// server advertises.
func uploadOptions(ctx context.Context, cfg *config.Config, conn grpc.ClientConnInterface, logger *zap.Logger) ([]cas.Option, error) {
	compressor, err := cfg.Upload.CompressorValue()
	if err != nil {
		return nil, err
	}
	maxBatch := int64(cfg.Upload.MaxBatchSize)

	caps, err := remote.ProbeCapabilities(ctx, conn, cfg.Remote.InstanceName)
	if err != nil {
		logger.Warn("capabilities probe failed, using configured limits", zap.Error(err))
	} else {
		if !caps.SupportsSHA256 {
			return nil, errors.New("server does not support SHA-256 digests")
		}
		if caps.MaxBatchTotalSizeBytes > 0 && caps.MaxBatchTotalSizeBytes < maxBatch {
			maxBatch = caps.MaxBatchTotalSizeBytes
		}
		if compressor == repb.Compressor_ZSTD && !caps.SupportsZstd {
			logger.Warn("server does not accept zstd uploads, sending identity")
			compressor = repb.Compressor_IDENTITY
		}
		if !caps.ExecutionEnabled {
			logger.Warn("server reports execution disabled on this endpoint")
		}
	}

	return []cas.Option{
		cas.WithMaxBatchSize(maxBatch),
		cas.WithChunkSize(int(cfg.Upload.ByteStreamChunkSize)),
		cas.WithByteStream(cfg.Upload.ByteStream),
		cas.WithCompressor(compressor),
		cas.WithDigestCache(cfg.Upload.DigestCacheSize),
		cas.WithRetryPolicy(retryPolicy(cfg, logger)),
	}, nil
}

func retryPolicy(cfg *config.Config, logger *zap.Logger) *retry.Policy {
	r := cfg.Upload.Retry
	return retry.NewPolicy(
		retry.WithMaxAttempts(r.MaxAttempts),
		retry.WithInitialDelay(r.InitialDelay),
		retry.WithMaxDelay(r.MaxDelay),
		retry.WithJitter(r.Jitter),
		retry.WithLogger(logger))
}

func resultSink(logger *zap.Logger, name string) loadtest.Sink {
	return func(r loadtest.Result) {
		fields := []zap.Field{
			zap.String("task", scenario.Label(name, r.TaskID)),
			zap.Int("worker", r.WorkerID),
			zap.Duration("duration", r.Duration),
		}
		if r.Error != nil {
			logger.Warn("execution failed", append(fields,
				zap.String("kind", string(execution.KindOf(r.Error))),
				zap.Error(r.Error))...)
			return
		}
		logger.Info("execution completed", append(fields,
			zap.Bool("cached", r.Cached),
			zap.String("operation", r.Labels["operation"]))...)
	}
}

// errorKey groups failures by kind and gRPC code so that digests and
// operation names do not split the histogram.
func errorKey(err error) string {
	kind := execution.KindOf(err)
	if kind == "" {
		kind = "other"
	}
	code := status.Code(err)
	var failed *execution.ExecutionFailedError
	if errors.As(err, &failed) {
		code = failed.Code()
	}
	return fmt.Sprintf("%s (%s)", kind, code)
}
