// internal/execution/driver.go
// Package execution drives one remote execution from an ActionSpec to an
// ActionResult: it uploads the Command, the input tree and the Action,
// submits the action and follows the operation stream to its end.
package execution

import (
	"context"
	"errors"
	"io"
	"slices"
	"sort"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/FairForge/rebel/internal/digest"
	"github.com/FairForge/rebel/internal/remote"
	"github.com/FairForge/rebel/internal/retry"
	"github.com/FairForge/rebel/internal/tree"
)

const DefaultWaitAttempts = 3

// Recorder receives one observation per finished execution. kind is empty
// on success.
type Recorder interface {
	RecordExecution(kind Kind, cached bool, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordExecution(Kind, bool, time.Duration) {}

// Outcome is a completed execution.
type Outcome struct {
	ActionDigest  digest.Digest
	OperationName string
	Result        *repb.ActionResult
	CachedResult  bool
	Message       string
	// Updates counts the intermediate operation updates that were skipped.
	Updates int
}

// ExitCode returns the exit code of the remote command.
func (o *Outcome) ExitCode() int32 {
	return o.Result.GetExitCode()
}

// Driver executes ActionSpecs against one instance. It is safe for
// concurrent use; executions share nothing but the connections.
type Driver struct {
	uploader     tree.Uploader
	serializer   *tree.Serializer
	exec         repb.ExecutionClient
	instanceName string

	waitAttempts int
	waitPolicy   *retry.Policy
	hook         PhaseHook
	recorder     Recorder
	logger       *zap.Logger
}

// Option configures a Driver
type Option func(*Driver)

// WithPhaseHook observes every state transition
func WithPhaseHook(hook PhaseHook) Option {
	return func(d *Driver) {
		d.hook = hook
	}
}

// WithWaitAttempts bounds how often a broken operation stream is resumed
// with WaitExecution. Zero disables resumption.
func WithWaitAttempts(n int) Option {
	return func(d *Driver) {
		if n >= 0 {
			d.waitAttempts = n
		}
	}
}

// WithWaitPolicy sets the backoff between WaitExecution resumptions
func WithWaitPolicy(p *retry.Policy) Option {
	return func(d *Driver) {
		if p != nil {
			d.waitPolicy = p
		}
	}
}

// WithRecorder attaches execution telemetry
func WithRecorder(r Recorder) Option {
	return func(d *Driver) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDriver creates a driver that uploads through uploader and submits
// actions over conn.
func NewDriver(uploader tree.Uploader, conn grpc.ClientConnInterface, instanceName string, opts ...Option) *Driver {
	d := &Driver{
		uploader:     uploader,
		exec:         repb.NewExecutionClient(conn),
		instanceName: instanceName,
		waitAttempts: DefaultWaitAttempts,
		waitPolicy:   retry.NewPolicy(),
		hook:         func(Phase) {},
		recorder:     nopRecorder{},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.serializer = tree.NewSerializer(uploader, d.logger)
	return d
}

// Execute runs spec to completion. A non-OK terminal status is returned
// as an *Error of KindExecution wrapping *ExecutionFailedError.
func (d *Driver) Execute(ctx context.Context, spec ActionSpec) (*Outcome, error) {
	start := time.Now()
	d.hook(PhaseIdle)

	out, err := d.execute(ctx, spec)
	if err != nil {
		d.hook(PhaseFailed)
		d.recorder.RecordExecution(KindOf(err), false, time.Since(start))
		return nil, err
	}
	d.hook(PhaseCompleted)
	d.recorder.RecordExecution("", out.CachedResult, time.Since(start))
	return out, nil
}

func (d *Driver) execute(ctx context.Context, spec ActionSpec) (*Outcome, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	// The operation stream is closed when Execute returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	commandBlob, err := digest.NewBlobFromProto(buildCommand(&spec))
	if err != nil {
		return nil, &Error{Phase: PhaseIdle, Kind: KindInvalidSpec, Err: err}
	}
	commandDigest, err := d.uploader.Upload(ctx, commandBlob)
	if err != nil {
		return nil, classify(ctx, PhaseIdle, err)
	}
	d.hook(PhaseCommandUploaded)

	rootDigest, err := d.serializer.UploadDirectory(ctx, spec.InputRoot)
	if err != nil {
		return nil, classify(ctx, PhaseCommandUploaded, err)
	}
	d.hook(PhaseInputRootUploaded)

	actionBlob, err := digest.NewBlobFromProto(buildAction(&spec, commandDigest, rootDigest))
	if err != nil {
		return nil, &Error{Phase: PhaseInputRootUploaded, Kind: KindInvalidSpec, Err: err}
	}
	actionDigest, err := d.uploader.Upload(ctx, actionBlob)
	if err != nil {
		return nil, classify(ctx, PhaseInputRootUploaded, err)
	}
	d.hook(PhaseActionUploaded)

	ctx = remote.WithActionID(ctx, actionDigest.Hash)
	stream, err := d.exec.Execute(ctx, &repb.ExecuteRequest{
		InstanceName:    d.instanceName,
		ActionDigest:    actionDigest.ToProto(),
		SkipCacheLookup: spec.SkipCacheLookup,
	})
	if err != nil {
		return nil, classify(ctx, PhaseActionUploaded, err)
	}
	d.hook(PhaseSubmitted)

	op, updates, err := d.follow(ctx, stream)
	if err != nil {
		return nil, err
	}

	resp, err := decodeTerminal(op)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("execution completed",
		zap.String("action", actionDigest.String()),
		zap.String("operation", op.GetName()),
		zap.Bool("cached", resp.GetCachedResult()),
		zap.Int32("exitCode", resp.GetResult().GetExitCode()),
		zap.Int("updates", updates))

	return &Outcome{
		ActionDigest:  actionDigest,
		OperationName: op.GetName(),
		Result:        resp.GetResult(),
		CachedResult:  resp.GetCachedResult(),
		Message:       resp.GetMessage(),
		Updates:       updates,
	}, nil
}

type operationStream interface {
	Recv() (*longrunningpb.Operation, error)
}

// follow reads updates until one is done. A transient break after the
// server named the operation is resumed with WaitExecution.
func (d *Driver) follow(ctx context.Context, stream operationStream) (*longrunningpb.Operation, int, error) {
	var (
		name     string
		updates  int
		resumes  int
		phase    = PhaseSubmitted
		received bool
	)
	for {
		op, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, updates, protocolError(phase, "operation stream ended before completion")
		}
		if err != nil {
			if ctx.Err() != nil || name == "" || resumes >= d.waitAttempts || !retry.IsTransient(err) {
				return nil, updates, classify(ctx, phase, err)
			}
			if werr := d.backoff(ctx, resumes); werr != nil {
				return nil, updates, classify(ctx, phase, werr)
			}
			resumes++
			d.logger.Debug("resuming operation stream",
				zap.String("operation", name),
				zap.Int("attempt", resumes),
				zap.Error(err))
			stream, err = d.exec.WaitExecution(ctx, &repb.WaitExecutionRequest{Name: name})
			if err != nil {
				return nil, updates, classify(ctx, phase, err)
			}
			continue
		}

		if !received {
			received = true
			phase = PhaseStreaming
			d.hook(PhaseStreaming)
		}
		if op.GetName() != "" {
			name = op.GetName()
		}
		if !op.GetDone() {
			updates++
			continue
		}
		return op, updates, nil
	}
}

func (d *Driver) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(d.waitPolicy.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeTerminal maps every result variant of a done operation to an
// ExecuteResponse or a typed error.
func decodeTerminal(op *longrunningpb.Operation) (*repb.ExecuteResponse, error) {
	switch result := op.GetResult().(type) {
	case *longrunningpb.Operation_Response:
		if result.Response == nil {
			return nil, protocolError(PhaseStreaming, "operation %q has an empty response", op.GetName())
		}
		resp := &repb.ExecuteResponse{}
		if err := result.Response.UnmarshalTo(resp); err != nil {
			return nil, protocolError(PhaseStreaming, "operation %q response is %s", op.GetName(), result.Response.GetTypeUrl())
		}
		if st := resp.GetStatus(); st != nil && codes.Code(st.GetCode()) != codes.OK {
			return nil, &Error{
				Phase: PhaseStreaming,
				Kind:  KindExecution,
				Err:   &ExecutionFailedError{Status: st, Result: resp.GetResult()},
			}
		}
		if resp.GetResult() == nil {
			return nil, protocolError(PhaseStreaming, "operation %q carries no action result", op.GetName())
		}
		return resp, nil
	case *longrunningpb.Operation_Error:
		return nil, &Error{
			Phase: PhaseStreaming,
			Kind:  KindExecution,
			Err:   &ExecutionFailedError{Status: result.Error},
		}
	default:
		return nil, protocolError(PhaseStreaming, "operation %q is done without a result", op.GetName())
	}
}

func buildCommand(spec *ActionSpec) *repb.Command {
	outputs := slices.Clone(spec.OutputPaths)
	sort.Strings(outputs)

	cmd := &repb.Command{
		Arguments:        slices.Clone(spec.Arguments),
		WorkingDirectory: spec.WorkingDirectory,
		OutputPaths:      outputs,
		Platform:         buildPlatform(spec.Platform),
	}
	for _, name := range sortedKeys(spec.EnvironmentVariables) {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{
			Name:  name,
			Value: spec.EnvironmentVariables[name],
		})
	}
	return cmd
}

func buildAction(spec *ActionSpec, command, root digest.Digest) *repb.Action {
	action := &repb.Action{
		CommandDigest:   command.ToProto(),
		InputRootDigest: root.ToProto(),
		DoNotCache:      spec.DoNotCache,
		Salt:            spec.Salt,
		Platform:        buildPlatform(spec.Platform),
	}
	if spec.Timeout > 0 {
		action.Timeout = durationpb.New(spec.Timeout)
	}
	return action
}

func buildPlatform(props map[string]string) *repb.Platform {
	if len(props) == 0 {
		return nil
	}
	platform := &repb.Platform{}
	for _, name := range sortedKeys(props) {
		platform.Properties = append(platform.Properties, &repb.Platform_Property{Name: name, Value: props[name]})
	}
	return platform
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
