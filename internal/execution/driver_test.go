package execution

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/FairForge/rebel/internal/cas"
	"github.com/FairForge/rebel/internal/digest"
	"github.com/FairForge/rebel/internal/remote"
	"github.com/FairForge/rebel/internal/remote/remotetest"
	"github.com/FairForge/rebel/internal/retry"
	"github.com/FairForge/rebel/internal/tree"
)

const instance = "remote-execution"

func copySpec() ActionSpec {
	return ActionSpec{
		Arguments:   []string{"cp", "README", "bwb-test"},
		InputRoot:   tree.NewDirectory("", tree.File{Name: "README", Data: []byte("Hello")}),
		OutputPaths: []string{"bwb-test"},
	}
}

func cannedResult() *repb.ActionResult {
	return &repb.ActionResult{
		OutputFiles: []*repb.OutputFile{{
			Path:   "bwb-test",
			Digest: digest.Compute([]byte("Hello")).ToProto(),
		}},
		ExitCode: 0,
	}
}

type harness struct {
	srv    *remotetest.Server
	driver *Driver
}

func newHarness(t *testing.T, srv *remotetest.Server, opts ...Option) *harness {
	t.Helper()
	conn := srv.Start(t)
	u, err := cas.NewUploader(conn, instance, cas.WithRetryPolicy(retry.Never()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })

	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithWaitPolicy(retry.NewPolicy(retry.WithInitialDelay(0))),
	}, opts...)
	return &harness{srv: srv, driver: NewDriver(u, conn, instance, opts...)}
}

func TestExecuteCopyScenario(t *testing.T) {
	srv := remotetest.NewServer(instance)
	srv.Result = cannedResult()
	h := newHarness(t, srv)

	spec := copySpec()
	spec.DoNotCache = true
	out, err := h.driver.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, proto.Equal(cannedResult(), out.Result), "result must be returned unchanged")
	assert.False(t, out.CachedResult)
	assert.Equal(t, 1, out.Updates)

	reqs := srv.ExecuteRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, out.ActionDigest.ToProto().GetHash(), reqs[0].GetActionDigest().GetHash())
	assert.Equal(t, remotetest.OperationName(reqs[0].GetActionDigest()), out.OperationName)

	action, cmd, err := srv.ActionFor(reqs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"cp", "README", "bwb-test"}, cmd.GetArguments())
	assert.Equal(t, []string{"bwb-test"}, cmd.GetOutputPaths())

	root, err := tree.Digest(copySpec().InputRoot)
	require.NoError(t, err)
	assert.Equal(t, root.Hash, action.GetInputRootDigest().GetHash())
	assert.True(t, action.GetDoNotCache())
}

func TestExecuteDeterministicAction(t *testing.T) {
	srv := remotetest.NewServer(instance)
	h := newHarness(t, srv)

	first, err := h.driver.Execute(context.Background(), copySpec())
	require.NoError(t, err)
	second, err := h.driver.Execute(context.Background(), copySpec())
	require.NoError(t, err)
	assert.Equal(t, first.ActionDigest, second.ActionDigest)

	salted := copySpec()
	salted.Salt = []byte("run-2")
	third, err := h.driver.Execute(context.Background(), salted)
	require.NoError(t, err)
	assert.NotEqual(t, first.ActionDigest, third.ActionDigest)
}

func TestExecutePhases(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var phases []Phase
		h := newHarness(t, remotetest.NewServer(instance), WithPhaseHook(func(p Phase) { phases = append(phases, p) }))

		_, err := h.driver.Execute(context.Background(), copySpec())
		require.NoError(t, err)
		assert.Equal(t, []Phase{
			PhaseIdle,
			PhaseCommandUploaded,
			PhaseInputRootUploaded,
			PhaseActionUploaded,
			PhaseSubmitted,
			PhaseStreaming,
			PhaseCompleted,
		}, phases)
	})

	t.Run("failure", func(t *testing.T) {
		var phases []Phase
		srv := remotetest.NewServer(instance)
		srv.OnExecute = func(context.Context, *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
			return []*longrunningpb.Operation{remotetest.DoneError("op", codes.Internal, "worker lost")}, nil
		}
		h := newHarness(t, srv, WithPhaseHook(func(p Phase) { phases = append(phases, p) }))

		_, err := h.driver.Execute(context.Background(), copySpec())
		require.Error(t, err)
		assert.Equal(t, PhaseFailed, phases[len(phases)-1])
		assert.Contains(t, phases, PhaseStreaming)
		assert.True(t, phases[len(phases)-1].Terminal())
	})
}

func TestExecuteTerminalVariants(t *testing.T) {
	tests := []struct {
		name     string
		ops      []*longrunningpb.Operation
		err      error
		wantKind Kind
		check    func(t *testing.T, err error)
	}{
		{
			name:     "failure status",
			ops:      []*longrunningpb.Operation{remotetest.DoneError("op", codes.FailedPrecondition, "missing input")},
			wantKind: KindExecution,
			check: func(t *testing.T, err error) {
				var failed *ExecutionFailedError
				require.ErrorAs(t, err, &failed)
				assert.Equal(t, codes.FailedPrecondition, failed.Code())
				assert.Nil(t, failed.Result)
			},
		},
		{
			name: "non-ok response status keeps partial result",
			ops: []*longrunningpb.Operation{remotetest.Done("op", &repb.ExecuteResponse{
				Result: &repb.ActionResult{ExitCode: 137},
				Status: status.New(codes.DeadlineExceeded, "timed out").Proto(),
			})},
			wantKind: KindExecution,
			check: func(t *testing.T, err error) {
				var failed *ExecutionFailedError
				require.ErrorAs(t, err, &failed)
				assert.Equal(t, codes.DeadlineExceeded, failed.Code())
				assert.Equal(t, int32(137), failed.Result.GetExitCode())
			},
		},
		{
			name:     "stream ends without done",
			ops:      []*longrunningpb.Operation{remotetest.Pending("op"), remotetest.Pending("op")},
			wantKind: KindProtocol,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrProtocol)
			},
		},
		{
			name:     "empty stream",
			wantKind: KindProtocol,
		},
		{
			name:     "response without result",
			ops:      []*longrunningpb.Operation{remotetest.Done("op", &repb.ExecuteResponse{})},
			wantKind: KindProtocol,
		},
		{
			name:     "done without result variant",
			ops:      []*longrunningpb.Operation{{Name: "op", Done: true}},
			wantKind: KindProtocol,
		},
		{
			name:     "response of the wrong type",
			ops:      []*longrunningpb.Operation{doneWith(t, &repb.ActionResult{})},
			wantKind: KindProtocol,
		},
		{
			name:     "permanent stream error",
			ops:      []*longrunningpb.Operation{remotetest.Pending("op")},
			err:      status.Error(codes.PermissionDenied, "no"),
			wantKind: KindTransport,
			check: func(t *testing.T, err error) {
				assert.Equal(t, codes.PermissionDenied, status.Code(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := remotetest.NewServer(instance)
			ops, streamErr := tt.ops, tt.err
			srv.OnExecute = func(context.Context, *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
				return ops, streamErr
			}
			h := newHarness(t, srv)

			out, err := h.driver.Execute(context.Background(), copySpec())
			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, tt.wantKind, KindOf(err))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func doneWith(t *testing.T, msg proto.Message) *longrunningpb.Operation {
	t.Helper()
	a, err := anypb.New(msg)
	require.NoError(t, err)
	return &longrunningpb.Operation{Name: "op", Done: true, Result: &longrunningpb.Operation_Response{Response: a}}
}

func TestExecuteCachedResult(t *testing.T) {
	srv := remotetest.NewServer(instance)
	srv.OnExecute = func(context.Context, *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
		return []*longrunningpb.Operation{remotetest.Done("op", &repb.ExecuteResponse{
			Result:       &repb.ActionResult{ExitCode: 3},
			CachedResult: true,
			Message:      "from cache",
		})}, nil
	}
	h := newHarness(t, srv)

	out, err := h.driver.Execute(context.Background(), copySpec())
	require.NoError(t, err)
	assert.True(t, out.CachedResult)
	assert.Equal(t, "from cache", out.Message)
	assert.Equal(t, int32(3), out.ExitCode(), "a non-zero exit is still a completed execution")
	assert.Equal(t, 0, out.Updates)
}

func TestExecuteInvalidSpecMakesNoCalls(t *testing.T) {
	srv := remotetest.NewServer(instance)
	h := newHarness(t, srv)

	roots := map[string]*tree.Directory{
		"missing root":         nil,
		"nil subdirectory":     {Subdirectories: []*tree.Directory{nil}},
		"nested nil directory": tree.NewDirectory("").Add(tree.NewDirectory("src").Add(nil)),
	}
	for name, root := range roots {
		t.Run(name, func(t *testing.T) {
			spec := copySpec()
			spec.InputRoot = root
			_, err := h.driver.Execute(context.Background(), spec)

			require.Error(t, err)
			assert.Equal(t, KindInvalidSpec, KindOf(err))
			assert.ErrorIs(t, err, ErrInvalidSpec)
			var execErr *Error
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, PhaseIdle, execErr.Phase)
		})
	}
	assert.Equal(t, 0, srv.BatchCalls())
	assert.Empty(t, srv.Uploads())
	assert.Empty(t, srv.ExecuteRequests())
}

func TestExecuteUploadFailures(t *testing.T) {
	t.Run("digest mismatch", func(t *testing.T) {
		srv := remotetest.NewServer(instance)
		srv.OnBatch = func(_ int, _ *repb.BatchUpdateBlobsRequest, resp *repb.BatchUpdateBlobsResponse) error {
			resp.Responses[0].Digest = digest.Empty.ToProto()
			return nil
		}
		h := newHarness(t, srv)

		_, err := h.driver.Execute(context.Background(), copySpec())
		var execErr *Error
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, KindDigestMismatch, execErr.Kind)
		assert.Equal(t, PhaseIdle, execErr.Phase)
		assert.Empty(t, srv.ExecuteRequests())
	})

	t.Run("unreachable store", func(t *testing.T) {
		srv := remotetest.NewServer(instance)
		srv.OnBatch = func(call int, _ *repb.BatchUpdateBlobsRequest, _ *repb.BatchUpdateBlobsResponse) error {
			if call == 2 {
				return status.Error(codes.Unavailable, "gone")
			}
			return nil
		}
		h := newHarness(t, srv)

		_, err := h.driver.Execute(context.Background(), copySpec())
		var execErr *Error
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, KindTransport, execErr.Kind)
		assert.Equal(t, PhaseCommandUploaded, execErr.Phase)
	})
}

func TestExecuteResumesWithWaitExecution(t *testing.T) {
	srv := remotetest.NewServer(instance)
	srv.OnExecute = func(context.Context, *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
		return []*longrunningpb.Operation{remotetest.Pending("operations/1")}, status.Error(codes.Unavailable, "stream reset")
	}
	waits := 0
	srv.OnWait = func(_ context.Context, req *repb.WaitExecutionRequest) ([]*longrunningpb.Operation, error) {
		waits++
		if waits == 1 {
			return nil, status.Error(codes.Unavailable, "still resetting")
		}
		return []*longrunningpb.Operation{
			remotetest.Pending(req.GetName()),
			remotetest.Done(req.GetName(), &repb.ExecuteResponse{Result: cannedResult()}),
		}, nil
	}
	h := newHarness(t, srv)

	out, err := h.driver.Execute(context.Background(), copySpec())
	require.NoError(t, err)
	assert.True(t, proto.Equal(cannedResult(), out.Result))
	assert.Equal(t, []string{"operations/1", "operations/1"}, srv.WaitRequests())
	assert.Len(t, srv.ExecuteRequests(), 1, "submission is never repeated")
	assert.Equal(t, 2, out.Updates)
}

func TestExecuteResumeLimits(t *testing.T) {
	t.Run("unnamed operation is not resumed", func(t *testing.T) {
		srv := remotetest.NewServer(instance)
		srv.OnExecute = func(context.Context, *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
			return nil, status.Error(codes.Unavailable, "stream reset")
		}
		h := newHarness(t, srv)

		_, err := h.driver.Execute(context.Background(), copySpec())
		assert.Equal(t, KindTransport, KindOf(err))
		assert.Empty(t, srv.WaitRequests())
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		srv := remotetest.NewServer(instance)
		srv.OnExecute = func(context.Context, *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
			return []*longrunningpb.Operation{remotetest.Pending("operations/1")}, status.Error(codes.Unavailable, "reset")
		}
		srv.OnWait = func(context.Context, *repb.WaitExecutionRequest) ([]*longrunningpb.Operation, error) {
			return nil, status.Error(codes.Unavailable, "reset")
		}
		h := newHarness(t, srv, WithWaitAttempts(2))

		_, err := h.driver.Execute(context.Background(), copySpec())
		assert.Equal(t, KindTransport, KindOf(err))
		assert.Len(t, srv.WaitRequests(), 2)
	})
}

func TestExecuteCancellation(t *testing.T) {
	srv := remotetest.NewServer(instance)
	srv.OnExecute = func(ctx context.Context, _ *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.driver.Execute(ctx, copySpec())
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteAttachesActionID(t *testing.T) {
	srv := remotetest.NewServer(instance)
	srv.Start(t)

	md := remote.NewMetadata("run-1")
	conn, err := srv.Dial(context.Background(),
		grpc.WithChainUnaryInterceptor(md.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(md.StreamClientInterceptor()))
	require.NoError(t, err)
	defer conn.Close()

	u, err := cas.NewUploader(conn, instance)
	require.NoError(t, err)
	defer u.Close()

	out, err := NewDriver(u, conn, instance).Execute(context.Background(), copySpec())
	require.NoError(t, err)

	seen := srv.RequestMetadata()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, out.ActionDigest.Hash, last.GetActionId())
	assert.Equal(t, "run-1", last.GetCorrelatedInvocationsId())
	assert.Equal(t, remote.ToolName, last.GetToolDetails().GetToolName())
	assert.Empty(t, seen[0].GetActionId(), "uploads before the action exists carry no action id")
}

type recorded struct {
	kind   Kind
	cached bool
}

type sliceRecorder struct{ got []recorded }

func (r *sliceRecorder) RecordExecution(kind Kind, cached bool, _ time.Duration) {
	r.got = append(r.got, recorded{kind, cached})
}

func TestExecuteRecorder(t *testing.T) {
	rec := &sliceRecorder{}
	h := newHarness(t, remotetest.NewServer(instance), WithRecorder(rec))

	_, err := h.driver.Execute(context.Background(), copySpec())
	require.NoError(t, err)
	bad := copySpec()
	bad.Arguments = nil
	_, err = h.driver.Execute(context.Background(), bad)
	require.Error(t, err)

	assert.Equal(t, []recorded{{"", false}, {KindInvalidSpec, false}}, rec.got)
}
