// internal/execution/errors.go
package execution

import (
	"context"
	"errors"
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/FairForge/rebel/internal/cas"
)

// Kind classifies why an execution failed.
type Kind string

const (
	KindInvalidSpec    Kind = "invalid_spec"
	KindTransport      Kind = "transport"
	KindDigestMismatch Kind = "digest_mismatch"
	KindProtocol       Kind = "protocol"
	KindExecution      Kind = "execution"
	KindCanceled       Kind = "canceled"
)

var (
	ErrInvalidSpec = errors.New("invalid action spec")
	ErrProtocol    = errors.New("protocol violation")
)

// Error is the failure of one execution, tagged with the phase it
// happened in.
type Error struct {
	Phase Phase
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("execution %s during %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExecutionFailedError is a terminal failure status from the server.
type ExecutionFailedError struct {
	Status *statuspb.Status
	// Result is the partial ActionResult the server attached, if any.
	Result *repb.ActionResult
}

func (e *ExecutionFailedError) Error() string {
	st := status.FromProto(e.Status)
	return fmt.Sprintf("remote execution failed: %s: %s", st.Code(), st.Message())
}

// Code returns the gRPC code of the failure status.
func (e *ExecutionFailedError) Code() codes.Code {
	return codes.Code(e.Status.GetCode())
}

// KindOf returns the kind of err, or "" if err did not come from Execute.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func protocolError(phase Phase, format string, args ...any) *Error {
	return &Error{Phase: phase, Kind: KindProtocol, Err: fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))}
}

// classify wraps a failure of a network step.
func classify(ctx context.Context, phase Phase, err error) *Error {
	var (
		mismatch  *cas.DigestMismatchError
		committed *cas.CommittedSizeError
		count     *cas.ResponseCountError
		failed    *ExecutionFailedError
	)
	kind := KindTransport
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled:
		kind = KindCanceled
	case errors.As(err, &mismatch), errors.As(err, &committed):
		kind = KindDigestMismatch
	case errors.As(err, &count):
		kind = KindProtocol
	case errors.As(err, &failed):
		kind = KindExecution
	}
	return &Error{Phase: phase, Kind: kind, Err: err}
}
