// internal/remote/remotetest/execution.go
package remotetest

import (
	"context"
	"fmt"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/FairForge/rebel/internal/digest"
)

// Pending is an intermediate, not-done operation update.
func Pending(name string) *longrunningpb.Operation {
	md, _ := anypb.New(&repb.ExecuteOperationMetadata{Stage: repb.ExecutionStage_EXECUTING})
	return &longrunningpb.Operation{Name: name, Metadata: md}
}

// Done is a terminal update carrying resp.
func Done(name string, resp *repb.ExecuteResponse) *longrunningpb.Operation {
	a, err := anypb.New(resp)
	if err != nil {
		panic(err)
	}
	return &longrunningpb.Operation{
		Name:   name,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: a},
	}
}

// DoneError is a terminal update carrying a failure status.
func DoneError(name string, code codes.Code, msg string) *longrunningpb.Operation {
	return &longrunningpb.Operation{
		Name:   name,
		Done:   true,
		Result: &longrunningpb.Operation_Error{Error: status.New(code, msg).Proto()},
	}
}

// OperationName is the name the default handler assigns to an action.
func OperationName(actionDigest *repb.Digest) string {
	return fmt.Sprintf("operations/%s", actionDigest.GetHash())
}

func (s *Server) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	s.mu.Lock()
	s.executions = append(s.executions, proto.Clone(req).(*repb.ExecuteRequest))
	s.recordMetadata(stream.Context())
	if err := s.checkInstance(req.GetInstanceName()); err != nil {
		s.mu.Unlock()
		return err
	}
	fn := s.OnExecute
	s.mu.Unlock()

	if fn == nil {
		fn = s.defaultExecute
	}
	ops, err := fn(stream.Context(), req)
	for _, op := range ops {
		if sendErr := stream.Send(op); sendErr != nil {
			return sendErr
		}
	}
	return err
}

func (s *Server) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	s.mu.Lock()
	s.waits = append(s.waits, req.GetName())
	fn := s.OnWait
	s.mu.Unlock()

	if fn == nil {
		return status.Errorf(codes.NotFound, "operation %q not found", req.GetName())
	}
	ops, err := fn(stream.Context(), req)
	for _, op := range ops {
		if sendErr := stream.Send(op); sendErr != nil {
			return sendErr
		}
	}
	return err
}

// defaultExecute checks that the action and everything it references is in
// the CAS, then answers with Result.
func (s *Server) defaultExecute(_ context.Context, req *repb.ExecuteRequest) ([]*longrunningpb.Operation, error) {
	name := OperationName(req.GetActionDigest())

	action := &repb.Action{}
	if err := s.load(req.GetActionDigest(), action); err != nil {
		return []*longrunningpb.Operation{DoneError(name, codes.FailedPrecondition, err.Error())}, nil
	}
	if err := s.load(action.GetCommandDigest(), &repb.Command{}); err != nil {
		return []*longrunningpb.Operation{DoneError(name, codes.FailedPrecondition, err.Error())}, nil
	}
	if err := s.checkTree(action.GetInputRootDigest()); err != nil {
		return []*longrunningpb.Operation{DoneError(name, codes.FailedPrecondition, err.Error())}, nil
	}

	s.mu.Lock()
	result := s.Result
	s.mu.Unlock()
	if result == nil {
		result = &repb.ActionResult{}
	}

	return []*longrunningpb.Operation{
		Pending(name),
		Done(name, &repb.ExecuteResponse{Result: result, Status: &statuspb.Status{}}),
	}, nil
}

func (s *Server) load(d *repb.Digest, msg proto.Message) error {
	data, ok := s.Blob(mustDigest(d))
	if !ok {
		return fmt.Errorf("missing blob %s", mustDigest(d))
	}
	return proto.Unmarshal(data, msg)
}

func (s *Server) checkTree(d *repb.Digest) error {
	dir := &repb.Directory{}
	if err := s.load(d, dir); err != nil {
		return err
	}
	for _, f := range dir.GetFiles() {
		if _, ok := s.Blob(mustDigest(f.GetDigest())); !ok {
			return fmt.Errorf("missing file %s", f.GetName())
		}
	}
	for _, sub := range dir.GetDirectories() {
		if err := s.checkTree(sub.GetDigest()); err != nil {
			return err
		}
	}
	return nil
}

// ActionFor decodes the Action and Command the client uploaded for req.
func (s *Server) ActionFor(req *repb.ExecuteRequest) (*repb.Action, *repb.Command, error) {
	action := &repb.Action{}
	if err := s.load(req.GetActionDigest(), action); err != nil {
		return nil, nil, err
	}
	cmd := &repb.Command{}
	if err := s.load(action.GetCommandDigest(), cmd); err != nil {
		return nil, nil, err
	}
	return action, cmd, nil
}

// Directory decodes a stored Directory.
func (s *Server) Directory(d digest.Digest) (*repb.Directory, error) {
	dir := &repb.Directory{}
	if err := s.load(d.ToProto(), dir); err != nil {
		return nil, err
	}
	return dir, nil
}
