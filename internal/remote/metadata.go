// internal/remote/metadata.go
package remote

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// RequestMetadataKey is the binary header carrying repb.RequestMetadata.
const RequestMetadataKey = "build.bazel.remote.execution.v2.requestmetadata-bin"

const ToolName = "rebel"

// Version is stamped into ToolDetails.
var Version = "dev"

type actionIDKey struct{}

// WithActionID scopes ctx to one action so outgoing calls can be correlated
// on the server.
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey{}, actionID)
}

// ActionID returns the action id stored by WithActionID.
func ActionID(ctx context.Context) string {
	v, _ := ctx.Value(actionIDKey{}).(string)
	return v
}

// Metadata builds the RequestMetadata header for one process.
type Metadata struct {
	ToolInvocationID        string
	CorrelatedInvocationsID string
}

// NewMetadata returns metadata with a fresh tool invocation id.
func NewMetadata(correlatedID string) *Metadata {
	return &Metadata{
		ToolInvocationID:        uuid.NewString(),
		CorrelatedInvocationsID: correlatedID,
	}
}

// Proto returns the header message for a call made under ctx.
func (m *Metadata) Proto(ctx context.Context) *repb.RequestMetadata {
	return &repb.RequestMetadata{
		ToolDetails: &repb.ToolDetails{
			ToolName:    ToolName,
			ToolVersion: Version,
		},
		ActionId:                ActionID(ctx),
		ToolInvocationId:        m.ToolInvocationID,
		CorrelatedInvocationsId: m.CorrelatedInvocationsID,
	}
}

func (m *Metadata) attach(ctx context.Context) context.Context {
	data, err := proto.Marshal(m.Proto(ctx))
	if err != nil {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, RequestMetadataKey, string(data))
}

// UnaryClientInterceptor attaches the header to unary calls.
func (m *Metadata) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(m.attach(ctx), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the header to streaming calls.
func (m *Metadata) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(m.attach(ctx), desc, cc, method, opts...)
	}
}

// RequestMetadataFromIncoming decodes the header on the server side.
func RequestMetadataFromIncoming(ctx context.Context) (*repb.RequestMetadata, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}
	values := md.Get(RequestMetadataKey)
	if len(values) == 0 {
		return nil, false
	}
	out := &repb.RequestMetadata{}
	if err := proto.Unmarshal([]byte(values[0]), out); err != nil {
		return nil, false
	}
	return out, true
}
