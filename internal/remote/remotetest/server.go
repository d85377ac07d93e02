// internal/remote/remotetest/server.go
// Package remotetest provides an in-process remote execution service for
// tests. It speaks the real gRPC protocol over an in-memory listener.
package remotetest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/genproto/googleapis/bytestream"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/FairForge/rebel/internal/digest"
	"github.com/FairForge/rebel/internal/remote"
)

// ExecuteFunc scripts the operation stream for one Execute call. The
// returned operations are sent in order; a non-nil error then terminates
// the stream with that status.
type ExecuteFunc func(ctx context.Context, req *repb.ExecuteRequest) ([]*longrunningpb.Operation, error)

// WaitFunc scripts the stream for one WaitExecution call.
type WaitFunc func(ctx context.Context, req *repb.WaitExecutionRequest) ([]*longrunningpb.Operation, error)

// BatchHook may rewrite a BatchUpdateBlobs response before it is sent, or
// fail the call outright.
type BatchHook func(call int, req *repb.BatchUpdateBlobsRequest, resp *repb.BatchUpdateBlobsResponse) error

// Server is a fake CAS, Execution, ByteStream and Capabilities service.
type Server struct {
	repb.UnimplementedContentAddressableStorageServer
	repb.UnimplementedExecutionServer
	repb.UnimplementedCapabilitiesServer
	bytestream.UnimplementedByteStreamServer

	mu           sync.Mutex
	blobs        map[digest.Digest][]byte
	uploads      []digest.Digest
	batchCalls   int
	writeCalls   int
	executions   []*repb.ExecuteRequest
	waits        []string
	metadata     []*repb.RequestMetadata
	instance     string
	capabilities *repb.ServerCapabilities

	// Result is returned by the default ExecuteFunc.
	Result *repb.ActionResult
	// OnExecute overrides the default execution behavior.
	OnExecute ExecuteFunc
	// OnWait handles WaitExecution; nil means NotFound.
	OnWait WaitFunc
	// OnBatch intercepts BatchUpdateBlobs responses.
	OnBatch BatchHook

	decoder *zstd.Decoder
	srv     *grpc.Server
	lis     *bufconn.Listener
}

// NewServer returns a fake serving instanceName with permissive defaults.
func NewServer(instanceName string) *Server {
	dec, _ := zstd.NewReader(nil)
	return &Server{
		blobs:    make(map[digest.Digest][]byte),
		instance: instanceName,
		decoder:  dec,
		capabilities: &repb.ServerCapabilities{
			CacheCapabilities: &repb.CacheCapabilities{
				DigestFunctions:                 []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
				MaxBatchTotalSizeBytes:          4 << 20,
				SupportedCompressors:            []repb.Compressor_Value{repb.Compressor_ZSTD},
				SupportedBatchUpdateCompressors: []repb.Compressor_Value{repb.Compressor_ZSTD},
			},
			ExecutionCapabilities: &repb.ExecutionCapabilities{
				DigestFunction: repb.DigestFunction_SHA256,
				ExecEnabled:    true,
			},
		},
	}
}

// SetCapabilities replaces the advertised capabilities.
func (s *Server) SetCapabilities(caps *repb.ServerCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities = caps
}

func (s *Server) register() {
	s.srv = grpc.NewServer()
	repb.RegisterContentAddressableStorageServer(s.srv, s)
	repb.RegisterExecutionServer(s.srv, s)
	repb.RegisterCapabilitiesServer(s.srv, s)
	bytestream.RegisterByteStreamServer(s.srv, s)
}

// Start serves on an in-memory listener and returns a client connection.
// Both are torn down when the test ends.
func (s *Server) Start(t testing.TB) *grpc.ClientConn {
	t.Helper()

	s.lis = bufconn.Listen(1 << 20)
	s.register()
	go func() { _ = s.srv.Serve(s.lis) }()

	conn, err := s.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial fake server: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		s.srv.Stop()
	})
	return conn
}

// ListenTCP serves on a loopback port for callers that dial by address.
// It returns host:port and stops the server when the test ends.
func (s *Server) ListenTCP(t testing.TB) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.register()
	go func() { _ = s.srv.Serve(lis) }()
	t.Cleanup(s.srv.Stop)
	return lis.Addr().String()
}

// Dial opens an additional client connection, applying opts.
func (s *Server) Dial(_ context.Context, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return grpc.NewClient("passthrough:///bufnet", append(base, opts...)...)
}

func (s *Server) checkInstance(name string) error {
	if name != s.instance {
		return status.Errorf(codes.InvalidArgument, "unknown instance %q", name)
	}
	return nil
}

func (s *Server) recordMetadata(ctx context.Context) {
	if md, ok := remote.RequestMetadataFromIncoming(ctx); ok {
		s.metadata = append(s.metadata, md)
	}
}

func (s *Server) store(d digest.Digest, data []byte) {
	s.blobs[d] = append([]byte(nil), data...)
	s.uploads = append(s.uploads, d)
}

// Put seeds the CAS with data and returns its digest.
func (s *Server) Put(data []byte) digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := digest.Compute(data)
	s.blobs[d] = append([]byte(nil), data...)
	return d
}

// Blob returns a stored payload.
func (s *Server) Blob(d digest.Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[d]
	return data, ok
}

// Uploads returns every digest written, in arrival order.
func (s *Server) Uploads() []digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]digest.Digest(nil), s.uploads...)
}

// BatchCalls returns the number of BatchUpdateBlobs calls served.
func (s *Server) BatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchCalls
}

// WriteCalls returns the number of ByteStream Write streams served.
func (s *Server) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

// ExecuteRequests returns every Execute request received.
func (s *Server) ExecuteRequests() []*repb.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repb.ExecuteRequest(nil), s.executions...)
}

// WaitRequests returns the operation names passed to WaitExecution.
func (s *Server) WaitRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.waits...)
}

// RequestMetadata returns the RequestMetadata headers observed.
func (s *Server) RequestMetadata() []*repb.RequestMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repb.RequestMetadata(nil), s.metadata...)
}

func (s *Server) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordMetadata(ctx)
	if err := s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	return s.capabilities, nil
}

func (s *Server) decode(compressor repb.Compressor_Value, data []byte) ([]byte, error) {
	switch compressor {
	case repb.Compressor_IDENTITY:
		return data, nil
	case repb.Compressor_ZSTD:
		return s.decoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compressor %s", compressor)
	}
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	s.mu.Lock()
	s.batchCalls++
	call := s.batchCalls
	s.recordMetadata(ctx)
	if err := s.checkInstance(req.GetInstanceName()); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.GetRequests() {
		entry := &repb.BatchUpdateBlobsResponse_Response{Digest: r.GetDigest(), Status: &statuspb.Status{}}
		data, err := s.decode(r.GetCompressor(), r.GetData())
		switch {
		case err != nil:
			entry.Status = status.New(codes.InvalidArgument, err.Error()).Proto()
		case digest.Compute(data) != mustDigest(r.GetDigest()):
			entry.Status = status.New(codes.InvalidArgument, "digest does not match data").Proto()
		default:
			s.store(mustDigest(r.GetDigest()), data)
		}
		resp.Responses = append(resp.Responses, entry)
	}
	hook := s.OnBatch
	s.mu.Unlock()

	if hook != nil {
		if err := hook(call, req, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *Server) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range req.GetBlobDigests() {
		if _, ok := s.blobs[mustDigest(d)]; !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func mustDigest(d *repb.Digest) digest.Digest {
	return digest.Digest{Hash: d.GetHash(), SizeBytes: d.GetSizeBytes()}
}
