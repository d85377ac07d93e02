// internal/remote/remotetest/bytestream.go
package remotetest

import (
	"errors"
	"io"
	"strconv"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/FairForge/rebel/internal/digest"
)

// parseUploadName splits
// {instance}/uploads/{uuid}/blobs/{hash}/{size} and
// {instance}/uploads/{uuid}/compressed-blobs/{compressor}/{hash}/{size}.
func parseUploadName(name string) (instance string, compressor repb.Compressor_Value, d digest.Digest, err error) {
	parts := strings.Split(name, "/")
	idx := -1
	for i, p := range parts {
		if p == "uploads" {
			idx = i
			break
		}
	}
	if idx < 0 || len(parts) < idx+5 {
		return "", 0, digest.Digest{}, errors.New("malformed resource name")
	}
	instance = strings.Join(parts[:idx], "/")
	rest := parts[idx+2:]
	switch rest[0] {
	case "blobs":
		compressor = repb.Compressor_IDENTITY
		rest = rest[1:]
	case "compressed-blobs":
		if len(rest) < 4 {
			return "", 0, digest.Digest{}, errors.New("malformed compressed resource name")
		}
		v, ok := repb.Compressor_Value_value[strings.ToUpper(rest[1])]
		if !ok {
			return "", 0, digest.Digest{}, errors.New("unknown compressor")
		}
		compressor = repb.Compressor_Value(v)
		rest = rest[2:]
	default:
		return "", 0, digest.Digest{}, errors.New("malformed resource name")
	}
	size, perr := strconv.ParseInt(rest[1], 10, 64)
	if perr != nil {
		return "", 0, digest.Digest{}, perr
	}
	return instance, compressor, digest.Digest{Hash: rest[0], SizeBytes: size}, nil
}

func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	s.mu.Lock()
	s.writeCalls++
	s.recordMetadata(stream.Context())
	s.mu.Unlock()

	var (
		name string
		buf  []byte
	)
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return status.Error(codes.InvalidArgument, "stream closed before finish_write")
		}
		if err != nil {
			return err
		}
		if name == "" {
			name = req.GetResourceName()
		}
		if req.GetWriteOffset() != int64(len(buf)) {
			return status.Errorf(codes.InvalidArgument, "offset %d, have %d", req.GetWriteOffset(), len(buf))
		}
		buf = append(buf, req.GetData()...)
		if req.GetFinishWrite() {
			break
		}
	}

	instance, compressor, d, err := parseUploadName(name)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.checkInstance(instance); err != nil {
		return err
	}
	data, err := s.decode(compressor, buf)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if digest.Compute(data) != d {
		return status.Error(codes.InvalidArgument, "digest does not match data")
	}

	s.mu.Lock()
	s.store(d, data)
	s.mu.Unlock()

	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(buf))})
}
