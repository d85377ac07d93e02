// internal/cas/uploader.go
// Package cas uploads content-addressed blobs to a remote
// ContentAddressableStorage service.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Yiling-J/theine-go"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/FairForge/rebel/internal/digest"
	"github.com/FairForge/rebel/internal/retry"
)

const (
	DefaultMaxBatchSize = 4 << 20
	DefaultChunkSize    = 64 << 10

	// entryOverhead approximates the per-blob framing inside a batch
	// request: digest hash, size and field tags.
	entryOverhead = digest.HashLength + 32
)

// Recorder receives upload telemetry.
type Recorder interface {
	RecordUpload(method string, blobs int, bytes int64, err error)
	RecordCacheHit()
}

type nopRecorder struct{}

func (nopRecorder) RecordUpload(string, int, int64, error) {}
func (nopRecorder) RecordCacheHit()                        {}

// Uploader writes blobs to the CAS of one instance.
type Uploader struct {
	cas          repb.ContentAddressableStorageClient
	bs           bytestream.ByteStreamClient
	instanceName string

	maxBatchSize int64
	chunkSize    int
	byteStream   bool
	compressor   repb.Compressor_Value
	encoder      *zstd.Encoder
	cacheSize    int64
	known        *theine.Cache[string, struct{}]

	policy   *retry.Policy
	recorder Recorder
	logger   *zap.Logger
}

// Option configures an Uploader
type Option func(*Uploader)

// WithMaxBatchSize caps the payload of one BatchUpdateBlobs call
func WithMaxBatchSize(n int64) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.maxBatchSize = n
		}
	}
}

// WithChunkSize sets the ByteStream write chunk size
func WithChunkSize(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.chunkSize = n
		}
	}
}

// WithByteStream toggles ByteStream writes for oversized blobs
func WithByteStream(enabled bool) Option {
	return func(u *Uploader) {
		u.byteStream = enabled
	}
}

// WithCompressor selects the wire compression for uploads
func WithCompressor(c repb.Compressor_Value) Option {
	return func(u *Uploader) {
		u.compressor = c
	}
}

// WithRetryPolicy sets the policy applied to every upload call
func WithRetryPolicy(p *retry.Policy) Option {
	return func(u *Uploader) {
		u.policy = p
	}
}

// WithDigestCache remembers up to size confirmed digests and skips
// re-uploading them. Zero disables the cache.
func WithDigestCache(size int64) Option {
	return func(u *Uploader) {
		u.cacheSize = size
	}
}

// WithRecorder attaches upload telemetry
func WithRecorder(r Recorder) Option {
	return func(u *Uploader) {
		if r != nil {
			u.recorder = r
		}
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUploader creates an uploader for instanceName over conn.
func NewUploader(conn grpc.ClientConnInterface, instanceName string, opts ...Option) (*Uploader, error) {
	u := &Uploader{
		cas:          repb.NewContentAddressableStorageClient(conn),
		bs:           bytestream.NewByteStreamClient(conn),
		instanceName: instanceName,
		maxBatchSize: DefaultMaxBatchSize,
		chunkSize:    DefaultChunkSize,
		byteStream:   true,
		compressor:   repb.Compressor_IDENTITY,
		policy:       retry.NewPolicy(),
		recorder:     nopRecorder{},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}

	switch u.compressor {
	case repb.Compressor_IDENTITY:
	case repb.Compressor_ZSTD:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("cas: zstd encoder: %w", err)
		}
		u.encoder = enc
	default:
		return nil, fmt.Errorf("cas: unsupported compressor %s", u.compressor)
	}

	if u.cacheSize > 0 {
		known, err := theine.NewBuilder[string, struct{}](u.cacheSize).Build()
		if err != nil {
			return nil, fmt.Errorf("cas: digest cache: %w", err)
		}
		u.known = known
	}

	return u, nil
}

// Close releases the digest cache and encoder.
func (u *Uploader) Close() error {
	if u.known != nil {
		u.known.Close()
	}
	if u.encoder != nil {
		return u.encoder.Close()
	}
	return nil
}

// InstanceName returns the namespace uploads are written to.
func (u *Uploader) InstanceName() string {
	return u.instanceName
}

// Upload writes a single blob and returns the digest the server confirmed.
func (u *Uploader) Upload(ctx context.Context, blob digest.Blob) (digest.Digest, error) {
	got, err := u.UploadBatch(ctx, []digest.Blob{blob})
	if err != nil {
		return digest.Digest{}, err
	}
	return got[0], nil
}

// UploadBatch writes blobs and returns their confirmed digests in the same
// order. Blobs are packed into as few BatchUpdateBlobs calls as the batch
// limit allows; blobs above the limit go through ByteStream.
func (u *Uploader) UploadBatch(ctx context.Context, blobs []digest.Blob) ([]digest.Digest, error) {
	out := make([]digest.Digest, len(blobs))
	if len(blobs) == 0 {
		return out, nil
	}

	// Identical blobs are sent once; positions are filled in afterwards.
	positions := make(map[digest.Digest][]int, len(blobs))
	var unique []digest.Blob
	for i, b := range blobs {
		d := b.Digest()
		if _, seen := positions[d]; !seen {
			if u.isKnown(d) {
				u.recorder.RecordCacheHit()
				out[i] = d
				positions[d] = nil
				continue
			}
			unique = append(unique, b)
		}
		positions[d] = append(positions[d], i)
	}

	var (
		batch     []digest.Blob
		batchSize int64
		oversized []digest.Blob
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := u.sendBatch(ctx, batch)
		batch, batchSize = nil, 0
		return err
	}

	for _, b := range unique {
		cost := b.Size() + entryOverhead
		if cost > u.maxBatchSize {
			oversized = append(oversized, b)
			continue
		}
		if batchSize+cost > u.maxBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, b)
		batchSize += cost
	}
	if err := flush(); err != nil {
		return nil, err
	}

	for _, b := range oversized {
		if !u.byteStream {
			return nil, fmt.Errorf("%w: %s", ErrBlobTooLarge, b.Digest())
		}
		if err := u.write(ctx, b); err != nil {
			return nil, err
		}
		u.remember(b.Digest())
	}

	for d, idx := range positions {
		for _, i := range idx {
			out[i] = d
		}
	}
	return out, nil
}

func (u *Uploader) isKnown(d digest.Digest) bool {
	if u.known == nil {
		return false
	}
	_, ok := u.known.Get(d.String())
	return ok
}

func (u *Uploader) remember(d digest.Digest) {
	if u.known != nil {
		u.known.Set(d.String(), struct{}{}, 1)
	}
}

func (u *Uploader) encode(data []byte) []byte {
	if u.encoder == nil {
		return data
	}
	return u.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

// sendBatch uploads one BatchUpdateBlobs request and verifies every entry
// of the response positionally.
func (u *Uploader) sendBatch(ctx context.Context, blobs []digest.Blob) error {
	req := &repb.BatchUpdateBlobsRequest{
		InstanceName: u.instanceName,
		Requests:     make([]*repb.BatchUpdateBlobsRequest_Request, 0, len(blobs)),
	}
	var bytes int64
	for _, b := range blobs {
		data := u.encode(b.Data())
		bytes += int64(len(data))
		req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
			Digest:     b.Digest().ToProto(),
			Data:       data,
			Compressor: u.compressor,
		})
	}

	err := u.policy.Execute(ctx, func() error {
		resp, err := u.cas.BatchUpdateBlobs(ctx, req)
		if err != nil {
			return fmt.Errorf("cas: batch update blobs: %w", err)
		}
		return verifyBatch(blobs, resp)
	})
	u.recorder.RecordUpload("batch", len(blobs), bytes, err)
	if err != nil {
		return err
	}

	for _, b := range blobs {
		u.remember(b.Digest())
	}
	u.logger.Debug("uploaded batch",
		zap.Int("blobs", len(blobs)),
		zap.Int64("bytes", bytes),
		zap.String("instance", u.instanceName))
	return nil
}

func verifyBatch(blobs []digest.Blob, resp *repb.BatchUpdateBlobsResponse) error {
	entries := resp.GetResponses()
	if len(entries) != len(blobs) {
		return &ResponseCountError{Want: len(blobs), Got: len(entries)}
	}

	var rejected error
	for i, entry := range entries {
		want := blobs[i].Digest()
		got, err := digest.FromProto(entry.GetDigest())
		if err != nil || got != want {
			return &DigestMismatchError{Want: want, Got: got}
		}
		if st := entry.GetStatus(); st != nil && codes.Code(st.GetCode()) != codes.OK && rejected == nil {
			rejected = &BlobStatusError{Digest: want, Status: st}
		}
	}
	return rejected
}

func (u *Uploader) resourceName(d digest.Digest) string {
	var parts []string
	if u.instanceName != "" {
		parts = append(parts, u.instanceName)
	}
	parts = append(parts, "uploads", uuid.NewString())
	if u.encoder != nil {
		parts = append(parts, "compressed-blobs", strings.ToLower(u.compressor.String()))
	} else {
		parts = append(parts, "blobs")
	}
	parts = append(parts, d.Hash, fmt.Sprint(d.SizeBytes))
	return strings.Join(parts, "/")
}

// write streams one blob through ByteStream.
func (u *Uploader) write(ctx context.Context, blob digest.Blob) error {
	data := u.encode(blob.Data())

	err := u.policy.Execute(ctx, func() error {
		committed, err := u.writeOnce(ctx, u.resourceName(blob.Digest()), data)
		if err != nil {
			return err
		}
		return u.checkCommitted(blob.Digest(), int64(len(data)), committed)
	})
	u.recorder.RecordUpload("bytestream", 1, int64(len(data)), err)
	if err != nil {
		return err
	}

	u.logger.Debug("uploaded blob via bytestream",
		zap.String("digest", blob.Digest().String()),
		zap.Int("wireBytes", len(data)))
	return nil
}

func (u *Uploader) writeOnce(ctx context.Context, name string, data []byte) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := u.bs.Write(ctx)
	if err != nil {
		return 0, fmt.Errorf("cas: bytestream write: %w", err)
	}

	for off := 0; ; {
		end := min(off+u.chunkSize, len(data))
		req := &bytestream.WriteRequest{
			WriteOffset: int64(off),
			Data:        data[off:end],
			FinishWrite: end == len(data),
		}
		if off == 0 {
			req.ResourceName = name
		}
		if err := stream.Send(req); err != nil {
			// The server may finish early when the blob already exists;
			// the outcome is reported by CloseAndRecv.
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("cas: bytestream send: %w", err)
		}
		if end == len(data) {
			break
		}
		off = end
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return 0, fmt.Errorf("cas: bytestream write: %w", err)
	}
	return resp.GetCommittedSize(), nil
}

func (u *Uploader) checkCommitted(d digest.Digest, wireSize, committed int64) error {
	if u.encoder != nil {
		if committed == -1 || committed == wireSize {
			return nil
		}
		return &CommittedSizeError{Digest: d, Want: wireSize, Got: committed}
	}
	if committed != d.SizeBytes {
		return &CommittedSizeError{Digest: d, Want: d.SizeBytes, Got: committed}
	}
	return nil
}
