// internal/cas/errors.go
package cas

import (
	"errors"
	"fmt"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/status"

	"github.com/FairForge/rebel/internal/digest"
)

// ErrBlobTooLarge is returned for a blob above the batch limit when
// ByteStream uploads are disabled.
var ErrBlobTooLarge = errors.New("cas: blob exceeds batch limit")

// DigestMismatchError means the server confirmed a different digest than
// the one computed locally, i.e. the upload was corrupted.
type DigestMismatchError struct {
	Want digest.Digest
	Got  digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("cas: server confirmed digest %s, want %s", e.Got, e.Want)
}

// CommittedSizeError means a ByteStream write finished short or long.
type CommittedSizeError struct {
	Digest digest.Digest
	Want   int64
	Got    int64
}

func (e *CommittedSizeError) Error() string {
	return fmt.Sprintf("cas: committed %d bytes for %s, want %d", e.Got, e.Digest, e.Want)
}

// ResponseCountError means a batch response did not list one entry per
// request.
type ResponseCountError struct {
	Want int
	Got  int
}

func (e *ResponseCountError) Error() string {
	return fmt.Sprintf("cas: batch response has %d entries, want %d", e.Got, e.Want)
}

// BlobStatusError is a per-blob rejection inside a successful batch call.
type BlobStatusError struct {
	Digest digest.Digest
	Status *statuspb.Status
}

func (e *BlobStatusError) Error() string {
	return fmt.Sprintf("cas: upload of %s rejected: %s", e.Digest, status.FromProto(e.Status).Message())
}

// Unwrap exposes the gRPC status so callers can inspect the code.
func (e *BlobStatusError) Unwrap() error {
	return status.ErrorProto(e.Status)
}
