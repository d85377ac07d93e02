// internal/digest/blob.go
package digest

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Blob pairs a payload with the digest derived from it. The digest is
// always computed from the bytes and is never supplied by the caller.
type Blob struct {
	data   []byte
	digest Digest
}

// NewBlob hashes data into a Blob. The slice is retained, not copied.
func NewBlob(data []byte) Blob {
	return Blob{data: data, digest: Compute(data)}
}

// NewBlobFromProto encodes msg deterministically and hashes the result.
func NewBlobFromProto(msg proto.Message) (Blob, error) {
	data, err := marshalOptions.Marshal(msg)
	if err != nil {
		return Blob{}, fmt.Errorf("digest: marshal %T: %w", msg, err)
	}
	return NewBlob(data), nil
}

// Data returns the payload.
func (b Blob) Data() []byte { return b.data }

// Digest returns the digest of the payload.
func (b Blob) Digest() Digest { return b.digest }

// Size returns the payload length in bytes.
func (b Blob) Size() int64 { return b.digest.SizeBytes }
