// internal/digest/digest.go
// Package digest computes content identifiers for blobs stored in a
// remote content-addressable storage.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// HashLength is the length of a hex encoded SHA-256 hash.
const HashLength = sha256.Size * 2

// Function is the digest function advertised to the server.
const Function = repb.DigestFunction_SHA256

var (
	ErrInvalidHash = errors.New("digest: invalid hash")
	ErrInvalidSize = errors.New("digest: invalid size")
)

// Digest identifies a blob by the hash of its contents and its length.
type Digest struct {
	Hash      string
	SizeBytes int64
}

// Empty is the digest of a zero-length payload.
var Empty = Compute(nil)

// Compute returns the digest of data.
func Compute(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}
}

// FromProto converts a wire digest, rejecting malformed hashes and sizes.
func FromProto(d *repb.Digest) (Digest, error) {
	if d == nil {
		return Digest{}, fmt.Errorf("%w: missing digest", ErrInvalidHash)
	}
	if err := validateHash(d.GetHash()); err != nil {
		return Digest{}, err
	}
	if d.GetSizeBytes() < 0 {
		return Digest{}, fmt.Errorf("%w: %d", ErrInvalidSize, d.GetSizeBytes())
	}
	return Digest{Hash: d.GetHash(), SizeBytes: d.GetSizeBytes()}, nil
}

func validateHash(h string) error {
	if len(h) != HashLength {
		return fmt.Errorf("%w: length %d", ErrInvalidHash, len(h))
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidHash, h)
		}
	}
	return nil
}

// ToProto returns the wire representation of d.
func (d Digest) ToProto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// IsZero reports whether d is the zero value, which identifies nothing.
func (d Digest) IsZero() bool {
	return d.Hash == "" && d.SizeBytes == 0
}

// String renders the digest the way resource names embed it.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}
