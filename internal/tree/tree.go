// internal/tree/tree.go
// Package tree turns logical input trees into content-addressed REAPI
// Directory nodes.
package tree

import (
	"context"
	"errors"
	"fmt"
	"path"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.uber.org/zap"

	"github.com/FairForge/rebel/internal/digest"
)

// ErrNilDirectory is returned for a tree holding a nil directory.
var ErrNilDirectory = errors.New("tree: nil directory")

// File is a leaf of an input tree.
type File struct {
	Name         string
	Data         []byte
	IsExecutable bool
}

// Directory is the client-side shape of an input tree. Entries keep the
// order they were declared in.
type Directory struct {
	Name           string
	Subdirectories []*Directory
	Files          []File
}

// NewDirectory returns a directory holding files.
func NewDirectory(name string, files ...File) *Directory {
	return &Directory{Name: name, Files: files}
}

// Add appends a subdirectory and returns d for chaining.
func (d *Directory) Add(sub *Directory) *Directory {
	d.Subdirectories = append(d.Subdirectories, sub)
	return d
}

// Count returns the number of files and directories below and including d.
// Nil directories are not counted.
func (d *Directory) Count() (files, dirs int) {
	if d == nil {
		return 0, 0
	}
	dirs = 1
	files = len(d.Files)
	for _, sub := range d.Subdirectories {
		f, s := sub.Count()
		files += f
		dirs += s
	}
	return files, dirs
}

// Check reports the first nil directory in the tree rooted at dir.
func Check(dir *Directory) error {
	return check(dir, ".")
}

func check(dir *Directory, at string) error {
	if dir == nil {
		return fmt.Errorf("%w at %s", ErrNilDirectory, at)
	}
	for i, sub := range dir.Subdirectories {
		name := fmt.Sprintf("#%d", i)
		if sub != nil {
			name = sub.Name
		}
		if err := check(sub, path.Join(at, name)); err != nil {
			return err
		}
	}
	return nil
}

// Uploader is the blob store the serializer writes to.
type Uploader interface {
	Upload(ctx context.Context, blob digest.Blob) (digest.Digest, error)
	UploadBatch(ctx context.Context, blobs []digest.Blob) ([]digest.Digest, error)
}

// Serializer uploads directories bottom-up.
type Serializer struct {
	uploader Uploader
	logger   *zap.Logger
}

// NewSerializer creates a serializer writing through uploader.
func NewSerializer(uploader Uploader, logger *zap.Logger) *Serializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serializer{uploader: uploader, logger: logger}
}

// UploadDirectory uploads every subdirectory, then the files of dir, then
// the encoded node of dir itself, and returns the digest of that node.
// A tree holding a nil directory is rejected before anything is uploaded.
func (s *Serializer) UploadDirectory(ctx context.Context, dir *Directory) (digest.Digest, error) {
	if err := Check(dir); err != nil {
		return digest.Digest{}, err
	}
	return s.upload(ctx, dir)
}

func (s *Serializer) upload(ctx context.Context, dir *Directory) (digest.Digest, error) {
	subs := make([]digest.Digest, len(dir.Subdirectories))
	for i, sub := range dir.Subdirectories {
		d, err := s.upload(ctx, sub)
		if err != nil {
			return digest.Digest{}, err
		}
		subs[i] = d
	}

	files := make([]digest.Digest, len(dir.Files))
	if len(dir.Files) > 0 {
		blobs := make([]digest.Blob, len(dir.Files))
		for i, f := range dir.Files {
			blobs[i] = digest.NewBlob(f.Data)
		}
		confirmed, err := s.uploader.UploadBatch(ctx, blobs)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("tree: upload files of %q: %w", dir.Name, err)
		}
		copy(files, confirmed)
	}

	node, err := digest.NewBlobFromProto(Encode(dir, subs, files))
	if err != nil {
		return digest.Digest{}, fmt.Errorf("tree: encode %q: %w", dir.Name, err)
	}
	d, err := s.uploader.Upload(ctx, node)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("tree: upload node %q: %w", dir.Name, err)
	}

	s.logger.Debug("uploaded directory",
		zap.String("name", dir.Name),
		zap.Int("files", len(dir.Files)),
		zap.Int("subdirectories", len(dir.Subdirectories)),
		zap.String("digest", d.String()))
	return d, nil
}

// Encode builds the wire node for dir given the digests of its
// subdirectories and files, positionally.
func Encode(dir *Directory, subs, files []digest.Digest) *repb.Directory {
	node := &repb.Directory{}
	for i, f := range dir.Files {
		node.Files = append(node.Files, &repb.FileNode{
			Name:         f.Name,
			Digest:       files[i].ToProto(),
			IsExecutable: f.IsExecutable,
		})
	}
	for i, sub := range dir.Subdirectories {
		node.Directories = append(node.Directories, &repb.DirectoryNode{
			Name:   sub.Name,
			Digest: subs[i].ToProto(),
		})
	}
	return node
}

// Digest computes the identity of dir without uploading anything.
func Digest(dir *Directory) (digest.Digest, error) {
	if err := Check(dir); err != nil {
		return digest.Digest{}, err
	}
	return identity(dir)
}

func identity(dir *Directory) (digest.Digest, error) {
	subs := make([]digest.Digest, len(dir.Subdirectories))
	for i, sub := range dir.Subdirectories {
		d, err := identity(sub)
		if err != nil {
			return digest.Digest{}, err
		}
		subs[i] = d
	}
	files := make([]digest.Digest, len(dir.Files))
	for i, f := range dir.Files {
		files[i] = digest.Compute(f.Data)
	}
	blob, err := digest.NewBlobFromProto(Encode(dir, subs, files))
	if err != nil {
		return digest.Digest{}, err
	}
	return blob.Digest(), nil
}
