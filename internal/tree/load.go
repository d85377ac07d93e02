// internal/tree/load.go
package tree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const ownerExecute os.FileMode = 0o100

// Load reads the directory at root from fs. Entries are visited in
// lexical order; symlinks and other special files are rejected.
func Load(fs afero.Fs, root string) (*Directory, error) {
	info, err := fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("tree: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tree: %s is not a directory", root)
	}
	return load(fs, root, "")
}

func load(fs afero.Fs, path, name string) (*Directory, error) {
	entries, err := afero.ReadDir(fs, path)
	if err != nil {
		return nil, fmt.Errorf("tree: read dir %s: %w", path, err)
	}

	dir := &Directory{Name: name}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		mode := entry.Mode()
		switch {
		case mode.IsDir():
			sub, err := load(fs, full, entry.Name())
			if err != nil {
				return nil, err
			}
			dir.Subdirectories = append(dir.Subdirectories, sub)
		case mode.IsRegular():
			data, err := afero.ReadFile(fs, full)
			if err != nil {
				return nil, fmt.Errorf("tree: read %s: %w", full, err)
			}
			dir.Files = append(dir.Files, File{
				Name:         entry.Name(),
				Data:         data,
				IsExecutable: mode.Perm()&ownerExecute != 0,
			})
		default:
			return nil, fmt.Errorf("tree: unsupported file type %s at %s", mode.Type(), full)
		}
	}
	return dir, nil
}
