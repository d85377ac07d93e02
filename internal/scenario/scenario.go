// internal/scenario/scenario.go
// Package scenario builds the ActionSpecs a load test submits.
package scenario

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/FairForge/rebel/internal/execution"
	"github.com/FairForge/rebel/internal/tree"
)

const (
	Default         = "copy"
	DefaultBlobSize = 1 << 20
)

var ErrUnknown = errors.New("unknown scenario")

// Options tune every scenario.
type Options struct {
	// FS backs the dir scenario; nil means the OS filesystem.
	FS       afero.Fs
	InputDir string
	BlobSize int64

	DoNotCache      bool
	SkipCacheLookup bool
	Timeout         time.Duration
	Platform        map[string]string
}

// Scenario produces one ActionSpec per iteration.
type Scenario struct {
	Name        string
	Description string

	opts  Options
	build func(iteration int64) (execution.ActionSpec, error)
}

// Spec returns the action for iteration with the shared options applied.
func (s *Scenario) Spec(iteration int64) (execution.ActionSpec, error) {
	spec, err := s.build(iteration)
	if err != nil {
		return execution.ActionSpec{}, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	spec.DoNotCache = s.opts.DoNotCache
	spec.SkipCacheLookup = s.opts.SkipCacheLookup
	spec.Timeout = s.opts.Timeout
	spec.Platform = s.opts.Platform
	return spec, nil
}

type constructor struct {
	description string
	build       func(opts Options) (func(int64) (execution.ActionSpec, error), error)
}

var registry = map[string]constructor{
	"copy": {
		description: "cp README bwb-test",
		build: constant(func() execution.ActionSpec {
			return execution.ActionSpec{
				Arguments:   []string{"cp", "README", "bwb-test"},
				InputRoot:   tree.NewDirectory("", tree.File{Name: "README", Data: []byte("Hello")}),
				OutputPaths: []string{"bwb-test"},
			}
		}),
	},
	"echo": {
		description: "echo hello over an empty input root",
		build: constant(func() execution.ActionSpec {
			return execution.ActionSpec{
				Arguments: []string{"echo", "hello"},
				InputRoot: &tree.Directory{},
			}
		}),
	},
	"nested": {
		description: "cat a file two directories deep",
		build: constant(func() execution.ActionSpec {
			lib := tree.NewDirectory("lib", tree.File{Name: "data.txt", Data: []byte("nested payload\n")})
			src := tree.NewDirectory("src", tree.File{Name: "VERSION", Data: []byte("1\n")}).Add(lib)
			return execution.ActionSpec{
				Arguments: []string{"cat", "src/lib/data.txt"},
				InputRoot: tree.NewDirectory("", tree.File{Name: "README", Data: []byte("Hello")}).Add(src),
			}
		}),
	},
	"blob": {
		description: "wc -c over a fresh random payload every iteration",
		build:       buildBlob,
	},
	"dir": {
		description: "ls -R over an input root loaded from input_dir",
		build:       buildDir,
	},
}

func constant(fn func() execution.ActionSpec) func(Options) (func(int64) (execution.ActionSpec, error), error) {
	return func(Options) (func(int64) (execution.ActionSpec, error), error) {
		return func(int64) (execution.ActionSpec, error) { return fn(), nil }, nil
	}
}

func buildBlob(opts Options) (func(int64) (execution.ActionSpec, error), error) {
	size := opts.BlobSize
	if size <= 0 {
		size = DefaultBlobSize
	}
	return func(int64) (execution.ActionSpec, error) {
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			return execution.ActionSpec{}, err
		}
		return execution.ActionSpec{
			Arguments: []string{"wc", "-c", "payload.bin"},
			InputRoot: tree.NewDirectory("", tree.File{Name: "payload.bin", Data: payload}),
		}, nil
	}, nil
}

func buildDir(opts Options) (func(int64) (execution.ActionSpec, error), error) {
	if opts.InputDir == "" {
		return nil, errors.New("input_dir is required")
	}
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root, err := tree.Load(fs, opts.InputDir)
	if err != nil {
		return nil, err
	}
	return func(int64) (execution.ActionSpec, error) {
		return execution.ActionSpec{
			Arguments: []string{"ls", "-R", "."},
			InputRoot: root,
		}, nil
	}, nil
}

// New returns the scenario registered under name.
func New(name string, opts Options) (*Scenario, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknown, name, Names())
	}
	build, err := c.build(opts)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	return &Scenario{Name: name, Description: c.description, opts: opts, build: build}, nil
}

// Known reports whether name is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names lists the registered scenarios.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Label renders an iteration for log fields.
func Label(name string, iteration int64) string {
	return name + "#" + strconv.FormatInt(iteration, 10)
}
