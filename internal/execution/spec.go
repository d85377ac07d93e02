// internal/execution/spec.go
package execution

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/FairForge/rebel/internal/tree"
)

// ActionSpec describes one remote execution. It is validated once, before
// anything is uploaded.
type ActionSpec struct {
	// Arguments is the argv; the first element is the executable, resolved
	// remotely as an absolute path, a working-directory-relative path or a
	// name looked up on the worker's PATH.
	Arguments            []string
	WorkingDirectory     string
	InputRoot            *tree.Directory
	OutputPaths          []string
	EnvironmentVariables map[string]string
	Platform             map[string]string

	DoNotCache      bool
	SkipCacheLookup bool
	Timeout         time.Duration
	Salt            []byte
}

// Validate reports the first contract violation in s.
func (s *ActionSpec) Validate() error {
	if len(s.Arguments) == 0 || s.Arguments[0] == "" {
		return invalid("arguments must name an executable")
	}
	if s.InputRoot == nil {
		return invalid("input root is required")
	}
	if err := tree.Check(s.InputRoot); err != nil {
		return &Error{Phase: PhaseIdle, Kind: KindInvalidSpec, Err: fmt.Errorf("%w: %w", ErrInvalidSpec, err)}
	}
	if s.Timeout < 0 {
		return invalid("timeout must not be negative")
	}
	if err := checkRelative("working directory", s.WorkingDirectory, true); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(s.OutputPaths))
	for _, p := range s.OutputPaths {
		if err := checkRelative("output path", p, false); err != nil {
			return err
		}
		if _, dup := seen[p]; dup {
			return invalid(fmt.Sprintf("duplicate output path %q", p))
		}
		seen[p] = struct{}{}
	}

	for name := range s.EnvironmentVariables {
		if name == "" || strings.Contains(name, "=") {
			return invalid(fmt.Sprintf("bad environment variable name %q", name))
		}
	}
	for name := range s.Platform {
		if name == "" {
			return invalid("empty platform property name")
		}
	}
	return nil
}

func checkRelative(what, p string, allowEmpty bool) error {
	if p == "" {
		if allowEmpty {
			return nil
		}
		return invalid(what + " must not be empty")
	}
	if path.IsAbs(p) {
		return invalid(fmt.Sprintf("%s %q must be relative", what, p))
	}
	if clean := path.Clean(p); clean == ".." || strings.HasPrefix(clean, "../") {
		return invalid(fmt.Sprintf("%s %q escapes the input root", what, p))
	}
	return nil
}

func invalid(msg string) error {
	return &Error{Phase: PhaseIdle, Kind: KindInvalidSpec, Err: fmt.Errorf("%w: %s", ErrInvalidSpec, msg)}
}
