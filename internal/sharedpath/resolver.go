// Package sharedpath resolves the filesystem directory shared between the
// share-extension process and the main app process. The OS grants both
// processes access to an app-group container; this package only locates and
// probes it. Unavailability is an expected condition the caller degrades on,
// not a fatal error.
package sharedpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var ErrUnavailable = errors.New("shared container unavailable")

// Resolver returns an existing, writable directory shared between the two
// processes for the given app-group identifier, or ErrUnavailable.
type Resolver interface {
	Resolve(group string) (string, error)
}

// EnvResolver resolves from an environment variable, used for explicit
// deployment overrides and by tests.
type EnvResolver struct {
	// Var is the environment variable holding the container path.
	// Defaults to KEEPSAKE_SHARED_DIR.
	Var string
}

func (r EnvResolver) Resolve(string) (string, error) {
	name := strings.TrimSpace(r.Var)
	if name == "" {
		name = "KEEPSAKE_SHARED_DIR"
	}
	dir := strings.TrimSpace(os.Getenv(name))
	if dir == "" {
		return "", fmt.Errorf("%w: %s not set", ErrUnavailable, name)
	}
	return probeDir(dir)
}

// GroupResolver resolves the platform's conventional app-group container
// location under the user's home directory.
type GroupResolver struct{}

func (GroupResolver) Resolve(group string) (string, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return "", fmt.Errorf("%w: empty app group", ErrUnavailable)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: no home directory: %v", ErrUnavailable, err)
	}
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Group Containers", group)
	default:
		dir = filepath.Join(home, ".local", "share", group)
	}
	return probeDir(dir)
}

// StaticResolver always returns the same directory; used by tests.
type StaticResolver struct {
	Dir string
}

func (r StaticResolver) Resolve(string) (string, error) {
	if strings.TrimSpace(r.Dir) == "" {
		return "", fmt.Errorf("%w: no directory configured", ErrUnavailable)
	}
	return probeDir(r.Dir)
}

// Chain tries each resolver in order and returns the first success.
type Chain []Resolver

func (c Chain) Resolve(group string) (string, error) {
	var lastErr error = fmt.Errorf("%w: no resolvers configured", ErrUnavailable)
	for _, resolver := range c {
		dir, err := resolver.Resolve(group)
		if err == nil {
			return dir, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// probeDir verifies the directory exists and is writable by creating and
// removing a probe file. The contract promises a usable directory or
// ErrUnavailable, never a path that fails on first use.
func probeDir(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrUnavailable, dir)
	}
	probe, err := os.CreateTemp(dir, ".keepsake-probe-*")
	if err != nil {
		return "", fmt.Errorf("%w: %s is not writable: %v", ErrUnavailable, dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return dir, nil
}
