// Package mounts enforces the mount allowlist for additional host paths
// requested by group sandbox configs.
//
// The policy file lives under the host configuration directory and is
// intentionally never bind-mounted into any workspace, so an agent cannot
// alter what it is allowed to mount on its next run.
package mounts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMountRejected is returned (wrapped, with a reason) when a requested
// mount violates the policy.
var ErrMountRejected = errors.New("mount rejected")

// IsRejected reports whether an error is a policy rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrMountRejected)
}

// Policy is the parsed mount allowlist.
type Policy struct {
	// AllowedRoots are the host directories mounts may live under.
	AllowedRoots []AllowedRoot `yaml:"allowedRoots"`

	// BlockedPatterns are globs matched against every component of the
	// resolved path. Any match denies the mount.
	BlockedPatterns []string `yaml:"blockedPatterns"`

	// NonMainReadOnly forces read-only for all mounts requested by
	// non-privileged groups.
	NonMainReadOnly bool `yaml:"nonMainReadOnly"`
}

// AllowedRoot is one permitted host directory.
type AllowedRoot struct {
	Path           string `yaml:"path"`
	AllowReadWrite bool   `yaml:"allowReadWrite"`
	Description    string `yaml:"description"`
}

// Mount is a validated mount ready to hand to a sandbox engine.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// LoadPolicy reads the policy file. A missing file yields a deny-all
// policy: no allowed roots means no additional mounts.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Policy{NonMainReadOnly: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mount policy %q: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse mount policy %q: %w", path, err)
	}
	return &p, nil
}

// Validate checks a requested mount for the given group. privileged is
// true only for the main group. On success it returns the canonical mount
// (host path resolved, read-only forced where the policy demands it).
func (p *Policy) Validate(hostPath, guestPath string, readOnly, privileged bool) (*Mount, error) {
	resolved, err := resolveHostPath(hostPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMountRejected, err)
	}

	// Every component of the resolved path is checked against the blocked
	// globs, so a plain ".ssh" entry rejects nested paths too. A pattern
	// containing a path separator never matches a single component.
	for _, component := range strings.Split(resolved, string(filepath.Separator)) {
		if component == "" {
			continue
		}
		for _, pattern := range p.BlockedPatterns {
			ok, err := filepath.Match(pattern, component)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid blocked pattern %q: %v", ErrMountRejected, pattern, err)
			}
			if ok {
				return nil, fmt.Errorf("%w: path component %q matches blocked pattern %q",
					ErrMountRejected, component, pattern)
			}
		}
	}

	root := p.matchRoot(resolved)
	if root == nil {
		return nil, fmt.Errorf("%w: %q is not under any allowed root", ErrMountRejected, resolved)
	}

	if !privileged && p.NonMainReadOnly {
		readOnly = true
	}
	if !root.AllowReadWrite {
		readOnly = true
	}

	return &Mount{
		HostPath:  resolved,
		GuestPath: guestPath,
		ReadOnly:  readOnly,
	}, nil
}

// matchRoot finds the allowed root containing path, if any.
func (p *Policy) matchRoot(path string) *AllowedRoot {
	for i := range p.AllowedRoots {
		root, err := expandPath(p.AllowedRoots[i].Path)
		if err != nil {
			continue
		}
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return &p.AllowedRoots[i]
		}
	}
	return nil
}

// resolveHostPath expands ~, makes the path absolute, and resolves
// symlinks so a link inside an allowed root cannot escape it.
func resolveHostPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty host path")
	}

	expanded, err := expandPath(path)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %v", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %v", path, err)
	}
	return resolved, nil
}

// expandPath replaces a leading ~ with the user home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %v", path, err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
