// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package files reads and writes files confined to a fixed data root.
//
// Confinement here is deliberately independent of the policy engine's
// path check: even if a request slipped past policy, the sandbox refuses
// to resolve anything outside its root.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes caps how much of a file is handed back to the model.
const DefaultMaxBytes = 256 * 1024

// ErrOutsideRoot is returned for paths that resolve outside the data root.
var ErrOutsideRoot = errors.New("path resolves outside the data root")

// Sandbox serves file contents from beneath a single root directory.
type Sandbox struct {
	root     string
	maxBytes int64
}

// NewSandbox creates a sandbox rooted at root.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data root %s: %w", root, err)
	}
	return &Sandbox{root: abs, maxBytes: DefaultMaxBytes}, nil
}

// Root returns the absolute data root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a request path to an absolute path under the root,
// rejecting null bytes, absolute paths, and upward traversal.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("null bytes not allowed in path")
	}
	if filepath.IsAbs(path) {
		return "", ErrOutsideRoot
	}

	resolved := filepath.Join(s.root, filepath.Clean(path))
	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

// Read returns up to maxBytes of the file at path, resolved under the
// root. Not-found and permission errors pass through wrapped so callers
// can classify them.
func (s *Sandbox) Read(path string) ([]byte, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at path, resolved under the root, creating parent
// directories as needed. The caller has already passed the write gate.
func (s *Sandbox) Write(path string, data []byte) error {
	resolved, err := s.Resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
