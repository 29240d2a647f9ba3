// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewSandbox(root)
	require.NoError(t, err)
	return s, root
}

func TestResolveRejectsEscapes(t *testing.T) {
	s, _ := newTestSandbox(t)

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"null byte", "notes\x00.txt"},
		{"absolute path", "/etc/passwd"},
		{"parent traversal", "../outside.txt"},
		{"nested traversal", "notes/../../outside.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Resolve(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestResolveNormalizesInsideRoot(t *testing.T) {
	s, root := newTestSandbox(t)

	resolved, err := s.Resolve("notes/./a/../summary.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes", "summary.txt"), resolved)
}

func TestReadReturnsFileContents(t *testing.T) {
	s, root := newTestSandbox(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "a.txt"), []byte("hello"), 0o600))

	data, err := s.Read("notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadMissingFile(t *testing.T) {
	s, _ := newTestSandbox(t)

	_, err := s.Read("missing.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadTruncatesAtMaxBytes(t *testing.T) {
	s, root := newTestSandbox(t)
	big := strings.Repeat("x", DefaultMaxBytes+100)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o600))

	data, err := s.Read("big.txt")
	require.NoError(t, err)
	assert.Len(t, data, DefaultMaxBytes)
}

func TestWriteCreatesParentDirectories(t *testing.T) {
	s, root := newTestSandbox(t)

	require.NoError(t, s.Write("scratch/deep/out.txt", []byte("payload")))

	data, err := os.ReadFile(filepath.Join(root, "scratch", "deep", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestWriteRejectsEscapes(t *testing.T) {
	s, _ := newTestSandbox(t)

	assert.ErrorIs(t, s.Write("../outside.txt", []byte("x")), ErrOutsideRoot)
	assert.ErrorIs(t, s.Write("/tmp/outside.txt", []byte("x")), ErrOutsideRoot)
}
