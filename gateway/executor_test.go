// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domekit/policy"
)

func newTestExecutor(t *testing.T) (*ToolExecutor, string) {
	t.Helper()
	root := t.TempDir()
	e, err := NewToolExecutor(testGatewayManifest(t), root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, root
}

func TestToolsFiltersByManifest(t *testing.T) {
	e, _ := newTestExecutor(t)

	var names []string
	for _, tool := range e.Tools() {
		names = append(names, tool.Function.Name)
	}

	// fetch_url is absent: the manifest does not allow it.
	assert.Equal(t, []string{"sql_query", "vector_search", "read_file", "write_file"}, names)
}

func TestExecuteReadFile(t *testing.T) {
	e, root := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "a.txt"), []byte("hello"), 0o600))

	res := e.Execute(context.Background(), policy.Request{
		Tool: "read_file",
		Args: map[string]string{"path": "notes/a.txt"},
	})
	assert.True(t, res.OK)
	assert.Equal(t, "hello", res.Payload)
}

func TestExecuteReadFileMissing(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), policy.Request{
		Tool: "read_file",
		Args: map[string]string{"path": "missing.txt"},
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Payload, "tool error")
}

func TestExecuteWriteFile(t *testing.T) {
	e, root := newTestExecutor(t)

	res := e.Execute(context.Background(), policy.Request{
		Tool: "write_file",
		Args: map[string]string{"path": "scratch/out.txt", "content": "payload"},
	})
	require.True(t, res.OK)

	data, err := os.ReadFile(filepath.Join(root, "scratch", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestExecuteSQLMissingQuery(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), policy.Request{
		Tool: "sql_query",
		Args: map[string]string{},
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "requires a query")
}

func TestExecuteUnknownTool(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), policy.Request{Tool: "mystery_tool"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "no executor")
}

// roundTripFunc adapts a function into an HTTP client.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestExecuteFetchURL(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.fetchClient = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "http://example.com/data", req.URL.String())
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("remote content")),
		}, nil
	})

	res := e.Execute(context.Background(), policy.Request{
		Tool: "fetch_url",
		Args: map[string]string{"url": "http://example.com/data"},
	})
	require.True(t, res.OK)
	assert.Equal(t, "remote content", res.Payload)
}

func TestExecuteFetchURLErrorStatus(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.fetchClient = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Body:       io.NopCloser(strings.NewReader("nope")),
		}, nil
	})

	res := e.Execute(context.Background(), policy.Request{
		Tool: "fetch_url",
		Args: map[string]string{"url": "http://example.com/data"},
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "status 403")
}
