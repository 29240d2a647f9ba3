// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domekit/manifest"
)

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(`
app:
  name: library-assistant
policy:
  network:
    outbound: deny
  tools:
    allow: [sql_query, vector_search, read_file, write_file]
  data:
    sqlite:
      allow: [books.db]
    vector:
      allow: [library-docs]
    filesystem:
      allow_write: [scratch]
audit:
  path: audit.jsonl
`))
	require.NoError(t, err)
	return m
}

func TestEvaluate(t *testing.T) {
	m := testManifest(t)

	tests := []struct {
		name       string
		req        Request
		allowed    bool
		wantReason DenyReason
	}{
		{
			name:    "allowed query with default database",
			req:     Request{Tool: "sql_query", Args: map[string]string{"query": "SELECT * FROM books"}},
			allowed: true,
		},
		{
			name:    "allowed query with explicit database",
			req:     Request{Tool: "sql_query", Args: map[string]string{"query": "SELECT 1", "database": "books.db"}},
			allowed: true,
		},
		{
			name:       "query against unlisted database",
			req:        Request{Tool: "sql_query", Args: map[string]string{"query": "SELECT 1", "database": "payroll.db"}},
			allowed:    false,
			wantReason: ReasonTargetNotAllowed,
		},
		{
			name:       "tool not in allow list",
			req:        Request{Tool: "fetch_url", Args: map[string]string{"url": "http://example.com"}},
			allowed:    false,
			wantReason: ReasonToolNotAllowed,
		},
		{
			name:       "allowed tool with no registered semantics",
			req:        Request{Tool: "mystery_tool"},
			allowed:    false,
			wantReason: ReasonToolNotAllowed,
		},
		{
			name:    "vector search in allowed collection",
			req:     Request{Tool: "vector_search", Args: map[string]string{"query": "greek myths", "collection": "library-docs"}},
			allowed: true,
		},
		{
			name:       "vector search in unlisted collection",
			req:        Request{Tool: "vector_search", Args: map[string]string{"query": "x", "collection": "hr-records"}},
			allowed:    false,
			wantReason: ReasonTargetNotAllowed,
		},
		{
			name:    "read inside the data root",
			req:     Request{Tool: "read_file", Args: map[string]string{"path": "notes/summary.txt"}},
			allowed: true,
		},
		{
			name:       "read with empty path",
			req:        Request{Tool: "read_file", Args: map[string]string{}},
			allowed:    false,
			wantReason: ReasonTargetNotAllowed,
		},
		{
			name:       "read escaping the data root",
			req:        Request{Tool: "read_file", Args: map[string]string{"path": "../../etc/passwd"}},
			allowed:    false,
			wantReason: ReasonTargetNotAllowed,
		},
		{
			name:       "read with absolute path",
			req:        Request{Tool: "read_file", Args: map[string]string{"path": "/etc/passwd"}},
			allowed:    false,
			wantReason: ReasonTargetNotAllowed,
		},
		{
			name:    "write inside a writable prefix",
			req:     Request{Tool: "write_file", Args: map[string]string{"path": "scratch/out.txt", "content": "x"}},
			allowed: true,
		},
		{
			name:       "write outside every writable prefix",
			req:        Request{Tool: "write_file", Args: map[string]string{"path": "notes/out.txt", "content": "x"}},
			allowed:    false,
			wantReason: ReasonWriteAttempted,
		},
		{
			name:       "write dodging the prefix with traversal",
			req:        Request{Tool: "write_file", Args: map[string]string{"path": "scratch/../notes/out.txt", "content": "x"}},
			allowed:    false,
			wantReason: ReasonWriteAttempted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.req, m)
			assert.Equal(t, tt.allowed, v.Allowed)
			if !tt.allowed {
				assert.Equal(t, tt.wantReason, v.Reason)
				assert.NotEmpty(t, v.Detail)
			}
		})
	}
}

func TestEvaluateNetworkGate(t *testing.T) {
	allowNet, err := manifest.Parse([]byte(`
app:
  name: x
policy:
  network:
    outbound: allow
  tools:
    allow: [fetch_url]
audit:
  path: audit.jsonl
`))
	require.NoError(t, err)

	denyNet, err := manifest.Parse([]byte(`
app:
  name: x
policy:
  network:
    outbound: deny
  tools:
    allow: [fetch_url]
audit:
  path: audit.jsonl
`))
	require.NoError(t, err)

	req := Request{Tool: "fetch_url", Args: map[string]string{"url": "http://example.com"}}

	v := Evaluate(req, allowNet)
	assert.True(t, v.Allowed)

	v = Evaluate(req, denyNet)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonNetworkDenied, v.Reason)
}

func TestEvaluateWriteGlobPrefixes(t *testing.T) {
	m, err := manifest.Parse([]byte(`
app:
  name: x
policy:
  network:
    outbound: deny
  tools:
    allow: [write_file]
  data:
    filesystem:
      allow_write: ["reports/**/drafts"]
audit:
  path: audit.jsonl
`))
	require.NoError(t, err)

	v := Evaluate(Request{Tool: "write_file", Args: map[string]string{"path": "reports/2026/drafts"}}, m)
	assert.True(t, v.Allowed)

	v = Evaluate(Request{Tool: "write_file", Args: map[string]string{"path": "reports/2026/final"}}, m)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonWriteAttempted, v.Reason)
}

func TestEvaluateEmptyWriteSetDeniesEverything(t *testing.T) {
	m, err := manifest.Parse([]byte(`
app:
  name: x
policy:
  network:
    outbound: deny
  tools:
    allow: [write_file]
audit:
  path: audit.jsonl
`))
	require.NoError(t, err)

	v := Evaluate(Request{Tool: "write_file", Args: map[string]string{"path": "anywhere.txt"}}, m)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonWriteAttempted, v.Reason)
}

func TestEvaluateNilManifest(t *testing.T) {
	v := Evaluate(Request{Tool: "sql_query"}, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonManifestInvalid, v.Reason)
}

func TestEvaluateIsPure(t *testing.T) {
	m := testManifest(t)
	req := Request{Tool: "sql_query", Args: map[string]string{"query": "SELECT 1", "database": "payroll.db"}}

	first := Evaluate(req, m)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(req, m))
	}
}

func TestKnownTool(t *testing.T) {
	assert.True(t, KnownTool("sql_query"))
	assert.True(t, KnownTool("write_file"))
	assert.False(t, KnownTool("launch_missiles"))
}
