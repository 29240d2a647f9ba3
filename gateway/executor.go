// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"domekit/connectors/files"
	"domekit/connectors/sqlite"
	"domekit/connectors/vector"
	"domekit/llm"
	"domekit/manifest"
	"domekit/policy"
	"domekit/shared/logger"
)

// maxFetchBytes caps how much of a fetched URL body is handed to the model.
const maxFetchBytes = 64 * 1024

// ExecutionResult is the outcome of running one authorized tool call.
// Payload is the text handed back to the model as the tool message.
type ExecutionResult struct {
	OK      bool
	Payload string
	Detail  string
}

// Executor runs tool calls that have already passed policy. The session
// router depends on this interface so tests can substitute a fake.
type Executor interface {
	Execute(ctx context.Context, req policy.Request) ExecutionResult
}

// ToolExecutor dispatches authorized calls to the concrete backends.
type ToolExecutor struct {
	manifest *manifest.Manifest
	dataRoot string

	queries *sqlite.QueryExecutor
	embed   *vector.EmbeddingClient
	chroma  *vector.ChromaClient
	sandbox *files.Sandbox

	// fetchClient serves fetch_url; injectable for tests.
	fetchClient llm.HTTPClient

	logger *logger.Logger
}

// NewToolExecutor wires the backends described by the manifest. All
// database and file paths resolve beneath dataRoot.
func NewToolExecutor(m *manifest.Manifest, dataRoot string) (*ToolExecutor, error) {
	sandbox, err := files.NewSandbox(dataRoot)
	if err != nil {
		return nil, err
	}
	return &ToolExecutor{
		manifest:    m,
		dataRoot:    sandbox.Root(),
		queries:     sqlite.NewQueryExecutor(),
		embed:       vector.NewEmbeddingClient(m.Embedding.Endpoint, m.Embedding.Model),
		chroma:      vector.NewChromaClient(m.VectorDB.Endpoint),
		sandbox:     sandbox,
		fetchClient: &http.Client{Timeout: 30 * time.Second},
		logger:      logger.New("executor"),
	}, nil
}

// Tools returns the function schema for every tool that is both allowed
// by the manifest and understood by the gateway. This is what gets
// injected into each completion request.
func (e *ToolExecutor) Tools() []llm.Tool {
	var tools []llm.Tool
	for _, def := range toolDefs {
		if e.manifest.ToolAllowed(def.Function.Name) {
			tools = append(tools, def)
		}
	}
	return tools
}

// toolDefs is the JSON-schema catalog handed to the model. Order is
// stable so repeated requests serialize identically.
var toolDefs = []llm.Tool{
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "sql_query",
			Description: "Run a read-only SQL query against an approved SQLite database.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":    map[string]any{"type": "string", "description": "The SQL query to run."},
					"database": map[string]any{"type": "string", "description": "Database path; omit to use the default."},
				},
				"required": []string{"query"},
			},
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "vector_search",
			Description: "Semantic similarity search over an approved document collection.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":      map[string]any{"type": "string", "description": "The search text."},
					"collection": map[string]any{"type": "string", "description": "Collection name; omit to use the default."},
					"top_k":      map[string]any{"type": "integer", "description": "Number of results to return."},
				},
				"required": []string{"query"},
			},
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "read_file",
			Description: "Read a file from the application data directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Path relative to the data directory."},
				},
				"required": []string{"path"},
			},
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "write_file",
			Description: "Write a file beneath an approved writable prefix in the data directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Path relative to the data directory."},
					"content": map[string]any{"type": "string", "description": "File content to write."},
				},
				"required": []string{"path", "content"},
			},
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "fetch_url",
			Description: "Fetch the contents of a URL over HTTP GET.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "The URL to fetch."},
				},
				"required": []string{"url"},
			},
		},
	},
}

func failure(format string, args ...any) ExecutionResult {
	detail := fmt.Sprintf(format, args...)
	return ExecutionResult{OK: false, Payload: "tool error: " + detail, Detail: detail}
}

// Execute runs one authorized tool call. Policy has already ruled; this
// layer only deals with backend mechanics, and backend failures come
// back as results rather than errors so the conversation can continue.
func (e *ToolExecutor) Execute(ctx context.Context, req policy.Request) ExecutionResult {
	switch req.Tool {
	case "sql_query":
		return e.execSQL(ctx, req)
	case "vector_search":
		return e.execVectorSearch(ctx, req)
	case "read_file":
		return e.execReadFile(req)
	case "write_file":
		return e.execWriteFile(req)
	case "fetch_url":
		return e.execFetchURL(ctx, req)
	default:
		return failure("tool %q has no executor", req.Tool)
	}
}

func (e *ToolExecutor) execSQL(ctx context.Context, req policy.Request) ExecutionResult {
	query := req.Arg("query")
	if query == "" {
		return failure("sql_query requires a query argument")
	}
	dbPath := req.Arg("database")
	if dbPath == "" {
		dbPath = e.manifest.DefaultDatabase()
	}
	if dbPath == "" {
		return failure("no database is configured")
	}

	result, err := e.queries.Query(ctx, filepath.Join(e.dataRoot, filepath.FromSlash(dbPath)), query)
	if err != nil {
		e.logger.ErrorWithErr(req.SessionID, "", "sql query failed", err, map[string]interface{}{
			"database": dbPath,
		})
		return failure("query failed: %v", err)
	}

	payload, err := result.JSON()
	if err != nil {
		return failure("failed to render query result: %v", err)
	}
	e.logger.Debug(req.SessionID, "", "sql query executed", map[string]interface{}{
		"database": dbPath,
		"rows":     result.RowCount(),
	})
	return ExecutionResult{OK: true, Payload: payload}
}

func (e *ToolExecutor) execVectorSearch(ctx context.Context, req policy.Request) ExecutionResult {
	query := req.Arg("query")
	if query == "" {
		return failure("vector_search requires a query argument")
	}
	collection := req.Arg("collection")
	if collection == "" {
		collection = e.manifest.DefaultCollection()
	}
	if collection == "" {
		return failure("no vector collection is configured")
	}

	topK := e.manifest.VectorDB.DefaultTopK
	if raw := req.Arg("top_k"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			topK = n
		}
	}

	embedding, err := e.embed.Embed(ctx, query)
	if err != nil {
		return failure("embedding failed: %v", err)
	}
	matches, err := e.chroma.Search(ctx, collection, embedding, topK)
	if err != nil {
		return failure("search failed: %v", err)
	}

	payload, err := renderMatches(matches)
	if err != nil {
		return failure("failed to render search results: %v", err)
	}
	return ExecutionResult{OK: true, Payload: payload}
}

func (e *ToolExecutor) execReadFile(req policy.Request) ExecutionResult {
	data, err := e.sandbox.Read(req.Arg("path"))
	if err != nil {
		return failure("read failed: %v", err)
	}
	return ExecutionResult{OK: true, Payload: string(data)}
}

func (e *ToolExecutor) execWriteFile(req policy.Request) ExecutionResult {
	path := req.Arg("path")
	if err := e.sandbox.Write(path, []byte(req.Arg("content"))); err != nil {
		return failure("write failed: %v", err)
	}
	return ExecutionResult{OK: true, Payload: fmt.Sprintf("wrote %s", path)}
}

func (e *ToolExecutor) execFetchURL(ctx context.Context, req policy.Request) ExecutionResult {
	target := req.Arg("url")
	if target == "" {
		return failure("fetch_url requires a url argument")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return failure("invalid url: %v", err)
	}
	resp, err := e.fetchClient.Do(httpReq)
	if err != nil {
		return failure("fetch failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return failure("failed to read response: %v", err)
	}
	if resp.StatusCode >= 400 {
		return failure("fetch returned status %d", resp.StatusCode)
	}
	return ExecutionResult{OK: true, Payload: string(body)}
}

// renderMatches renders search hits as a compact JSON array for the model.
func renderMatches(matches []vector.Match) (string, error) {
	if matches == nil {
		matches = []vector.Match{}
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Close releases pooled backend resources.
func (e *ToolExecutor) Close() error {
	return e.queries.Close()
}
