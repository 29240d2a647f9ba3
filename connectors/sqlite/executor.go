// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package sqlite runs read-only queries against SQLite database files.
//
// Databases are opened in read-only mode with query_only set, so even a
// query that slips past upstream checks cannot mutate data. Connections
// are pooled per database path and shared across sessions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// QueryExecutor runs literal query text against designated databases.
type QueryExecutor struct {
	mu   sync.Mutex
	dbs  map[string]*sql.DB
	open func(path string) (*sql.DB, error)
}

// NewQueryExecutor creates an executor with an empty connection pool.
func NewQueryExecutor() *QueryExecutor {
	return &QueryExecutor{
		dbs:  make(map[string]*sql.DB),
		open: openReadOnly,
	}
}

// openReadOnly opens a SQLite file with write access disabled twice over:
// mode=ro at the VFS level and query_only at the statement level.
func openReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=query_only(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return db, nil
}

// db returns the pooled handle for a path, opening it on first use.
func (e *QueryExecutor) db(path string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.dbs[path]; ok {
		return db, nil
	}
	db, err := e.open(path)
	if err != nil {
		return nil, err
	}
	e.dbs[path] = db
	return db, nil
}

// Result holds the rows returned by one query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// RowCount returns the number of rows in the result.
func (r *Result) RowCount() int {
	return len(r.Rows)
}

// JSON renders the result as a compact JSON array of objects, which is
// what gets handed back to the model as the tool result.
func (r *Result) JSON() (string, error) {
	objects := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		obj := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				obj[col] = normalizeValue(row[i])
			}
		}
		objects = append(objects, obj)
	}
	data, err := json.Marshal(objects)
	if err != nil {
		return "", fmt.Errorf("failed to render query result: %w", err)
	}
	return string(data), nil
}

// normalizeValue makes driver-specific scan types JSON-friendly.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Query executes the literal query text against the database at path and
// returns all rows. The caller has already authorized the path.
func (e *QueryExecutor) Query(ctx context.Context, path, query string) (*Result, error) {
	db, err := e.db(path)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	return result, nil
}

// Close closes all pooled database handles.
func (e *QueryExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for path, db := range e.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", path, err)
		}
		delete(e.dbs, path)
	}
	return firstErr
}
