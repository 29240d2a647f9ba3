// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the DomeKit policy engine.
//
// Evaluate is a pure function of a proposed tool call and the loaded
// manifest: no hidden state, no I/O. Every ambiguity resolves to a
// denial (fail-closed).
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"domekit/manifest"
)

// DenyReason is a machine-readable denial kind. The set is closed.
type DenyReason string

const (
	ReasonToolNotAllowed   DenyReason = "tool-not-allowed"
	ReasonTargetNotAllowed DenyReason = "target-not-allowed"
	ReasonWriteAttempted   DenyReason = "write-attempted"
	ReasonNetworkDenied    DenyReason = "network-denied"
	ReasonManifestInvalid  DenyReason = "manifest-invalid"
)

// Request is one proposed tool invocation. It is constructed by the
// session router when the model proposes a call and never mutated.
type Request struct {
	Tool      string
	Args      map[string]string
	SessionID string
	Seq       int
}

// Arg returns the named argument or "".
func (r Request) Arg(name string) string {
	return r.Args[name]
}

// Verdict is the engine's allow/deny decision for one request.
type Verdict struct {
	Allowed bool
	Reason  DenyReason
	Detail  string
}

// Allow returns an allowing verdict.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny returns a denying verdict with a machine-readable reason.
func Deny(reason DenyReason, detail string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Detail: detail}
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allow"
	}
	return fmt.Sprintf("deny(%s)", v.Reason)
}

// targetKind identifies which allow-set scopes a tool's target.
type targetKind int

const (
	targetNone targetKind = iota
	targetSQLite
	targetVector
	targetFile
)

// toolSemantics describes what a known tool touches. Tools absent from
// this table cannot be reasoned about and are denied even when listed in
// tools.allow.
type toolSemantics struct {
	target    targetKind
	targetArg string
	write     bool
	network   bool
}

var knownTools = map[string]toolSemantics{
	"sql_query":     {target: targetSQLite, targetArg: "database"},
	"vector_search": {target: targetVector, targetArg: "collection"},
	"read_file":     {target: targetFile, targetArg: "path"},
	"write_file":    {target: targetFile, targetArg: "path", write: true},
	"fetch_url":     {targetArg: "url", network: true},
}

// KnownTool reports whether the engine understands a tool's semantics.
func KnownTool(name string) bool {
	_, ok := knownTools[name]
	return ok
}

// Evaluate authorizes one proposed tool call against the manifest.
//
// Decision order, first match wins:
//  1. tool not in tools.allow            -> deny tool-not-allowed
//  2. resolved target outside allow-set  -> deny target-not-allowed
//  3. write outside allow_write prefixes -> deny write-attempted
//  4. outbound network while denied      -> deny network-denied
//  5. otherwise                          -> allow
//
// Tool-level allow is necessary but never sufficient: target and write
// checks are independent gates on the concrete arguments.
func Evaluate(req Request, m *manifest.Manifest) Verdict {
	if m == nil {
		return Deny(ReasonManifestInvalid, "no manifest loaded")
	}

	if !m.ToolAllowed(req.Tool) {
		return Deny(ReasonToolNotAllowed, fmt.Sprintf("tool %q is not in the allow list", req.Tool))
	}

	sem, ok := knownTools[req.Tool]
	if !ok {
		// Allowed by name but semantics are unknown; cannot prove it
		// safe, so it is not allowed.
		return Deny(ReasonToolNotAllowed, fmt.Sprintf("tool %q has no registered semantics", req.Tool))
	}

	switch sem.target {
	case targetSQLite:
		if db := req.Arg(sem.targetArg); db != "" && !m.DatabaseAllowed(db) {
			return Deny(ReasonTargetNotAllowed, fmt.Sprintf("database %q is not in the allow list", db))
		}

	case targetVector:
		if coll := req.Arg(sem.targetArg); coll != "" && !m.CollectionAllowed(coll) {
			return Deny(ReasonTargetNotAllowed, fmt.Sprintf("collection %q is not in the allow list", coll))
		}

	case targetFile:
		rel, err := confinePath(req.Arg(sem.targetArg))
		if err != nil {
			return Deny(ReasonTargetNotAllowed, err.Error())
		}
		if sem.write && !writeAllowed(rel, m.Policy.Data.Filesystem.AllowWrite) {
			return Deny(ReasonWriteAttempted, fmt.Sprintf("path %q is not within a writable prefix", rel))
		}
	}

	if sem.network && m.Policy.Network.Outbound == manifest.NetworkDeny {
		return Deny(ReasonNetworkDenied, "outbound network access is denied by policy")
	}

	return Allow()
}

// confinePath normalizes a file argument and rejects anything that would
// resolve outside the data root. The executor repeats this check as
// defense in depth.
func confinePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("file path argument is empty")
	}
	if strings.ContainsRune(p, '\x00') {
		return "", fmt.Errorf("file path contains a null byte")
	}
	if path.IsAbs(p) {
		return "", fmt.Errorf("absolute path %q escapes the data root", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the data root", p)
	}
	return cleaned, nil
}

// writeAllowed reports whether a cleaned relative path falls under one of
// the writable prefixes. Prefixes may be literal directories or
// doublestar glob patterns. An empty set permits nothing.
func writeAllowed(rel string, prefixes []string) bool {
	for _, prefix := range prefixes {
		cleaned := path.Clean(prefix)
		if rel == cleaned || strings.HasPrefix(rel, cleaned+"/") {
			return true
		}
		if ok, err := doublestar.Match(cleaned, rel); err == nil && ok {
			return true
		}
	}
	return false
}
