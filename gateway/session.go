// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"domekit/audit"
	"domekit/llm"
	"domekit/manifest"
	"domekit/policy"
	"domekit/shared/logger"
)

const (
	// DefaultMaxRounds bounds how many model/tool round trips one chat
	// request may take before the router gives up.
	DefaultMaxRounds = 8

	// sessionIdleTTL is how long an untouched session survives.
	sessionIdleTTL = 30 * time.Minute
)

// Session holds one conversation's accumulated history. Each session is
// single-threaded: its mutex serializes concurrent requests with the
// same session id. lastActive is atomic because the store's eviction
// sweep reads it without taking the session mutex.
type Session struct {
	ID         string
	mu         sync.Mutex
	messages   []llm.Message
	seq        int
	lastActive atomic.Int64 // unix nanos
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// SessionStore keeps live sessions keyed by id, evicting idle ones.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionStore creates an empty store with the default idle TTL.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      sessionIdleTTL,
	}
}

// Get returns the session with the given id, creating it if needed.
// An empty id gets a fresh session with a generated id.
func (s *SessionStore) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIdleLocked()

	if id == "" {
		id = uuid.NewString()
	}
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	// Refresh under the store lock so the sweep never reaps a session
	// between lookup and use.
	sess.touch()
	return sess
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) evictIdleLocked() {
	cutoff := time.Now().Add(-s.ttl).UnixNano()
	for id, sess := range s.sessions {
		if sess.lastActive.Load() >= cutoff {
			continue
		}
		// A held session mutex means a request is still in flight;
		// deleting it would fork the history on the next Get.
		if !sess.mu.TryLock() {
			continue
		}
		sess.mu.Unlock()
		delete(s.sessions, id)
	}
}

// Router drives the conversation loop for one chat request: call the
// model, intercept proposed tool calls, authorize each against the
// manifest, audit the decision, execute what is allowed, and feed
// results back until the model answers in plain text.
type Router struct {
	provider  llm.Provider
	executor  Executor
	manifest  *manifest.Manifest
	audit     *audit.Logger
	sessions  *SessionStore
	tools     []llm.Tool
	maxRounds int
	logger    *logger.Logger
}

// NewRouter wires a router over the given backends.
func NewRouter(provider llm.Provider, executor Executor, m *manifest.Manifest, auditLog *audit.Logger, tools []llm.Tool) *Router {
	return &Router{
		provider:  provider,
		executor:  executor,
		manifest:  m,
		audit:     auditLog,
		sessions:  NewSessionStore(),
		tools:     tools,
		maxRounds: DefaultMaxRounds,
		logger:    logger.New("router"),
	}
}

// Sessions exposes the session store for handlers and tests.
func (r *Router) Sessions() *SessionStore {
	return r.sessions
}

// ChatOptions carries the client's completion parameters through the
// conversation loop unchanged.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Chat runs one request through the conversation loop and returns the
// final assistant response. Tool results are appended to the history in
// the order the model proposed the calls, so replaying the session
// yields the same transcript the model saw.
func (r *Router) Chat(ctx context.Context, sess *Session, incoming []llm.Message, opts ChatOptions) (*llm.ChatResponse, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch()

	sess.messages = append(sess.messages, incoming...)

	for round := 0; round < r.maxRounds; round++ {
		resp, err := llm.ChatWithRetry(ctx, r.provider, llm.ChatRequest{
			Model:       opts.Model,
			Messages:    sess.messages,
			Tools:       r.tools,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		}, llm.DefaultMaxAttempts)
		if err != nil {
			return nil, err
		}

		sess.messages = append(sess.messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			return resp, nil
		}

		for _, call := range resp.Message.ToolCalls {
			sess.seq++
			result := r.handleToolCall(ctx, sess, call)
			sess.messages = append(sess.messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	r.logger.Warn(sess.ID, "", "tool round limit reached", map[string]interface{}{
		"rounds": r.maxRounds,
	})
	final := llm.Message{
		Role:    llm.RoleAssistant,
		Content: "The request could not be completed within the allowed number of tool rounds.",
	}
	sess.messages = append(sess.messages, final)
	return &llm.ChatResponse{
		Model:        opts.Model,
		Message:      final,
		FinishReason: "stop",
	}, nil
}

// handleToolCall authorizes, audits, and executes one proposed call and
// returns the text handed back to the model. The caller holds the
// session lock.
func (r *Router) handleToolCall(ctx context.Context, sess *Session, call llm.ToolCall) string {
	args := parseToolArgs(call.Function.Arguments)
	req := policy.Request{
		Tool:      call.Function.Name,
		Args:      args,
		SessionID: sess.ID,
		Seq:       sess.seq,
	}
	rec := audit.Record{
		App:        r.manifest.App.Name,
		SessionID:  sess.ID,
		SessionSeq: sess.seq,
		Tool:       req.Tool,
		ArgsDigest: audit.Digest(args),
	}

	// A known-failed audit sink means no call can be recorded, so no
	// call may run.
	if err := r.audit.Err(); err != nil {
		promDeniedCalls.WithLabelValues("audit-unavailable").Inc()
		r.logger.ErrorWithErr(sess.ID, "", "denying tool call: audit log unavailable", err, nil)
		if r.manifest.Policy.DenialVerbosity == manifest.DenialVerbosityGeneric {
			return "tool call denied by policy"
		}
		return "tool call denied: audit log unavailable"
	}

	verdict := policy.Evaluate(req, r.manifest)
	promPolicyEvaluations.Inc()

	if !verdict.Allowed {
		promDeniedCalls.WithLabelValues(string(verdict.Reason)).Inc()
		rec.Verdict = "deny"
		rec.DenyReason = string(verdict.Reason)
		rec.Detail = verdict.Detail
		if _, err := r.audit.Record(rec); err != nil {
			promAuditFailures.Inc()
			r.logger.ErrorWithErr(sess.ID, "", "audit write failed", err, nil)
		}
		r.logger.Warn(sess.ID, "", "tool call denied", map[string]interface{}{
			"tool":   req.Tool,
			"reason": string(verdict.Reason),
		})
		return r.denialText(verdict)
	}

	result := r.executor.Execute(ctx, req)

	rec.Verdict = "allow"
	rec.Outcome = audit.OutcomeSuccess
	if !result.OK {
		rec.Outcome = audit.OutcomeFailure
		rec.Detail = result.Detail
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			rec.Outcome = audit.OutcomeInterrupted
		}
	}
	promToolCalls.WithLabelValues(req.Tool, rec.Outcome).Inc()

	if _, err := r.audit.Record(rec); err != nil {
		// The latched failure denies every subsequent call; this one
		// already ran, so surface the result but count the gap.
		promAuditFailures.Inc()
		r.logger.ErrorWithErr(sess.ID, "", "audit write failed", err, nil)
	}

	return result.Payload
}

// denialText renders a denial for the model per the manifest's
// configured verbosity. The audit record always carries the full detail.
func (r *Router) denialText(v policy.Verdict) string {
	if r.manifest.Policy.DenialVerbosity == manifest.DenialVerbosityGeneric {
		return "tool call denied by policy"
	}
	if v.Detail != "" {
		return fmt.Sprintf("tool call denied (%s): %s", v.Reason, v.Detail)
	}
	return fmt.Sprintf("tool call denied (%s)", v.Reason)
}

// parseToolArgs decodes the model's JSON argument blob into flat string
// form. Malformed or non-scalar values degrade to best-effort strings;
// policy and the executor both treat missing arguments as deniable or
// failing, so nothing here needs to guess.
func parseToolArgs(raw string) map[string]string {
	args := make(map[string]string)
	if raw == "" {
		return args
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return args
	}
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			args[k] = val
		case float64:
			args[k] = formatNumber(val)
		case bool:
			args[k] = fmt.Sprintf("%t", val)
		case nil:
		default:
			if data, err := json.Marshal(val); err == nil {
				args[k] = string(data)
			}
		}
	}
	return args
}

// formatNumber renders integers without a trailing ".0".
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
