// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"domekit/llm"
	"domekit/manifest"
	"domekit/shared/logger"
)

// ChatCompletionRequest is the OpenAI-compatible request body accepted
// on /v1/chat/completions. Unsupported fields are still decoded so the
// handler can reject them (stream) or discard them deliberately rather
// than by accident (tools, tool_choice).
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	// Tools and ToolChoice are accepted for wire compatibility and
	// ignored: the gateway always injects its own tool catalog, so a
	// client schema cannot widen what the model may call.
	Tools      json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
}

// ChatCompletionChoice is one returned completion.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the OpenAI-compatible response body.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   llm.UsageStats         `json:"usage"`
}

// apiError is the OpenAI-compatible error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// Server holds the HTTP handlers for the gateway front-end.
type Server struct {
	router   *Router
	manifest *manifest.Manifest
	provider llm.Provider
	logger   *logger.Logger
}

// NewServer creates the HTTP layer over a session router.
func NewServer(router *Router, m *manifest.Manifest, provider llm.Provider) *Server {
	return &Server{
		router:   router,
		manifest: m,
		provider: provider,
		logger:   logger.New("gateway"),
	}
}

// Routes registers all gateway endpoints on the given mux router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	var e apiError
	e.Error.Message = message
	e.Error.Type = errType
	writeJSON(w, status, e)
}

// handleChatCompletions serves POST /v1/chat/completions. The session id
// comes from the X-Session-ID header, falling back to the request's
// "user" field; a fresh session is created when neither is set, and the
// id is echoed back so clients can continue the conversation.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promRequestsTotal.WithLabelValues("error").Inc()
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("failed to parse request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		promRequestsTotal.WithLabelValues("error").Inc()
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if req.Stream {
		promRequestsTotal.WithLabelValues("error").Inc()
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
		return
	}

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = req.User
	}
	sess := s.router.Sessions().Get(sessionID)

	resp, err := s.router.Chat(r.Context(), sess, req.Messages, ChatOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		promRequestsTotal.WithLabelValues("error").Inc()
		s.logger.ErrorWithErr(sess.ID, "", "chat request failed", err, nil)
		writeAPIError(w, http.StatusBadGateway, "upstream_error",
			fmt.Sprintf("completion backend failed: %v", err))
		return
	}

	promRequestsTotal.WithLabelValues("success").Inc()
	promRequestDuration.WithLabelValues("chat").Observe(float64(time.Since(start).Milliseconds()))

	w.Header().Set("X-Session-ID", sess.ID)
	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      resp.Message,
			FinishReason: resp.FinishReason,
		}},
		Usage: resp.Usage,
	})
}

// handleHealth reports gateway liveness plus what it knows about the
// completion backend and the audit sink.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	auditStatus := "healthy"
	if err := s.router.audit.Err(); err != nil {
		status = "degraded"
		auditStatus = "failed"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"service":   "domekit-gateway",
		"app":       s.manifest.App.Name,
		"provider":  s.provider.Name(),
		"audit":     auditStatus,
		"sessions":  s.router.Sessions().Len(),
		"timestamp": time.Now().UTC(),
	})
}
