// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the chat-completion provider abstraction and the
// OpenAI-compatible wire types shared by the gateway front-end and the
// backend clients.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Message is one entry in a conversation, in OpenAI chat format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation proposed by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the proposed function name and its JSON-encoded
// arguments exactly as the model produced them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes one callable function in the schema handed to the model.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the JSON-schema description of a function.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatRequest is a unified completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the result of one completion call.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string
	Usage        UsageStats
	Latency      time.Duration
}

// UsageStats tracks token usage.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is the interface for chat-completion backends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier used in logs and metrics.
	Name() string

	// Chat generates the next assistant turn for the given history.
	// The context is used for cancellation and timeout.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderError is a typed error from a backend.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)
