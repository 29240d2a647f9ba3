// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultOllamaEndpoint is the default Ollama server address.
	DefaultOllamaEndpoint = "http://localhost:11434"

	// DefaultOllamaModel is the model used when none is configured.
	DefaultOllamaModel = "llama3.1:8b"

	// DefaultOllamaTimeout is the default HTTP timeout for completions.
	DefaultOllamaTimeout = 120 * time.Second
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// OllamaProvider talks to a local Ollama server through its
// OpenAI-compatible /v1/chat/completions endpoint, including tool calls.
type OllamaProvider struct {
	endpoint string
	model    string
	client   HTTPClient
	healthy  bool
	mu       sync.RWMutex
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	Endpoint string        // Optional: server address (default http://localhost:11434)
	Model    string        // Optional: default model (default llama3.1:8b)
	Timeout  time.Duration // Optional: HTTP timeout (default 120s)
	Client   HTTPClient    // Optional: custom HTTP client for tests
}

// NewOllamaProvider creates a provider for a local Ollama server.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOllamaEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultOllamaTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OllamaProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   client,
		healthy:  true,
	}
}

// Name returns the provider name.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// IsHealthy reports the last observed health of the backend.
func (p *OllamaProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *OllamaProvider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// chatCompletionPayload is the OpenAI-compatible request body.
type chatCompletionPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatCompletionResult is the OpenAI-compatible response body.
type chatCompletionResult struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage UsageStats `json:"usage"`
}

// Chat generates the next assistant turn, including any tool calls the
// model proposes.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	payload := chatCompletionPayload{
		Model:       model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		code := ErrCodeUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		return nil, &ProviderError{
			Provider:  p.Name(),
			Code:      code,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, p.parseAPIError(resp.StatusCode, raw)
	}

	p.setHealthy(true)

	var result chatCompletionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{
			Provider: p.Name(),
			Code:     ErrCodeServerError,
			Message:  "response contained no choices",
		}
	}

	choice := result.Choices[0]
	return &ChatResponse{
		Model:        result.Model,
		Message:      choice.Message,
		FinishReason: choice.FinishReason,
		Usage:        result.Usage,
		Latency:      time.Since(start),
	}, nil
}

// parseAPIError turns a non-200 response into a typed ProviderError.
func (p *OllamaProvider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	code := ErrCodeInvalidRequest
	retryable := false
	if statusCode >= 500 {
		code = ErrCodeServerError
		retryable = true
	}

	return &ProviderError{
		Provider:   p.Name(),
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}
