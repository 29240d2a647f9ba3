// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns each scripted outcome in order.
type scriptedProvider struct {
	calls     int
	responses []*ChatResponse
	errs      []error
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	i := s.calls
	s.calls++
	return s.responses[i], s.errs[i]
}

func TestChatWithRetryRecoversFromRetryableError(t *testing.T) {
	p := &scriptedProvider{
		responses: []*ChatResponse{nil, {Message: Message{Role: RoleAssistant, Content: "ok"}}},
		errs: []error{
			&ProviderError{Provider: "scripted", Code: ErrCodeUnavailable, Retryable: true},
			nil,
		},
	}

	resp, err := ChatWithRetry(context.Background(), p, ChatRequest{}, 3)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, 2, p.calls)
}

func TestChatWithRetryStopsOnNonRetryableError(t *testing.T) {
	p := &scriptedProvider{
		responses: []*ChatResponse{nil},
		errs: []error{
			&ProviderError{Provider: "scripted", Code: ErrCodeInvalidRequest, Retryable: false},
		},
	}

	_, err := ChatWithRetry(context.Background(), p, ChatRequest{}, 3)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestChatWithRetryStopsOnUntypedError(t *testing.T) {
	p := &scriptedProvider{
		responses: []*ChatResponse{nil},
		errs:      []error{fmt.Errorf("plain failure")},
	}

	_, err := ChatWithRetry(context.Background(), p, ChatRequest{}, 3)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestChatWithRetryExhaustsAttempts(t *testing.T) {
	retryable := &ProviderError{Provider: "scripted", Code: ErrCodeServerError, Retryable: true}
	p := &scriptedProvider{
		responses: []*ChatResponse{nil, nil, nil},
		errs:      []error{retryable, retryable, retryable},
	}

	_, err := ChatWithRetry(context.Background(), p, ChatRequest{}, 3)
	require.Error(t, err)
	assert.Equal(t, 3, p.calls)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ErrCodeServerError, provErr.Code)
}

func TestChatWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &scriptedProvider{
		responses: []*ChatResponse{nil},
		errs:      []error{&ProviderError{Provider: "scripted", Retryable: true}},
	}

	_, err := ChatWithRetry(ctx, p, ChatRequest{}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls)
}
