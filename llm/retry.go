// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxAttempts bounds retries against a flaky backend.
	DefaultMaxAttempts = 3

	// defaultBackoffBase is the first retry delay; it doubles per attempt.
	defaultBackoffBase = 250 * time.Millisecond
)

// ChatWithRetry calls the provider with bounded retries and exponential
// backoff. Only errors a provider marks retryable (connection failures,
// timeouts, 5xx) are retried; policy-relevant work is never repeated
// here because completions carry no side effects.
func ChatWithRetry(ctx context.Context, p Provider, req ChatRequest, maxAttempts int) (*ChatResponse, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	backoff := defaultBackoffBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var provErr *ProviderError
		if !errors.As(err, &provErr) || !provErr.Retryable {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, lastErr
}
