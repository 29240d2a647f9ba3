// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package vector provides the embedding and similarity-search clients
// used by the vector_search tool: an Ollama embedding client and a
// Chroma REST client. Both are safe for concurrent use.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// DefaultEmbeddingEndpoint is the default Ollama server address.
	DefaultEmbeddingEndpoint = "http://localhost:11434"

	// DefaultChromaEndpoint is the default Chroma server address.
	DefaultChromaEndpoint = "http://localhost:8000"

	// DefaultTimeout is the default HTTP timeout for both clients.
	DefaultTimeout = 60 * time.Second
)

// EmbeddingClient turns query text into a vector via Ollama's
// /api/embeddings endpoint.
type EmbeddingClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewEmbeddingClient creates an embedding client for the given backend
// endpoint and model.
func NewEmbeddingClient(endpoint, model string) *EmbeddingClient {
	if endpoint == "" {
		endpoint = DefaultEmbeddingEndpoint
	}
	return &EmbeddingClient{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
}

// Embed returns the embedding vector for text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	payload := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: c.model, Prompt: text}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding backend error (status %d): %s", resp.StatusCode, raw)
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding backend returned an empty vector")
	}
	return result.Embedding, nil
}

// Match is one similarity-search hit.
type Match struct {
	ID       string  `json:"id"`
	Document string  `json:"document"`
	Distance float64 `json:"distance"`
}

// ChromaClient queries collections on a Chroma server.
type ChromaClient struct {
	endpoint string
	client   *http.Client

	// Collection names map to server-side UUIDs; resolved once and cached.
	mu          sync.Mutex
	collections map[string]string
}

// NewChromaClient creates a client for the given Chroma endpoint.
func NewChromaClient(endpoint string) *ChromaClient {
	if endpoint == "" {
		endpoint = DefaultChromaEndpoint
	}
	return &ChromaClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		collections: make(map[string]string),
	}
}

// collectionID resolves a collection name to its server-side id.
func (c *ChromaClient) collectionID(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if id, ok := c.collections[name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"/api/v1/collections/"+url.PathEscape(name), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create collection request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vector backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("collection %q does not exist", name)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("vector backend error (status %d): %s", resp.StatusCode, raw)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode collection response: %w", err)
	}

	c.mu.Lock()
	c.collections[name] = result.ID
	c.mu.Unlock()
	return result.ID, nil
}

// Search returns the topK nearest documents in the named collection.
func (c *ChromaClient) Search(ctx context.Context, collection string, embedding []float64, topK int) ([]Match, error) {
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}

	payload := struct {
		QueryEmbeddings [][]float64 `json:"query_embeddings"`
		NResults        int         `json:"n_results"`
		Include         []string    `json:"include"`
	}{
		QueryEmbeddings: [][]float64{embedding},
		NResults:        topK,
		Include:         []string{"documents", "distances"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/v1/collections/"+url.PathEscape(id)+"/query", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vector backend error (status %d): %s", resp.StatusCode, raw)
	}

	var result struct {
		IDs       [][]string  `json:"ids"`
		Documents [][]string  `json:"documents"`
		Distances [][]float64 `json:"distances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if len(result.IDs) == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(result.IDs[0]))
	for i, matchID := range result.IDs[0] {
		m := Match{ID: matchID}
		if len(result.Documents) > 0 && i < len(result.Documents[0]) {
			m.Document = result.Documents[0][i]
		}
		if len(result.Distances) > 0 && i < len(result.Distances[0]) {
			m.Distance = result.Distances[0][i]
		}
		matches = append(matches, m)
	}
	return matches, nil
}
