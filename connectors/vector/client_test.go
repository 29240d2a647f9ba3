// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "greek myths", req.Prompt)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float64{0.1, 0.2, 0.3},
		})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(srv.URL, "nomic-embed-text")
	vec, err := c.Embed(context.Background(), "greek myths")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
}

func TestEmbedEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{}})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(srv.URL, "nomic-embed-text")
	_, err := c.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty vector")
}

func TestEmbedBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewEmbeddingClient(srv.URL, "missing-model")
	_, err := c.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestSearch(t *testing.T) {
	var queried string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/collections/library-docs":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "c0ffee"})
		case "/api/v1/collections/c0ffee/query":
			var req struct {
				QueryEmbeddings [][]float64 `json:"query_embeddings"`
				NResults        int         `json:"n_results"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 2, req.NResults)
			require.Len(t, req.QueryEmbeddings, 1)
			queried = r.URL.Path

			_ = json.NewEncoder(w).Encode(map[string]any{
				"ids":       [][]string{{"doc-1", "doc-2"}},
				"documents": [][]string{{"The Odyssey", "Metamorphoses"}},
				"distances": [][]float64{{0.12, 0.34}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewChromaClient(srv.URL)
	matches, err := c.Search(context.Background(), "library-docs", []float64{0.1, 0.2}, 2)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/collections/c0ffee/query", queried)

	require.Len(t, matches, 2)
	assert.Equal(t, Match{ID: "doc-1", Document: "The Odyssey", Distance: 0.12}, matches[0])
	assert.Equal(t, Match{ID: "doc-2", Document: "Metamorphoses", Distance: 0.34}, matches[1])
}

func TestSearchCachesCollectionID(t *testing.T) {
	lookups := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/collections/library-docs":
			lookups++
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "c0ffee"})
		case "/api/v1/collections/c0ffee/query":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ids": [][]string{{}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewChromaClient(srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), "library-docs", []float64{0.5}, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, lookups)
}

func TestSearchUnknownCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewChromaClient(srv.URL)
	_, err := c.Search(context.Background(), "missing", []float64{0.5}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
