// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the DomeKit policy-enforcing LLM gateway: an
// OpenAI-compatible chat front-end that intercepts every tool call the
// model proposes, authorizes it against the policy manifest, audits the
// decision, and executes only what the manifest allows.
package gateway

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"domekit/audit"
	"domekit/llm"
	"domekit/manifest"
	"domekit/shared/logger"
)

// getEnv returns the environment variable value or a default.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Run loads the manifest, wires the backends, and serves until
// interrupted. A manifest that fails validation aborts startup: the
// gateway never serves with policy in an unknown state.
func Run() {
	manifestPath := flag.String("manifest", getEnv("DOMEKIT_MANIFEST", "domekit.yaml"), "path to the policy manifest")
	dataRoot := flag.String("data-root", getEnv("DOMEKIT_DATA_ROOT", "."), "root directory for databases and files")
	flag.Parse()

	log := logger.New("main")

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		log.ErrorWithErr("", "", "refusing to start: manifest failed validation", err, map[string]interface{}{
			"manifest": *manifestPath,
		})
		os.Exit(1)
	}

	auditLog, err := audit.Open(m.Audit.Path)
	if err != nil {
		log.ErrorWithErr("", "", "refusing to start: audit log unavailable", err, map[string]interface{}{
			"path": m.Audit.Path,
		})
		os.Exit(1)
	}

	executor, err := NewToolExecutor(m, *dataRoot)
	if err != nil {
		log.ErrorWithErr("", "", "refusing to start: backend wiring failed", err, nil)
		os.Exit(1)
	}

	provider := llm.NewOllamaProvider(llm.OllamaConfig{
		Endpoint: os.Getenv("OLLAMA_ENDPOINT"),
		Model:    os.Getenv("OLLAMA_MODEL"),
	})

	router := NewRouter(provider, executor, m, auditLog, executor.Tools())
	server := NewServer(router, m, provider)

	r := mux.NewRouter()
	server.Routes(r)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: corsHandler.Handler(r),
	}

	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{
			"port":     port,
			"app":      m.App.Name,
			"manifest": *manifestPath,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "", "server error", err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "", "shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.ErrorWithErr("", "", "shutdown error", err, nil)
	}
	if err := executor.Close(); err != nil {
		log.ErrorWithErr("", "", "failed to close backends", err, nil)
	}
	if err := auditLog.Close(); err != nil {
		log.ErrorWithErr("", "", "failed to close audit log", err, nil)
	}
}
