// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the DomeKit gateway.
//
// The gateway is an OpenAI-compatible chat front-end that:
// - Intercepts every tool call the model proposes
// - Authorizes each call against the policy manifest
// - Appends one audit record per decision before results flow back
// - Executes approved calls against local data backends
//
// Usage:
//
//	./gateway -manifest domekit.yaml -data-root ./data
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DOMEKIT_MANIFEST - manifest path (default: domekit.yaml)
//	DOMEKIT_DATA_ROOT - data root directory (default: .)
//	OLLAMA_ENDPOINT - completion backend address
//	OLLAMA_MODEL - default completion model
package main

import (
	"domekit/gateway"
)

func main() {
	gateway.Run()
}
