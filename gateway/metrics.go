// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domekit_gateway_requests_total",
			Help: "Total number of chat requests processed by the gateway",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "domekit_gateway_request_duration_milliseconds",
			Help:    "Chat request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"type"},
	)
	promPolicyEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "domekit_gateway_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
	)
	promDeniedCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domekit_gateway_denied_calls_total",
			Help: "Total number of denied tool calls",
		},
		[]string{"reason"},
	)
	promToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domekit_gateway_tool_calls_total",
			Help: "Total number of executed tool calls",
		},
		[]string{"tool", "outcome"},
	)
	promAuditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "domekit_gateway_audit_failures_total",
			Help: "Total number of audit write failures",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promPolicyEvaluations)
	prometheus.MustRegister(promDeniedCalls)
	prometheus.MustRegister(promToolCalls)
	prometheus.MustRegister(promAuditFailures)
}
