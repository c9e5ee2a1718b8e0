// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

/*
Package metrics provides Prometheus metrics collection and export for observability.

This package implements application instrumentation using the Prometheus
client library, exposing metrics for monitoring the detection pipeline,
notification delivery, and system health.

# Overview

The package provides metrics for:
  - Detection run and per-detector timing and outcomes
  - Ledger dedup decisions (created / re-detected / suppressed)
  - Notification queue depth, delivery attempts, dead-letter volume
  - Database query performance (DuckDB)
  - HTTP API latency and throughput
  - WebSocket connection counts

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:8687/metrics

# Key Metrics

Detection:
  - detection_runs_total{result}: Orchestrator run outcomes
  - detector_invocations_total{detector,result}: Per-detector outcomes
  - detector_duration_seconds{detector}: Per-detector latency

Ledger:
  - issues_created_total{detector,severity}: New issue rows
  - issues_redetected_total{detector}: Counter increments on existing rows
  - findings_suppressed_total{detector}: Ignore rule matches

Dispatch:
  - notification_attempts_total{channel,result}: Delivery attempt outcomes
  - notification_queue_depth{status}: Tasks by status
  - notifications_dead_lettered_total{channel}: Retry budget exhaustion

All metrics are registered at package initialization via promauto and need
no explicit setup.
*/
package metrics
