// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

/*
Package services provides suture.Service wrappers for Vigil components.

Each wrapper adapts a component's lifecycle to suture's context-aware
Serve pattern and implements fmt.Stringer so the supervisor can name the
service in log messages.

Available services:

  - HTTPServerService: wraps *http.Server, translating ListenAndServe
    into Serve with graceful shutdown on context cancellation.
  - WebSocketHubService: wraps the websocket hub's RunWithContext.
  - DetectionLoopService: runs the orchestrator on a fixed interval and
    broadcasts completed-run summaries.
  - DispatchPumpService: drains the notification dispatch queue on a
    fixed interval.
  - CleanupService: applies issue retention, task retention, and
    settings GC on a fixed interval.

Return values from Serve determine supervisor behavior: nil stops the
service without restart, any other error triggers a supervised restart,
and ctx.Err() signals normal shutdown.
*/
package services
