// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

/*
Package supervisor provides process supervision for Vigil using suture v4.

The supervisor tree organizes long-running services into three layers for
failure isolation:

	RootSupervisor ("vigil")
	├── DataSupervisor ("data-layer")
	│   └── CleanupService (issue retention, task retention, settings GC)
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── DetectionLoopService (scheduled detector runs)
	│   ├── DispatchPumpService (notification queue draining)
	│   └── WebSocketHubService (live issue feed)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

This hierarchy ensures that a crashing detection loop doesn't disconnect
WebSocket clients, and that a dispatch pump failure doesn't impact API
availability. Suture restarts crashed services with exponential backoff
once the failure threshold is exceeded.

Supervisor events (service failures, restarts, backoff transitions) are
logged through sutureslog into the application's slog handler.

Service wrappers live in the services subpackage; each adapts a Vigil
component's lifecycle to suture's context-aware Serve pattern.
*/
package supervisor
