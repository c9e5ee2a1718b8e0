// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a dependency's liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	db        Pinger
	startedAt time.Time
	version   string
}

// NewHealthHandlers creates health handlers.
func NewHealthHandlers(db Pinger, version string) *HealthHandlers {
	return &HealthHandlers{db: db, startedAt: time.Now().UTC(), version: version}
}

// Live handles GET /api/v1/health/live. Always succeeds while the
// process is serving.
func (h *HealthHandlers) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// Ready handles GET /api/v1/health/ready. Fails when the database is
// unreachable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "NOT_READY", "database unreachable", err)
			return
		}
	}

	writeJSON(w, map[string]string{"status": "ready"})
}

// Health handles GET /api/v1/health.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
