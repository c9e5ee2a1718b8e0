// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/forensics"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/orchestrator"
)

// DetectionRunner is the orchestrator surface the handlers need.
type DetectionRunner interface {
	RunOnce(ctx context.Context) (*orchestrator.RunStats, error)
	Detectors() []finding.Detector
	Detector(name string) finding.Detector
	LastRun() time.Time
	Running() bool
	ReportRealtime(ctx context.Context, d finding.Detector, f *finding.Finding, req *forensics.RequestInfo) (*ledger.RecordResult, error)
}

// DetectorConfigStore persists detector configuration across restarts.
type DetectorConfigStore interface {
	SaveDetectorConfig(ctx context.Context, name string, config json.RawMessage) error
}

// AuthFailureReporter is a trigger detector fed by the auth-failure
// ingest endpoint.
type AuthFailureReporter interface {
	finding.Detector
	ReportFailure(ip, username, userAgent string) *finding.Finding
}

// RunBroadcaster pushes completed-run summaries to the live feed.
type RunBroadcaster interface {
	BroadcastRunCompleted(stats *orchestrator.RunStats)
}

// DetectorHandlers provides HTTP handlers for detector management, run
// control, and realtime event ingest.
type DetectorHandlers struct {
	runner      DetectionRunner
	configStore DetectorConfigStore
	authFailure AuthFailureReporter
	broadcaster RunBroadcaster
}

// NewDetectorHandlers creates detector handlers. configStore,
// authFailure, and broadcaster may be nil.
func NewDetectorHandlers(runner DetectionRunner, configStore DetectorConfigStore, authFailure AuthFailureReporter, broadcaster RunBroadcaster) *DetectorHandlers {
	return &DetectorHandlers{
		runner:      runner,
		configStore: configStore,
		authFailure: authFailure,
		broadcaster: broadcaster,
	}
}

type detectorInfo struct {
	Name     string `json:"name"`
	Class    string `json:"class"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

func describeDetector(d finding.Detector) detectorInfo {
	return detectorInfo{
		Name:     d.Name(),
		Class:    string(d.Class()),
		Priority: d.Priority(),
		Enabled:  d.Enabled(),
	}
}

// List handles GET /api/v1/detectors
func (h *DetectorHandlers) List(w http.ResponseWriter, r *http.Request) {
	detectors := h.runner.Detectors()
	infos := make([]detectorInfo, 0, len(detectors))
	for _, d := range detectors {
		infos = append(infos, describeDetector(d))
	}

	writeJSON(w, map[string]interface{}{"detectors": infos})
}

// Configure handles PUT /api/v1/detectors/{name}
func (h *DetectorHandlers) Configure(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d := h.runner.Detector(name)
	if d == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown detector: "+name, nil)
		return
	}

	var req struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}
	if len(req.Config) == 0 {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "config is required", nil)
		return
	}

	if err := d.Configure(req.Config); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "INVALID_CONFIG", err.Error(), nil)
		return
	}

	if h.configStore != nil {
		if err := h.configStore.SaveDetectorConfig(r.Context(), name, req.Config); err != nil {
			logging.Error().Err(err).Str("detector", name).Msg("failed to persist detector config")
		}
	}

	writeJSON(w, describeDetector(d))
}

// SetEnabled handles POST /api/v1/detectors/{name}/enable
func (h *DetectorHandlers) SetEnabled(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d := h.runner.Detector(name)
	if d == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown detector: "+name, nil)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}

	d.SetEnabled(req.Enabled)
	writeJSON(w, describeDetector(d))
}

// TriggerRun handles POST /api/v1/detection/run. The run executes in
// the background; the orchestrator's own guards reject overlapping or
// too-frequent triggers.
func (h *DetectorHandlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.runner.Running() {
		respondError(w, http.StatusConflict, "RUN_ACTIVE", "a detection run is already active", nil)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		stats, err := h.runner.RunOnce(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("manual detection run failed")
			return
		}
		if stats.Throttled {
			return
		}
		if h.broadcaster != nil {
			h.broadcaster.BroadcastRunCompleted(stats)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "started"})
}

// RunStatus handles GET /api/v1/detection/status
func (h *DetectorHandlers) RunStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"running":   h.runner.Running(),
		"detectors": len(h.runner.Detectors()),
	}
	if last := h.runner.LastRun(); !last.IsZero() {
		status["last_run"] = last.UTC().Format(time.RFC3339)
	}

	writeJSON(w, status)
}

// requestInfo captures the ingest request for forensic collection.
// Only the proxy headers relevant to client IP resolution are copied.
func requestInfo(r *http.Request, user string) *forensics.RequestInfo {
	headers := make(map[string]string)
	for _, name := range []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"} {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	return &forensics.RequestInfo{
		Method:     r.Method,
		URI:        r.RequestURI,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		User:       user,
		Headers:    headers,
	}
}

type authFailureEvent struct {
	IPAddress string `json:"ip_address"`
	Username  string `json:"username"`
	UserAgent string `json:"user_agent"`
}

// IngestAuthFailure handles POST /api/v1/events/auth-failure. Each
// event feeds the login-failure detector; crossing the threshold fires
// a finding that is recorded and notified immediately.
func (h *DetectorHandlers) IngestAuthFailure(w http.ResponseWriter, r *http.Request) {
	if h.authFailure == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "login-failure detector not available", nil)
		return
	}

	var event authFailureEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}
	if event.IPAddress == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "ip_address is required", nil)
		return
	}

	f := h.authFailure.ReportFailure(event.IPAddress, event.Username, event.UserAgent)
	if f == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]interface{}{"recorded": true, "fired": false})
		return
	}

	result, err := h.runner.ReportRealtime(r.Context(), h.authFailure, f, requestInfo(r, event.Username))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to record finding", err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"recorded":   true,
		"fired":      true,
		"issue_id":   result.IssueID,
		"created":    result.Created,
		"suppressed": result.Suppressed,
	})
}
