// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/ignore"
	"github.com/vigilsec/vigil/internal/ledger"
)

// IssueLedger is the ledger surface the handlers need.
type IssueLedger interface {
	Get(ctx context.Context, id int64) (*ledger.Issue, error)
	List(ctx context.Context, filter ledger.Filter) ([]ledger.Issue, int, error)
	MarkViewed(ctx context.Context, id int64, actor string) error
	UnmarkViewed(ctx context.Context, id int64) error
	Ignore(ctx context.Context, id int64, reason, actor string) error
	Resolve(ctx context.Context, id int64, notes, actor string) error
	CreateIgnoreRuleFromIssue(ctx context.Context, id int64, ruleType ignore.RuleType, actor string, opts ledger.RuleOptions) (*ignore.Rule, error)
}

// IssueBroadcaster pushes issue state changes to the live feed.
type IssueBroadcaster interface {
	BroadcastIssueUpdated(issue *ledger.Issue)
}

// IssueHandlers provides HTTP handlers for the issue ledger.
type IssueHandlers struct {
	ledger          IssueLedger
	broadcaster     IssueBroadcaster
	defaultPageSize int
	maxPageSize     int
	excludePaths    []string
}

// NewIssueHandlers creates issue handlers. The broadcaster may be nil.
// excludePaths lists path fragments whose issues are kept out of
// listings, so the monitor's own source never shows up as a finding
// about itself.
func NewIssueHandlers(l IssueLedger, b IssueBroadcaster, defaultPageSize, maxPageSize int, excludePaths ...string) *IssueHandlers {
	return &IssueHandlers{
		ledger:          l,
		broadcaster:     b,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		excludePaths:    excludePaths,
	}
}

// List handles GET /api/v1/issues
func (h *IssueHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := ledger.Filter{ExcludePathSubstrings: h.excludePaths}
	filter.Limit, filter.Offset = pagination(r, h.defaultPageSize, h.maxPageSize)

	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := ledger.Status(strings.TrimSpace(s))
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status: "+s, nil)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if v := r.URL.Query().Get("severity"); v != "" {
		for _, s := range strings.Split(v, ",") {
			sev := finding.Severity(strings.TrimSpace(s))
			if !sev.Valid() {
				respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown severity: "+s, nil)
				return
			}
			filter.Severities = append(filter.Severities, sev)
		}
	}

	filter.Issuer = r.URL.Query().Get("issuer")
	filter.Search = r.URL.Query().Get("search")
	filter.OrderBy = r.URL.Query().Get("order_by")
	filter.OrderDirection = r.URL.Query().Get("order_direction")

	issues, total, err := h.ledger.List(ctx, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to list issues", err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"issues": issues,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Get handles GET /api/v1/issues/{id}
func (h *IssueHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid issue ID", err)
		return
	}

	issue, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to fetch issue", err)
		return
	}
	if issue == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
		return
	}

	writeJSON(w, issue)
}

// actorFromRequest reads the acting operator from the request body field
// or falls back to "operator".
func actorFromRequest(body map[string]string) string {
	if actor := body["actor"]; actor != "" {
		return actor
	}
	return "operator"
}

func decodeBody(r *http.Request) map[string]string {
	body := map[string]string{}
	// Missing or malformed bodies fall back to defaults.
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

// MarkViewed handles POST /api/v1/issues/{id}/viewed
func (h *IssueHandlers) MarkViewed(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id int64, body map[string]string) error {
		return h.ledger.MarkViewed(ctx, id, actorFromRequest(body))
	})
}

// UnmarkViewed handles DELETE /api/v1/issues/{id}/viewed
func (h *IssueHandlers) UnmarkViewed(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id int64, _ map[string]string) error {
		return h.ledger.UnmarkViewed(ctx, id)
	})
}

// Ignore handles POST /api/v1/issues/{id}/ignore
func (h *IssueHandlers) Ignore(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id int64, body map[string]string) error {
		return h.ledger.Ignore(ctx, id, body["reason"], actorFromRequest(body))
	})
}

// Resolve handles POST /api/v1/issues/{id}/resolve
func (h *IssueHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id int64, body map[string]string) error {
		return h.ledger.Resolve(ctx, id, body["notes"], actorFromRequest(body))
	})
}

// mutate applies a state change, then returns and broadcasts the
// updated issue.
func (h *IssueHandlers) mutate(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id int64, body map[string]string) error,
) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid issue ID", err)
		return
	}

	issue, err := h.ledger.Get(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to fetch issue", err)
		return
	}
	if issue == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
		return
	}

	if err := op(ctx, id, decodeBody(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to update issue", err)
		return
	}

	updated, err := h.ledger.Get(ctx, id)
	if err != nil || updated == nil {
		respondError(w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to reload issue", err)
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.BroadcastIssueUpdated(updated)
	}
	writeJSON(w, updated)
}

// createRuleRequest is the body of POST /api/v1/issues/{id}/ignore-rule.
type createRuleRequest struct {
	RuleType      string `json:"rule_type"`
	Comment       string `json:"comment"`
	Actor         string `json:"actor"`
	ExpiresAt     string `json:"expires_at"`
	ScopeToIssuer bool   `json:"scope_to_issuer"`
}

// CreateIgnoreRule handles POST /api/v1/issues/{id}/ignore-rule. It
// derives a suppression rule from the issue and marks it ignored.
func (h *IssueHandlers) CreateIgnoreRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid issue ID", err)
		return
	}

	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}

	ruleType := ignore.RuleType(req.RuleType)
	if !ruleType.Valid() {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown rule type: "+req.RuleType, nil)
		return
	}

	opts := ledger.RuleOptions{
		Comment:       req.Comment,
		ScopeToIssuer: req.ScopeToIssuer,
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be RFC3339", err)
			return
		}
		opts.ExpiresAt = expires
	}

	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}

	rule, err := h.ledger.CreateIgnoreRuleFromIssue(ctx, id, ruleType, actor, opts)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "RULE_ERROR", "failed to create ignore rule", err)
		return
	}

	if h.broadcaster != nil {
		if updated, err := h.ledger.Get(ctx, id); err == nil && updated != nil {
			h.broadcaster.BroadcastIssueUpdated(updated)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, rule)
}
