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

	"github.com/vigilsec/vigil/internal/ignore"
)

// RuleStore is the ignore-rule persistence surface the handlers need.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *ignore.Rule) error
	GetRule(ctx context.Context, id string) (*ignore.Rule, error)
	ListRules(ctx context.Context) ([]ignore.Rule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
	DeleteRule(ctx context.Context, id string) error
}

// RuleHandlers provides HTTP handlers for standalone ignore rules.
type RuleHandlers struct {
	store RuleStore
}

// NewRuleHandlers creates rule handlers.
func NewRuleHandlers(store RuleStore) *RuleHandlers {
	return &RuleHandlers{store: store}
}

// List handles GET /api/v1/ignore-rules
func (h *RuleHandlers) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to list ignore rules", err)
		return
	}

	writeJSON(w, map[string]interface{}{"rules": rules, "total": len(rules)})
}

// Get handles GET /api/v1/ignore-rules/{id}
func (h *RuleHandlers) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to fetch ignore rule", err)
		return
	}
	if rule == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "ignore rule not found", nil)
		return
	}

	writeJSON(w, rule)
}

type ruleRequest struct {
	Type      string `json:"rule_type"`
	Value     string `json:"rule_value"`
	Issuer    string `json:"issuer_name"`
	IssueType string `json:"issue_type"`
	Comment   string `json:"comment"`
	ExpiresAt string `json:"expires_at"`
	Actor     string `json:"actor"`
}

// Create handles POST /api/v1/ignore-rules
func (h *RuleHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}

	rule := &ignore.Rule{
		Type:      ignore.RuleType(req.Type),
		Value:     req.Value,
		Issuer:    req.Issuer,
		IssueType: req.IssueType,
		Comment:   req.Comment,
		Active:    true,
		CreatedBy: req.Actor,
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be RFC3339", err)
			return
		}
		rule.ExpiresAt = expires
	}

	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	if err := h.store.CreateRule(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to create ignore rule", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, rule)
}

// SetActive handles POST /api/v1/ignore-rules/{id}/active
func (h *RuleHandlers) SetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}

	id := r.PathValue("id")
	rule, err := h.store.GetRule(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to fetch ignore rule", err)
		return
	}
	if rule == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "ignore rule not found", nil)
		return
	}

	if err := h.store.SetRuleActive(r.Context(), id, req.Active); err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to update ignore rule", err)
		return
	}

	writeJSON(w, map[string]bool{"active": req.Active})
}

// Delete handles DELETE /api/v1/ignore-rules/{id}
func (h *RuleHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rule, err := h.store.GetRule(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to fetch ignore rule", err)
		return
	}
	if rule == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "ignore rule not found", nil)
		return
	}

	if err := h.store.DeleteRule(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "RULE_ERROR", "failed to delete ignore rule", err)
		return
	}

	writeJSON(w, map[string]string{"status": "deleted"})
}
