// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/channel"
	"github.com/vigilsec/vigil/internal/logging"
)

// ChannelOptionsStore persists channel configuration across restarts.
type ChannelOptionsStore interface {
	SaveChannelOptions(ctx context.Context, name string, opts channel.Options) error
}

// ChannelHandlers provides HTTP handlers for notification channels.
type ChannelHandlers struct {
	registry *channel.Registry
	store    ChannelOptionsStore
}

// NewChannelHandlers creates channel handlers. The store may be nil for
// ephemeral configurations.
func NewChannelHandlers(registry *channel.Registry, store ChannelOptionsStore) *ChannelHandlers {
	return &ChannelHandlers{registry: registry, store: store}
}

type channelInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// List handles GET /api/v1/channels
func (h *ChannelHandlers) List(w http.ResponseWriter, r *http.Request) {
	available := map[string]bool{}
	for _, name := range h.registry.Available() {
		available[name] = true
	}

	channels := make([]channelInfo, 0, 4)
	for _, name := range h.registry.List() {
		channels = append(channels, channelInfo{Name: name, Available: available[name]})
	}

	writeJSON(w, map[string]interface{}{"channels": channels})
}

// Configure handles PUT /api/v1/channels/{name}. The applied options
// are persisted so they survive restarts. Secrets (webhook URLs, SMTP
// credentials) are never echoed back.
func (h *ChannelHandlers) Configure(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := h.registry.Get(name); !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown channel: "+name, nil)
		return
	}

	var opts channel.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err)
		return
	}

	if err := h.registry.Configure(name, opts); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "INVALID_CONFIG", err.Error(), nil)
		return
	}

	if h.store != nil {
		if err := h.store.SaveChannelOptions(r.Context(), name, opts); err != nil {
			logging.Error().Err(err).Str("channel", name).Msg("failed to persist channel options")
		}
	}

	ch, _ := h.registry.Get(name)
	writeJSON(w, channelInfo{Name: name, Available: ch.IsAvailable()})
}

// Test handles POST /api/v1/channels/{name}/test. It performs a live
// delivery check against the channel's configured endpoint.
func (h *ChannelHandlers) Test(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ch, ok := h.registry.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown channel: "+name, nil)
		return
	}

	result := ch.TestConnection(r.Context())
	writeJSON(w, result)
}
