// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package channel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"webhook", "discord", "slack", "email"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("default registry missing channel %q", name)
		}
	}
	if _, ok := r.Get("pager"); ok {
		t.Error("unexpected channel in registry")
	}
	if len(r.List()) != 4 {
		t.Errorf("registry size = %d, want 4", len(r.List()))
	}
}

func TestRegistryConfigureUnknownChannel(t *testing.T) {
	r := NewRegistry()
	if err := r.Configure("pager", Options{}); err == nil {
		t.Error("configuring an unknown channel must fail")
	}
}

func TestWebhookChannelSend(t *testing.T) {
	var gotBody string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewWebhookChannel()
	if err := c.Configure(Options{
		Enabled:     true,
		WebhookURL:  server.URL,
		WebhookAuth: "Bearer token123",
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !c.IsAvailable() {
		t.Fatal("configured enabled channel must be available")
	}

	result, err := c.Send(context.Background(), &Message{
		IssueID:  7,
		Issuer:   "login-failure",
		Severity: "high",
		Title:    "Failed login for admin",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Success {
		t.Fatalf("send failed: %s", result.ErrorMessage)
	}
	if !strings.Contains(gotBody, `"issue_id":7`) {
		t.Errorf("payload missing issue id: %s", gotBody)
	}
	if gotAuth != "Bearer token123" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestWebhookChannelErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
		wantCode      string
	}{
		{"server error is transient", http.StatusInternalServerError, true, ErrorCodeServerError},
		{"rate limit is transient", http.StatusTooManyRequests, true, ErrorCodeRateLimited},
		{"auth failure is permanent", http.StatusForbidden, false, ErrorCodeAuthFailed},
		{"not found is permanent", http.StatusNotFound, false, ErrorCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := NewWebhookChannel()
			if err := c.Configure(Options{Enabled: true, WebhookURL: server.URL}); err != nil {
				t.Fatal(err)
			}

			result, err := c.Send(context.Background(), &Message{Title: "x"})
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if result.Success {
				t.Fatal("expected failure")
			}
			if result.IsTransient != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", result.IsTransient, tt.wantTransient)
			}
			if result.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, tt.wantCode)
			}
		})
	}
}

func TestWebhookChannelUnavailableWhenDisabled(t *testing.T) {
	c := NewWebhookChannel()
	if err := c.Configure(Options{Enabled: false, WebhookURL: "https://example.com/hook"}); err != nil {
		t.Fatal(err)
	}
	if c.IsAvailable() {
		t.Error("disabled channel must not be available even when configured")
	}
}

func TestWebhookChannelInvalidConfig(t *testing.T) {
	c := NewWebhookChannel()

	tests := []struct {
		name string
		opts Options
	}{
		{"missing url", Options{Enabled: true}},
		{"bad scheme", Options{Enabled: true, WebhookURL: "ftp://example.com"}},
		{"bad method", Options{Enabled: true, WebhookURL: "https://example.com", WebhookMethod: "GET"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Configure(tt.opts); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestDiscordBuildPayload(t *testing.T) {
	c := NewDiscordChannel()

	payload := c.buildPayload(Options{DiscordUsername: "sentry-bot"}, &Message{
		IssueID:  3,
		Issuer:   "malware-signature",
		Severity: "critical",
		Title:    "Malware signature matched",
		Context:  map[string]string{"ip_address": "203.0.113.9"},
	})

	if payload.Username != "sentry-bot" {
		t.Errorf("username = %q", payload.Username)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(payload.Embeds))
	}
	embed := payload.Embeds[0]
	if embed.Title != "Malware signature matched" {
		t.Errorf("embed title = %q", embed.Title)
	}
	if embed.Footer == nil || embed.Footer.Text != "Issue #3" {
		t.Error("embed footer missing issue reference")
	}
	var sawIP bool
	for _, f := range embed.Fields {
		if f.Name == "IP" && f.Value == "203.0.113.9" {
			sawIP = true
		}
	}
	if !sawIP {
		t.Error("embed missing IP field from context")
	}
}

func TestDiscordChannelValidate(t *testing.T) {
	c := NewDiscordChannel()

	if err := c.Configure(Options{Enabled: true, DiscordWebhookURL: "https://discord.com/api/webhooks/1/abc"}); err != nil {
		t.Errorf("valid discord URL rejected: %v", err)
	}
	if err := c.Configure(Options{Enabled: true, DiscordWebhookURL: "https://example.com/hook"}); err == nil {
		t.Error("non-discord URL accepted")
	}
}

func TestSlackChannelSend(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewSlackChannel()
	if err := c.Configure(Options{Enabled: true, SlackWebhookURL: server.URL}); err != nil {
		t.Fatal(err)
	}

	result, err := c.Send(context.Background(), &Message{
		IssueID:  9,
		Issuer:   "file-integrity",
		Severity: "high",
		Title:    "Core file modified",
		IssueURL: "https://vigil.example/issues/9",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Success {
		t.Fatalf("send failed: %s", result.ErrorMessage)
	}
	if !strings.Contains(gotBody, "file-integrity") {
		t.Errorf("payload missing detector: %s", gotBody)
	}
	if !strings.Contains(gotBody, "View issue #9") {
		t.Errorf("payload missing issue link: %s", gotBody)
	}
}

func TestEmailChannelValidate(t *testing.T) {
	c := NewEmailChannel()

	valid := Options{
		Enabled:    true,
		SMTPHost:   "mail.example.com",
		SMTPPort:   587,
		SMTPFrom:   "vigil@example.com",
		Recipients: []string{"ops@example.com"},
	}
	if err := c.Configure(valid); err != nil {
		t.Errorf("valid SMTP config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(Options) Options
	}{
		{"missing host", func(o Options) Options { o.SMTPHost = ""; return o }},
		{"bad port", func(o Options) Options { o.SMTPPort = 0; return o }},
		{"bad from", func(o Options) Options { o.SMTPFrom = "nope"; return o }},
		{"no recipients", func(o Options) Options { o.Recipients = nil; return o }},
		{"bad recipient", func(o Options) Options { o.Recipients = []string{"x"}; return o }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Configure(tt.mutate(valid)); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"user@example.com", true},
		{"", false},
		{"plain", false},
		{"@example.com", false},
		{"user@", false},
		{"user@nodot", false},
	}
	for _, tt := range tests {
		err := ValidateEmail(tt.email)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateEmail(%q) err = %v, want valid=%v", tt.email, err, tt.valid)
		}
	}
}

func TestTruncateContent(t *testing.T) {
	tests := []struct {
		content string
		maxLen  int
		want    string
	}{
		{"short", 100, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 0, "abc"},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := TruncateContent(tt.content, tt.maxLen); got != tt.want {
			t.Errorf("TruncateContent(%q, %d) = %q, want %q", tt.content, tt.maxLen, got, tt.want)
		}
	}
}
