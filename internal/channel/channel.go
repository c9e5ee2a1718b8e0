// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package channel provides notification channel implementations.
//
// This package implements the delivery channels for the dispatch queue:
//   - Webhook: generic HTTP webhook delivery
//   - Discord: Discord webhook integration with embeds
//   - Slack: Slack webhook integration with blocks
//   - Email: SMTP-based email delivery
//
// Each channel implements the Channel interface for consistent behavior.
// All channels support:
//   - Timeout handling (no send call blocks indefinitely)
//   - Error categorization (permanent vs transient)
//   - Operator-triggered connection tests
//
// Security:
//   - Credentials are never logged
//   - Webhook URLs are validated
package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Channel defines the interface for notification channels. Availability
// combines "administratively enabled" with a configuration check, not
// configuration presence alone.
type Channel interface {
	// Name returns the channel identifier (webhook, discord, slack, email).
	Name() string

	// Configure applies channel options. Invalid options leave the
	// previous configuration in place.
	Configure(opts Options) error

	// IsAvailable reports whether the channel can currently deliver:
	// it must be enabled AND validly configured.
	IsAvailable() bool

	// Send delivers a message. Delivery problems are captured in the
	// SendResult; the error return is reserved for programming errors.
	Send(ctx context.Context, msg *Message) (*SendResult, error)

	// TestConnection performs an operator-triggered diagnostic delivery
	// check, independent of the dispatch queue.
	TestConnection(ctx context.Context) TestResult
}

// Options carries the configuration of all channel types. Each channel
// reads only its own fields.
type Options struct {
	Enabled bool `json:"enabled"`

	// Generic webhook
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookMethod  string            `json:"webhook_method,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	WebhookAuth    string            `json:"webhook_auth,omitempty"`

	// Discord
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty"`
	DiscordUsername   string `json:"discord_username,omitempty"`

	// Slack
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	SlackChannel    string `json:"slack_channel,omitempty"`

	// Email
	SMTPHost     string   `json:"smtp_host,omitempty"`
	SMTPPort     int      `json:"smtp_port,omitempty"`
	SMTPUser     string   `json:"smtp_user,omitempty"`
	SMTPPassword string   `json:"smtp_password,omitempty"`
	SMTPFrom     string   `json:"smtp_from,omitempty"`
	SMTPFromName string   `json:"smtp_from_name,omitempty"`
	SMTPTLS      bool     `json:"smtp_tls,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
}

// Message is the channel-independent notification content.
type Message struct {
	IssueID  int64             `json:"issue_id"`
	Issuer   string            `json:"issuer"`
	Severity string            `json:"severity"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	IssueURL string            `json:"issue_url,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// SendResult contains the result of a delivery attempt.
type SendResult struct {
	// Success indicates if delivery was successful.
	Success bool

	// DeliveredAt is when delivery succeeded.
	DeliveredAt *time.Time

	// ErrorMessage contains error details if failed.
	ErrorMessage string

	// ErrorCode is a machine-readable error code.
	ErrorCode string

	// IsTransient indicates if the error is transient (can be retried).
	IsTransient bool

	// RetryAfter suggests when to retry (for rate limiting).
	RetryAfter *time.Duration

	// ResponseCode is the HTTP response code (for webhook-based channels).
	ResponseCode int
}

// TestResult is the outcome of an operator-triggered connection test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig    = "INVALID_CONFIG"
	ErrorCodeConnectionFailed = "CONNECTION_FAILED"
	ErrorCodeAuthFailed       = "AUTH_FAILED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeContentTooLarge  = "CONTENT_TOO_LARGE"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeServerError      = "SERVER_ERROR"
	ErrorCodeTimeout          = "TIMEOUT"
	ErrorCodeUnknown          = "UNKNOWN"
)

// Registry manages registered notification channels.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry creates a registry with all default channels.
func NewRegistry() *Registry {
	registry := &Registry{
		channels: make(map[string]Channel),
	}

	registry.Register(NewWebhookChannel())
	registry.Register(NewDiscordChannel())
	registry.Register(NewSlackChannel())
	registry.Register(NewEmailChannel())

	return registry
}

// Register adds a channel to the registry.
func (r *Registry) Register(channel Channel) {
	r.channels[channel.Name()] = channel
}

// Get retrieves a channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	channel, ok := r.channels[name]
	return channel, ok
}

// List returns all registered channel names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Available returns the names of channels that can currently deliver.
func (r *Registry) Available() []string {
	var names []string
	for name, ch := range r.channels {
		if ch.IsAvailable() {
			names = append(names, name)
		}
	}
	return names
}

// Configure applies options to a named channel.
func (r *Registry) Configure(name string, opts Options) error {
	ch, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown notification channel: %s", name)
	}
	return ch.Configure(opts)
}

// =============================================================================
// Validation Helpers
// =============================================================================

// ValidateEmail validates an email address format.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email address is required")
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid email address format: %s", email)
	}
	if !strings.Contains(parts[1], ".") {
		return fmt.Errorf("invalid email domain: %s", parts[1])
	}
	return nil
}

// ValidateWebhookURL validates a webhook URL.
func ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	return nil
}

// =============================================================================
// Content Helpers
// =============================================================================

// TruncateContent truncates content to the specified length with ellipsis.
func TruncateContent(content string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return content[:maxLen]
	}
	return content[:maxLen-3] + "..."
}

// severityColor maps severities to embed accent colors.
func severityColor(severity string) int {
	switch severity {
	case "critical":
		return 0xE01E5A // red
	case "high":
		return 0xEC7211 // orange
	case "medium":
		return 0xF2C744 // yellow
	default:
		return 0x36A64F // green
	}
}

// classifyHTTPError classifies an HTTP transport error into an error code.
func classifyHTTPError(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused") {
		return ErrorCodeConnectionFailed
	}

	return ErrorCodeUnknown
}

// classifyHTTPStatusCode classifies an HTTP status code into an error code.
func classifyHTTPStatusCode(code int) string {
	switch {
	case code == 401 || code == 403:
		return ErrorCodeAuthFailed
	case code == 404:
		return ErrorCodeNotFound
	case code == 429:
		return ErrorCodeRateLimited
	case code == 413:
		return ErrorCodeContentTooLarge
	case code >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

// isTransientHTTPError returns true if the error is transient and can be retried.
func isTransientHTTPError(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
