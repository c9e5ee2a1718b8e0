// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// WebhookChannel implements generic HTTP webhook delivery.
type WebhookChannel struct {
	client *http.Client

	mu   sync.RWMutex
	opts Options
}

// NewWebhookChannel creates a new generic webhook channel.
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the channel identifier.
func (c *WebhookChannel) Name() string {
	return "webhook"
}

// Configure applies webhook options after validation.
func (c *WebhookChannel) Configure(opts Options) error {
	if err := c.validate(opts); err != nil {
		return err
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return nil
}

func (c *WebhookChannel) validate(opts Options) error {
	if err := ValidateWebhookURL(opts.WebhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	method := strings.ToUpper(opts.WebhookMethod)
	if method != "" && method != "POST" && method != "PUT" && method != "PATCH" {
		return fmt.Errorf("webhook method must be POST, PUT, or PATCH")
	}
	return nil
}

// IsAvailable reports whether the channel is enabled and configured.
func (c *WebhookChannel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.Enabled && c.validate(c.opts) == nil
}

// webhookPayload is the generic webhook body.
type webhookPayload struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	IssueID   int64             `json:"issue_id"`
	Issuer    string            `json:"issuer"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	IssueURL  string            `json:"issue_url,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Send delivers the message via HTTP webhook.
func (c *WebhookChannel) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	result := &SendResult{}

	if err := c.validate(opts); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeInvalidConfig
		return result, nil
	}

	payload := webhookPayload{
		Event:     "issue.notification",
		Timestamp: time.Now().UTC(),
		IssueID:   msg.IssueID,
		Issuer:    msg.Issuer,
		Severity:  msg.Severity,
		Title:     msg.Title,
		Body:      msg.Body,
		IssueURL:  msg.IssueURL,
		Context:   msg.Context,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to marshal payload: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}

	method := strings.ToUpper(opts.WebhookMethod)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, opts.WebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Vigil/1.0")
	for key, value := range opts.WebhookHeaders {
		req.Header.Set(key, value)
	}
	if opts.WebhookAuth != "" {
		req.Header.Set("Authorization", opts.WebhookAuth)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to send webhook: %v", err)
		result.ErrorCode = classifyHTTPError(err)
		result.IsTransient = isTransientHTTPError(result.ErrorCode)
		return result, nil
	}
	defer resp.Body.Close()

	result.ResponseCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		body = []byte("(failed to read response)")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		now := time.Now()
		result.Success = true
		result.DeliveredAt = &now
		return result, nil
	}

	result.ErrorMessage = fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(body))
	result.ErrorCode = classifyHTTPStatusCode(resp.StatusCode)
	result.IsTransient = isTransientHTTPError(result.ErrorCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
				result.RetryAfter = &seconds
			}
		}
	}

	return result, nil
}

// TestConnection performs a diagnostic delivery to the configured URL.
func (c *WebhookChannel) TestConnection(ctx context.Context) TestResult {
	result, err := c.Send(ctx, &Message{
		Issuer:   "vigil",
		Severity: "low",
		Title:    "Vigil connection test",
		Body:     "This is a test notification. No action is required.",
	})
	if err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	if !result.Success {
		return TestResult{Success: false, Message: result.ErrorMessage}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("webhook responded %d", result.ResponseCode)}
}
