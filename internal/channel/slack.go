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
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// slackTextLimit is Slack's section block text limit.
const slackTextLimit = 3000

// SlackChannel implements Slack webhook delivery.
type SlackChannel struct {
	client *http.Client

	mu   sync.RWMutex
	opts Options
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel() *SlackChannel {
	return &SlackChannel{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the channel identifier.
func (c *SlackChannel) Name() string {
	return "slack"
}

// Configure applies Slack options after validation.
func (c *SlackChannel) Configure(opts Options) error {
	if err := c.validate(opts); err != nil {
		return err
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return nil
}

func (c *SlackChannel) validate(opts Options) error {
	if opts.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL is required")
	}
	if err := ValidateWebhookURL(opts.SlackWebhookURL); err != nil {
		return fmt.Errorf("invalid slack webhook URL: %w", err)
	}
	return nil
}

// IsAvailable reports whether the channel is enabled and configured.
func (c *SlackChannel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.Enabled && c.validate(c.opts) == nil
}

// slackPayload is the Slack webhook message structure using blocks.
type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Blocks      []slackBlock      `json:"blocks,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Blocks []slackBlock `json:"blocks,omitempty"`
}

// Send delivers the message via Slack webhook.
func (c *SlackChannel) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	result := &SendResult{}

	if err := c.validate(opts); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeInvalidConfig
		return result, nil
	}

	payload := c.buildPayload(opts, msg)
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to marshal payload: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.SlackWebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to send to Slack: %v", err)
		result.ErrorCode = classifyHTTPError(err)
		result.IsTransient = isTransientHTTPError(result.ErrorCode)
		return result, nil
	}
	defer resp.Body.Close()

	result.ResponseCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		now := time.Now()
		result.Success = true
		result.DeliveredAt = &now
		return result, nil
	}

	result.ErrorMessage = fmt.Sprintf("Slack returned %d: %s", resp.StatusCode, string(body))
	result.ErrorCode = classifyHTTPStatusCode(resp.StatusCode)
	result.IsTransient = isTransientHTTPError(result.ErrorCode)

	return result, nil
}

func (c *SlackChannel) buildPayload(opts Options, msg *Message) slackPayload {
	header := fmt.Sprintf(":rotating_light: *%s*", TruncateContent(msg.Title, 150))

	body := TruncateContent(msg.Body, slackTextLimit)
	if body == "" {
		body = msg.Title
	}

	fields := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Detector:*\n%s", msg.Issuer)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", msg.Severity)},
	}
	if ip, ok := msg.Context["ip_address"]; ok && ip != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*IP:*\n%s", ip)})
	}

	blocks := []slackBlock{
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: body}},
		{Type: "section", Fields: fields},
	}
	if msg.IssueURL != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("<%s|View issue #%d>", msg.IssueURL, msg.IssueID)},
		})
	}

	return slackPayload{
		Channel: opts.SlackChannel,
		Text:    header,
		Attachments: []slackAttachment{
			{Color: fmt.Sprintf("#%06X", severityColor(msg.Severity)), Blocks: blocks},
		},
	}
}

// TestConnection performs a diagnostic delivery to the configured webhook.
func (c *SlackChannel) TestConnection(ctx context.Context) TestResult {
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
	return TestResult{Success: true, Message: "Slack webhook reachable"}
}
