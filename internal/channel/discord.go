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

// discordDescriptionLimit is Discord's embed description limit.
const discordDescriptionLimit = 4096

// DiscordChannel implements Discord webhook delivery.
type DiscordChannel struct {
	client *http.Client

	mu   sync.RWMutex
	opts Options
}

// NewDiscordChannel creates a new Discord channel.
func NewDiscordChannel() *DiscordChannel {
	return &DiscordChannel{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the channel identifier.
func (c *DiscordChannel) Name() string {
	return "discord"
}

// Configure applies Discord options after validation.
func (c *DiscordChannel) Configure(opts Options) error {
	if err := c.validate(opts); err != nil {
		return err
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return nil
}

func (c *DiscordChannel) validate(opts Options) error {
	if opts.DiscordWebhookURL == "" {
		return fmt.Errorf("discord webhook URL is required")
	}
	if err := ValidateWebhookURL(opts.DiscordWebhookURL); err != nil {
		return fmt.Errorf("invalid Discord webhook URL: %w", err)
	}
	if !strings.Contains(opts.DiscordWebhookURL, "discord.com/api/webhooks/") &&
		!strings.Contains(opts.DiscordWebhookURL, "discordapp.com/api/webhooks/") {
		return fmt.Errorf("URL does not appear to be a Discord webhook URL")
	}
	return nil
}

// IsAvailable reports whether the channel is enabled and configured.
func (c *DiscordChannel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.Enabled && c.validate(c.opts) == nil
}

// discordWebhookPayload is the Discord webhook message structure.
type discordWebhookPayload struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Send delivers the message via Discord webhook.
func (c *DiscordChannel) Send(ctx context.Context, msg *Message) (*SendResult, error) {
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.DiscordWebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to send to Discord: %v", err)
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

	result.ErrorMessage = fmt.Sprintf("Discord returned %d: %s", resp.StatusCode, string(body))
	result.ErrorCode = classifyHTTPStatusCode(resp.StatusCode)
	result.IsTransient = isTransientHTTPError(result.ErrorCode)

	return result, nil
}

// buildPayload constructs the Discord webhook payload with one embed.
func (c *DiscordChannel) buildPayload(opts Options, msg *Message) discordWebhookPayload {
	username := opts.DiscordUsername
	if username == "" {
		username = "Vigil"
	}

	embed := discordEmbed{
		Title:       TruncateContent(msg.Title, 256),
		Description: TruncateContent(msg.Body, discordDescriptionLimit-200),
		URL:         msg.IssueURL,
		Color:       severityColor(msg.Severity),
		Timestamp:   time.Now().Format(time.RFC3339),
		Footer:      &discordEmbedFooter{Text: fmt.Sprintf("Issue #%d", msg.IssueID)},
	}

	embed.Fields = append(embed.Fields,
		discordEmbedField{Name: "Detector", Value: msg.Issuer, Inline: true},
		discordEmbedField{Name: "Severity", Value: msg.Severity, Inline: true},
	)
	if ip, ok := msg.Context["ip_address"]; ok && ip != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "IP", Value: ip, Inline: true})
	}
	if file, ok := msg.Context["file_path"]; ok && file != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "File", Value: TruncateContent(file, 1024)})
	}

	return discordWebhookPayload{
		Username: username,
		Embeds:   []discordEmbed{embed},
	}
}

// TestConnection performs a diagnostic delivery to the configured webhook.
func (c *DiscordChannel) TestConnection(ctx context.Context) TestResult {
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
	return TestResult{Success: true, Message: "Discord webhook reachable"}
}
