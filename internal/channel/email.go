// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// EmailChannel implements email delivery via SMTP.
type EmailChannel struct {
	defaultTimeout time.Duration

	mu   sync.RWMutex
	opts Options
}

// NewEmailChannel creates a new email channel.
func NewEmailChannel() *EmailChannel {
	return &EmailChannel{
		defaultTimeout: 30 * time.Second,
	}
}

// Name returns the channel identifier.
func (c *EmailChannel) Name() string {
	return "email"
}

// Configure applies SMTP options after validation.
func (c *EmailChannel) Configure(opts Options) error {
	if err := c.validate(opts); err != nil {
		return err
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return nil
}

func (c *EmailChannel) validate(opts Options) error {
	if opts.SMTPHost == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if opts.SMTPPort <= 0 || opts.SMTPPort > 65535 {
		return fmt.Errorf("invalid SMTP port: %d", opts.SMTPPort)
	}
	if err := ValidateEmail(opts.SMTPFrom); err != nil {
		return fmt.Errorf("invalid SMTP from address: %w", err)
	}
	if len(opts.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	for _, rcpt := range opts.Recipients {
		if err := ValidateEmail(rcpt); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
	}
	return nil
}

// IsAvailable reports whether the channel is enabled and configured.
func (c *EmailChannel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.Enabled && c.validate(c.opts) == nil
}

// Send delivers the message to all configured recipients.
func (c *EmailChannel) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	result := &SendResult{}

	if err := c.validate(opts); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeInvalidConfig
		return result, nil
	}

	body := c.buildMessage(opts, msg)
	for _, rcpt := range opts.Recipients {
		if err := c.sendSMTP(ctx, opts, rcpt, body(rcpt)); err != nil {
			result.ErrorMessage = err.Error()
			result.ErrorCode = classifyEmailError(err)
			result.IsTransient = isTransientEmailError(result.ErrorCode)
			return result, nil
		}
	}

	now := time.Now()
	result.Success = true
	result.DeliveredAt = &now
	return result, nil
}

// buildMessage constructs the per-recipient RFC 5322 message.
func (c *EmailChannel) buildMessage(opts Options, msg *Message) func(to string) string {
	fromName := opts.SMTPFromName
	if fromName == "" {
		fromName = "Vigil"
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(msg.Severity), msg.Title)

	var body strings.Builder
	body.WriteString(msg.Title + "\r\n\r\n")
	if msg.Body != "" {
		body.WriteString(msg.Body + "\r\n\r\n")
	}
	body.WriteString(fmt.Sprintf("Detector: %s\r\n", msg.Issuer))
	body.WriteString(fmt.Sprintf("Severity: %s\r\n", msg.Severity))
	for key, value := range msg.Context {
		body.WriteString(fmt.Sprintf("%s: %s\r\n", key, value))
	}
	if msg.IssueURL != "" {
		body.WriteString(fmt.Sprintf("\r\nView issue: %s\r\n", msg.IssueURL))
	}

	return func(to string) string {
		var out strings.Builder
		out.WriteString(fmt.Sprintf("From: %s <%s>\r\n", fromName, opts.SMTPFrom))
		out.WriteString(fmt.Sprintf("To: %s\r\n", to))
		out.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
		out.WriteString("MIME-Version: 1.0\r\n")
		out.WriteString(fmt.Sprintf("X-Vigil-Issue-ID: %d\r\n", msg.IssueID))
		out.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		out.WriteString("\r\n")
		out.WriteString(body.String())
		return out.String()
	}
}

// sendSMTP sends one email via SMTP with a bounded connection timeout.
func (c *EmailChannel) sendSMTP(ctx context.Context, opts Options, to, msg string) error {
	addr := fmt.Sprintf("%s:%d", opts.SMTPHost, opts.SMTPPort)

	dialer := &net.Dialer{Timeout: c.defaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, opts.SMTPHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if opts.SMTPTLS {
		tlsConfig := &tls.Config{
			ServerName: opts.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if opts.SMTPUser != "" && opts.SMTPPassword != "" {
		auth := smtp.PlainAuth("", opts.SMTPUser, opts.SMTPPassword, opts.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(opts.SMTPFrom); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// Quit failure after DATA is accepted is not a delivery failure.
	_ = client.Quit()
	return nil
}

// TestConnection verifies the SMTP server is reachable and accepts the
// configured sender, without sending a message.
func (c *EmailChannel) TestConnection(ctx context.Context) TestResult {
	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	if err := c.validate(opts); err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}

	addr := fmt.Sprintf("%s:%d", opts.SMTPHost, opts.SMTPPort)
	dialer := &net.Dialer{Timeout: c.defaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("failed to connect: %v", err)}
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, opts.SMTPHost)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("SMTP handshake failed: %v", err)}
	}
	defer func() { _ = client.Close() }()

	if err := client.Mail(opts.SMTPFrom); err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("sender rejected: %v", err)}
	}
	_ = client.Quit()

	return TestResult{Success: true, Message: fmt.Sprintf("SMTP server %s reachable", addr)}
}

// classifyEmailError classifies an SMTP error into an error code.
func classifyEmailError(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "authentication") || strings.Contains(errStr, "auth") {
		return ErrorCodeAuthFailed
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect") {
		return ErrorCodeConnectionFailed
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "recipient") || strings.Contains(errStr, "mailbox") {
		return ErrorCodeNotFound
	}
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "limit") {
		return ErrorCodeRateLimited
	}
	if strings.Contains(errStr, "too large") || strings.Contains(errStr, "size") {
		return ErrorCodeContentTooLarge
	}

	return ErrorCodeUnknown
}

// isTransientEmailError returns true if the error is transient and can be retried.
func isTransientEmailError(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
