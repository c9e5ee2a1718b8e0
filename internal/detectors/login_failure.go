// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package detectors provides the reference detector set: a login-failure
// tracker (trigger), a file-integrity sweep (scan), and a malware
// signature scan (scan). The orchestrator treats these as opaque
// plug-ins behind the finding.Detector contract; deployments register
// their own detectors alongside or instead of them.
package detectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
)

// LoginFailureConfig configures the login-failure detector.
type LoginFailureConfig struct {
	// Threshold is the number of failures from one IP within the window
	// that raises a finding.
	Threshold int `json:"threshold"`

	// WindowSeconds is the sliding window size.
	WindowSeconds int `json:"window_seconds"`

	Severity finding.Severity `json:"severity"`
}

// DefaultLoginFailureConfig returns production defaults.
func DefaultLoginFailureConfig() LoginFailureConfig {
	return LoginFailureConfig{
		Threshold:     5,
		WindowSeconds: 300,
		Severity:      finding.SeverityHigh,
	}
}

type failureEvent struct {
	username  string
	userAgent string
	at        time.Time
}

// LoginFailureDetector tracks authentication failures per source IP and
// raises a brute-force finding when an IP crosses the threshold within
// the sliding window. It is a TRIGGER detector: the event feed calls
// ReportFailure as failures happen, and every threshold crossing is a
// fresh occurrence.
type LoginFailureDetector struct {
	mu       sync.RWMutex
	config   LoginFailureConfig
	enabled  bool
	failures map[string][]failureEvent
	now      func() time.Time
}

// NewLoginFailureDetector creates a login-failure detector with default
// configuration.
func NewLoginFailureDetector() *LoginFailureDetector {
	return &LoginFailureDetector{
		config:   DefaultLoginFailureConfig(),
		enabled:  true,
		failures: make(map[string][]failureEvent),
		now:      time.Now,
	}
}

// Name returns the issuer name.
func (d *LoginFailureDetector) Name() string { return "login-failure" }

// Class returns the issuer classification.
func (d *LoginFailureDetector) Class() finding.IssuerClass { return finding.ClassTrigger }

// Priority orders detectors within a run.
func (d *LoginFailureDetector) Priority() int { return 10 }

// ReportFailure records one authentication failure. When the failure
// pushes the IP over the threshold, the corresponding finding is
// returned so the caller can feed it to the realtime pipeline; nil
// otherwise.
func (d *LoginFailureDetector) ReportFailure(ip, username, userAgent string) *finding.Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled || ip == "" {
		return nil
	}

	now := d.now()
	window := time.Duration(d.config.WindowSeconds) * time.Second
	cutoff := now.Add(-window)

	kept := pruneEvents(d.failures[ip], cutoff)
	kept = append(kept, failureEvent{username: username, userAgent: userAgent, at: now})
	d.failures[ip] = kept

	if len(kept) < d.config.Threshold {
		return nil
	}

	f := d.buildFinding(ip, kept, window)

	// Reset the window so the next finding needs a fresh burst rather
	// than firing on every subsequent failure.
	delete(d.failures, ip)

	return f
}

// Detect returns findings for any IPs currently over the threshold.
// With a live event feed ReportFailure usually fires first and this
// returns nothing; it exists so batch-imported failures still surface.
func (d *LoginFailureDetector) Detect(_ context.Context) ([]finding.Finding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	window := time.Duration(d.config.WindowSeconds) * time.Second
	cutoff := now.Add(-window)

	var findings []finding.Finding
	for ip, events := range d.failures {
		kept := pruneEvents(events, cutoff)
		if len(kept) == 0 {
			delete(d.failures, ip)
			continue
		}
		d.failures[ip] = kept

		if len(kept) >= d.config.Threshold {
			findings = append(findings, *d.buildFinding(ip, kept, window))
			delete(d.failures, ip)
		}
	}
	return findings, nil
}

func (d *LoginFailureDetector) buildFinding(ip string, events []failureEvent, window time.Duration) *finding.Finding {
	usernames := make(map[string]bool)
	for _, e := range events {
		if e.username != "" {
			usernames[e.username] = true
		}
	}
	names := make([]string, 0, len(usernames))
	for name := range usernames {
		names = append(names, name)
	}

	details, _ := json.Marshal(map[string]interface{}{
		"failure_count":  len(events),
		"window_seconds": int(window.Seconds()),
		"usernames":      names,
	})

	last := events[len(events)-1]
	return &finding.Finding{
		Message: fmt.Sprintf("Repeated login failures from %s", ip),
		Description: fmt.Sprintf("%d failed login attempts from %s within %s",
			len(events), ip, window),
		Severity:   d.config.Severity,
		Type:       finding.TypeBruteForce,
		IPAddress:  ip,
		UserAgent:  last.userAgent,
		DetectedAt: last.at,
		Details:    details,
	}
}

// Configure updates the detector configuration.
func (d *LoginFailureDetector) Configure(config json.RawMessage) error {
	var newConfig LoginFailureConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive")
	}
	if newConfig.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive")
	}
	if newConfig.Severity == "" {
		newConfig.Severity = finding.SeverityHigh
	}

	d.mu.Lock()
	d.config = newConfig
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *LoginFailureDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *LoginFailureDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Config returns the current configuration.
func (d *LoginFailureDetector) Config() LoginFailureConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

func pruneEvents(events []failureEvent, cutoff time.Time) []failureEvent {
	kept := events[:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
