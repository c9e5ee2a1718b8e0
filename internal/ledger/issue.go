// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package ledger

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
)

// Status is the operator-facing lifecycle state of an issue.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusIgnored       Status = "ignored"
	StatusFalsePositive Status = "false_positive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusResolved, StatusIgnored, StatusFalsePositive:
		return true
	}
	return false
}

// Issue is the persistent unit of record. Exactly one live row exists
// per line_code_hash; re-detections mutate the row in place.
type Issue struct {
	ID           int64            `json:"id"`
	IssueHash    string           `json:"issue_hash"`
	LineCodeHash string           `json:"line_code_hash"`
	Issuer       string           `json:"issuer_name"`
	Type         finding.IssueType `json:"issue_type"`
	Severity     finding.Severity  `json:"severity"`
	Status       Status           `json:"status"`

	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	Backtrace   []finding.Frame `json:"backtrace,omitempty"`
	FilePath    string          `json:"file_path,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`

	FirstDetected  time.Time `json:"first_detected"`
	LastDetected   time.Time `json:"last_detected"`
	DetectionCount int64     `json:"detection_count"`

	IsIgnored bool `json:"is_ignored"`

	ViewedBy string    `json:"viewed_by,omitempty"`
	ViewedAt time.Time `json:"viewed_at,omitempty"`

	IgnoredBy    string    `json:"ignored_by,omitempty"`
	IgnoredAt    time.Time `json:"ignored_at,omitempty"`
	IgnoreReason string    `json:"ignore_reason,omitempty"`

	ResolvedBy      string    `json:"resolved_by,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string    `json:"resolution_notes,omitempty"`
}

// Filter narrows issue listings. Zero values mean "no restriction".
type Filter struct {
	Statuses   []Status
	Severities []finding.Severity
	Issuer     string
	// Search matches title and description by substring.
	Search string

	// ExcludePathSubstrings drops issues whose file_path contains any of
	// the given substrings. Used to keep the monitor's own source paths
	// out of operator listings.
	ExcludePathSubstrings []string

	OrderBy        string
	OrderDirection string
	Limit          int
	Offset         int
}

// RecordResult is the outcome of recording one finding.
type RecordResult struct {
	// IssueID is the created or re-detected issue row. Zero when the
	// finding was suppressed.
	IssueID int64

	// Created is true when this record call inserted a new issue row.
	Created bool

	// Suppressed is true when an ignore rule matched; no row was
	// written and no notification may be sent.
	Suppressed bool

	// IssueHash is the computed position-independent fingerprint.
	IssueHash string

	// LineCodeHash is the computed call-site fingerprint used as the
	// dedup key.
	LineCodeHash string
}
