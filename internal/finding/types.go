// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package finding

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Severity indicates the severity level of a finding or issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric rank of a severity for ordering. Unknown
// severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// IssueType categorizes what kind of condition a finding describes.
type IssueType string

const (
	TypeBruteForce          IssueType = "brute_force"
	TypeFileTampering       IssueType = "file_tampering"
	TypeMalware             IssueType = "malware"
	TypeSuspiciousRedirect  IssueType = "suspicious_redirect"
	TypePrivilegeEscalation IssueType = "privilege_escalation"
	TypeSystemError         IssueType = "system_error"
	TypeGeneric             IssueType = "generic"
)

// IssuerClass classifies a detector by how it fires.
//
// TRIGGER issuers react to discrete real-time events (a failed login);
// every occurrence is a separate event worth surfacing. SCAN issuers run
// periodic sweeps over standing state (a modified file); re-detecting the
// same condition is not news. HYBRID issuers behave as TRIGGER when fired
// from a live request and as SCAN otherwise.
type IssuerClass string

const (
	ClassTrigger IssuerClass = "trigger"
	ClassScan    IssuerClass = "scan"
	ClassHybrid  IssuerClass = "hybrid"
)

// Frame is one entry of a finding's backtrace. Backtraces are passed as
// explicit frame lists rather than captured from the live runtime stack,
// so fingerprinting is deterministic and testable with synthetic traces.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// Finding is one raw detection event from a detector, before dedup.
// It is ephemeral: consumed immediately by the ledger, never persisted
// as-is.
type Finding struct {
	// Message is the human-readable title of the condition.
	Message string `json:"message"`

	// Severity may be supplied by the detector; when empty the
	// classifier infers it from the message.
	Severity Severity `json:"severity,omitempty"`

	// Type may be supplied by the detector; when empty the classifier
	// infers it from the message.
	Type IssueType `json:"type,omitempty"`

	// Description carries additional free-text detail.
	Description string `json:"description,omitempty"`

	FilePath  string `json:"file_path,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Backtrace is the call chain at the detection point, outermost last.
	Backtrace []Frame `json:"backtrace,omitempty"`

	// Details is a typed, detector-specific payload.
	Details json.RawMessage `json:"details,omitempty"`

	// Context carries small string-valued context entries (request URI,
	// user, hook name). Large forensic payloads belong in Forensic.
	Context map[string]string `json:"context,omitempty"`

	// Forensic is the collector snapshot attached before notification.
	// It rides along to the dispatch queue and never participates in
	// fingerprinting.
	Forensic json.RawMessage `json:"forensic_context,omitempty"`

	// DetectedAt defaults to time-of-record when zero.
	DetectedAt time.Time `json:"detected_at,omitempty"`
}

// Detector is the contract all detection plug-ins implement.
type Detector interface {
	// Name returns the issuer name, stable across runs.
	Name() string

	// Class returns the issuer classification (trigger/scan/hybrid).
	Class() IssuerClass

	// Priority orders detectors within a run; lower runs first.
	Priority() int

	// Detect evaluates the detector's condition and returns zero or
	// more findings.
	Detect(ctx context.Context) ([]Finding, error)

	// Configure updates the detector configuration.
	Configure(config json.RawMessage) error

	// Enabled returns whether this detector is currently enabled.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)
}
