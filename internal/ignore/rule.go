// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package ignore evaluates findings against persisted suppression rules.
// A matching rule suppresses the finding before any issue row is written
// and before any notification is enqueued.
package ignore

import (
	"fmt"
	"time"
)

// RuleType selects the matching strategy of a rule.
type RuleType string

const (
	// RuleHash matches the exact issue fingerprint.
	RuleHash RuleType = "hash"
	// RuleIssuer matches the detector name exactly.
	RuleIssuer RuleType = "issuer"
	// RuleFile matches by substring containment on the file path.
	RuleFile RuleType = "file"
	// RuleIP matches the finding's IP address exactly.
	RuleIP RuleType = "ip"
	// RulePattern matches by substring in title or description.
	RulePattern RuleType = "pattern"
	// RuleRegex matches the title against a case-insensitive regex.
	RuleRegex RuleType = "regex"
)

// typeOrder fixes the stable evaluation order across all rule sets.
// Cheaper and more specific types run first; first match wins.
var typeOrder = map[RuleType]int{
	RuleHash:    0,
	RuleIssuer:  1,
	RuleFile:    2,
	RuleIP:      3,
	RulePattern: 4,
	RuleRegex:   5,
}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	_, ok := typeOrder[t]
	return ok
}

// Rule is one persisted suppression directive.
type Rule struct {
	ID         string    `json:"id"`
	Type       RuleType  `json:"rule_type"`
	Value      string    `json:"rule_value"`
	Issuer     string    `json:"issuer_name,omitempty"`
	IssueType  string    `json:"issue_type,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Active     bool      `json:"is_active"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	UsageCount int64     `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Live reports whether the rule should be considered at the given time.
// Expired rules are treated as inactive without being deleted.
func (r *Rule) Live(now time.Time) bool {
	if !r.Active {
		return false
	}
	if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Validate checks a rule before persistence.
func (r *Rule) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("invalid rule type %q", r.Type)
	}
	if r.Value == "" {
		return fmt.Errorf("rule value is required")
	}
	return nil
}
