// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package ignore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/logging"
)

// RuleSource provides the live rule set and records rule usage.
type RuleSource interface {
	// ActiveRules returns rules that are active and not expired.
	ActiveRules(ctx context.Context) ([]Rule, error)

	// RecordUse increments usage_count and stamps last_used_at.
	RecordUse(ctx context.Context, ruleID string) error
}

// Matcher evaluates findings against the rule set in stable type order.
// The first matching rule wins; no rule stacking.
type Matcher struct {
	source RuleSource
	log    zerolog.Logger

	mu sync.Mutex
	// regexCache maps rule values to compiled patterns. A nil entry
	// marks a pattern that failed to compile, so it is skipped without
	// recompiling on every pass.
	regexCache map[string]*regexp.Regexp
}

// NewMatcher creates a matcher backed by the given rule source.
func NewMatcher(source RuleSource) *Matcher {
	return &Matcher{
		source:     source,
		log:        logging.With().Str("component", "ignore").Logger(),
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// IsSuppressed reports whether the finding matches an active rule.
// On a match the rule's usage counter is incremented; a failure to record
// usage is logged but does not affect the suppression decision.
func (m *Matcher) IsSuppressed(ctx context.Context, issuer string, f *finding.Finding, issueHash string) (bool, error) {
	rules, err := m.source.ActiveRules(ctx)
	if err != nil {
		return false, fmt.Errorf("loading ignore rules: %w", err)
	}
	if len(rules) == 0 {
		return false, nil
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return typeOrder[rules[i].Type] < typeOrder[rules[j].Type]
	})

	now := time.Now().UTC()
	for i := range rules {
		rule := &rules[i]
		if !rule.Live(now) {
			continue
		}
		if !m.scopeMatches(rule, issuer, f) {
			continue
		}
		if !m.valueMatches(rule, issuer, f, issueHash) {
			continue
		}

		if err := m.source.RecordUse(ctx, rule.ID); err != nil {
			m.log.Warn().Err(err).Str("rule_id", rule.ID).Msg("failed to record ignore rule usage")
		}
		m.log.Debug().
			Str("rule_id", rule.ID).
			Str("rule_type", string(rule.Type)).
			Str("issuer", issuer).
			Msg("finding suppressed by ignore rule")
		return true, nil
	}

	return false, nil
}

// scopeMatches checks the optional issuer/type restrictions that narrow
// a rule to a subset of findings.
func (m *Matcher) scopeMatches(rule *Rule, issuer string, f *finding.Finding) bool {
	if rule.Issuer != "" && rule.Type != RuleIssuer && rule.Issuer != issuer {
		return false
	}
	if rule.IssueType != "" && f.Type != "" && string(f.Type) != rule.IssueType {
		return false
	}
	return true
}

func (m *Matcher) valueMatches(rule *Rule, issuer string, f *finding.Finding, issueHash string) bool {
	switch rule.Type {
	case RuleHash:
		return rule.Value == issueHash
	case RuleIssuer:
		return rule.Value == issuer
	case RuleFile:
		return f.FilePath != "" && strings.Contains(f.FilePath, rule.Value)
	case RuleIP:
		return f.IPAddress != "" && f.IPAddress == rule.Value
	case RulePattern:
		needle := strings.ToLower(rule.Value)
		return strings.Contains(strings.ToLower(f.Message), needle) ||
			strings.Contains(strings.ToLower(f.Description), needle)
	case RuleRegex:
		re := m.compiled(rule)
		if re == nil {
			return false
		}
		return re.MatchString(f.Message)
	default:
		return false
	}
}

// compiled returns the cached case-insensitive pattern for a regex rule,
// or nil if the pattern is malformed. A malformed rule never aborts the
// evaluation of other rules or findings.
func (m *Matcher) compiled(rule *Rule) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()

	re, seen := m.regexCache[rule.Value]
	if seen {
		return re
	}

	re, err := regexp.Compile("(?i)" + rule.Value)
	if err != nil {
		m.log.Warn().Err(err).Str("rule_id", rule.ID).Msg("skipping malformed regex ignore rule")
		re = nil
	}
	m.regexCache[rule.Value] = re
	return re
}
