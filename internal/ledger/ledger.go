// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/ignore"
	"github.com/vigilsec/vigil/internal/logging"
)

// Suppressor decides whether a finding is suppressed by an ignore rule.
type Suppressor interface {
	IsSuppressed(ctx context.Context, issuer string, f *finding.Finding, issueHash string) (bool, error)
}

// RuleCreator persists ignore rules derived from existing issues.
type RuleCreator interface {
	CreateRule(ctx context.Context, rule *ignore.Rule) error
}

// Ledger is the single writer of issue rows. It fingerprints findings,
// consults the suppressor, and deduplicates by call-site hash.
type Ledger struct {
	store       IssueStore
	suppressor  Suppressor
	rules       RuleCreator
	fingerprint *Fingerprinter
	classify    finding.Classifier
	log         zerolog.Logger
}

// New creates a ledger over the given store and suppressor.
func New(store IssueStore, suppressor Suppressor, rules RuleCreator, fp *Fingerprinter, classifier finding.Classifier) *Ledger {
	if classifier == nil {
		classifier = finding.DefaultClassifier()
	}
	return &Ledger{
		store:       store,
		suppressor:  suppressor,
		rules:       rules,
		fingerprint: fp,
		classify:    classifier,
		log:         logging.With().Str("component", "ledger").Logger(),
	}
}

// Record consumes one finding. Suppressed findings write nothing and
// return Suppressed; otherwise the issue row for the finding's
// fingerprint is created or atomically re-counted.
//
// A persistence failure propagates to the caller; the orchestrator
// treats it as fatal for that finding only.
func (l *Ledger) Record(ctx context.Context, issuer string, f *finding.Finding) (*RecordResult, error) {
	issueHash := l.fingerprint.IssueHash(issuer, f)
	lineHash := l.fingerprint.LineCodeHash(issuer, f, issueHash)

	suppressed, err := l.suppressor.IsSuppressed(ctx, issuer, f, issueHash)
	if err != nil {
		return nil, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return &RecordResult{Suppressed: true, IssueHash: issueHash, LineCodeHash: lineHash}, nil
	}

	severity, issueType := l.classify(f)

	detectedAt := f.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	issue := &Issue{
		IssueHash:    issueHash,
		LineCodeHash: lineHash,
		Issuer:       issuer,
		Type:         issueType,
		Severity:     severity,
		Title:        f.Message,
		Description:  f.Description,
		RawPayload:   f.Details,
		Backtrace:    f.Backtrace,
		FilePath:     f.FilePath,
		IPAddress:    f.IPAddress,
		UserAgent:    f.UserAgent,
		LastDetected: detectedAt,
	}

	id, created, err := l.store.Upsert(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("recording issue: %w", err)
	}

	l.log.Debug().
		Int64("issue_id", id).
		Str("issuer", issuer).
		Bool("created", created).
		Str("severity", string(severity)).
		Msg("finding recorded")

	return &RecordResult{
		IssueID:      id,
		Created:      created,
		IssueHash:    issueHash,
		LineCodeHash: lineHash,
	}, nil
}

// Get retrieves a single issue.
func (l *Ledger) Get(ctx context.Context, id int64) (*Issue, error) {
	return l.store.GetIssue(ctx, id)
}

// List retrieves issues matching the filter, newest detections first by
// default.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]Issue, int, error) {
	issues, err := l.store.ListIssues(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := l.store.CountIssues(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return issues, total, nil
}

// MarkViewed records that the actor has seen the issue.
func (l *Ledger) MarkViewed(ctx context.Context, id int64, actor string) error {
	return l.store.MarkViewed(ctx, id, actor)
}

// UnmarkViewed clears the viewed stamp.
func (l *Ledger) UnmarkViewed(ctx context.Context, id int64) error {
	return l.store.UnmarkViewed(ctx, id)
}

// Ignore transitions the issue to ignored.
func (l *Ledger) Ignore(ctx context.Context, id int64, reason, actor string) error {
	return l.store.SetIgnored(ctx, id, reason, actor)
}

// Resolve transitions the issue to resolved.
func (l *Ledger) Resolve(ctx context.Context, id int64, notes, actor string) error {
	return l.store.Resolve(ctx, id, notes, actor)
}

// RuleOptions tunes an ignore rule derived from an issue.
type RuleOptions struct {
	Comment   string
	ExpiresAt time.Time
	// ScopeToIssuer restricts non-issuer rules to the issue's detector.
	ScopeToIssuer bool
}

// CreateIgnoreRuleFromIssue derives a suppression rule from an existing
// issue's attributes and immediately marks the issue ignored, so future
// matches never reach the ledger.
func (l *Ledger) CreateIgnoreRuleFromIssue(ctx context.Context, id int64, ruleType ignore.RuleType, actor string, opts RuleOptions) (*ignore.Rule, error) {
	issue, err := l.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, fmt.Errorf("issue %d not found", id)
	}

	value, err := ruleValueFromIssue(issue, ruleType)
	if err != nil {
		return nil, err
	}

	rule := &ignore.Rule{
		Type:      ruleType,
		Value:     value,
		Comment:   opts.Comment,
		Active:    true,
		ExpiresAt: opts.ExpiresAt,
		CreatedBy: actor,
	}
	if opts.ScopeToIssuer && ruleType != ignore.RuleIssuer {
		rule.Issuer = issue.Issuer
	}

	if err := l.rules.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("creating ignore rule: %w", err)
	}

	reason := fmt.Sprintf("ignore rule %s created", rule.ID)
	if err := l.store.SetIgnored(ctx, id, reason, actor); err != nil {
		return nil, fmt.Errorf("ignoring source issue: %w", err)
	}

	l.log.Info().
		Int64("issue_id", id).
		Str("rule_id", rule.ID).
		Str("rule_type", string(ruleType)).
		Str("actor", actor).
		Msg("ignore rule created from issue")

	return rule, nil
}

func ruleValueFromIssue(issue *Issue, ruleType ignore.RuleType) (string, error) {
	switch ruleType {
	case ignore.RuleHash:
		return issue.IssueHash, nil
	case ignore.RuleIssuer:
		return issue.Issuer, nil
	case ignore.RuleFile:
		if issue.FilePath == "" {
			return "", fmt.Errorf("issue has no file path for a file rule")
		}
		return issue.FilePath, nil
	case ignore.RuleIP:
		if issue.IPAddress == "" {
			return "", fmt.Errorf("issue has no IP address for an ip rule")
		}
		return issue.IPAddress, nil
	case ignore.RulePattern:
		return issue.Title, nil
	default:
		return "", fmt.Errorf("cannot derive %q rule from an issue", ruleType)
	}
}

// Cleanup deletes resolved and ignored issues last detected before now
// minus maxAge. Open issues stay until an operator acts on them.
func (l *Ledger) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	removed, err := l.store.PurgeOlderThan(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		l.log.Info().Int64("removed", removed).Dur("max_age", maxAge).Msg("purged aged issues")
	}
	return removed, nil
}
