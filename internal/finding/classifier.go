// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package finding

import "strings"

// Classifier infers severity and type for findings whose detector did not
// tag them. It is a heuristic over the message text, not a contract;
// detectors that supply structured tags bypass it entirely.
type Classifier func(f *Finding) (Severity, IssueType)

// DefaultClassifier returns the built-in substring classifier.
func DefaultClassifier() Classifier {
	return classify
}

// severityPatterns maps message substrings to severities, checked in
// order of decreasing severity so the strongest signal wins.
var severityPatterns = []struct {
	severity Severity
	keywords []string
}{
	{SeverityCritical, []string{"malware", "backdoor", "webshell", "remote code", "privilege escalation", "injection"}},
	{SeverityHigh, []string{"brute force", "failed login", "tamper", "modified core", "redirect", "eval("}},
	{SeverityMedium, []string{"suspicious", "unexpected", "changed", "anomal"}},
	{SeverityLow, []string{"deprecated", "notice", "info"}},
}

var typePatterns = []struct {
	issueType IssueType
	keywords  []string
}{
	{TypeBruteForce, []string{"brute force", "failed login", "login attempt"}},
	{TypeMalware, []string{"malware", "backdoor", "webshell", "signature", "eval("}},
	{TypeFileTampering, []string{"modified", "tamper", "integrity", "checksum"}},
	{TypeSuspiciousRedirect, []string{"redirect"}},
	{TypePrivilegeEscalation, []string{"privilege", "escalation", "role change", "capability"}},
	{TypeSystemError, []string{"detector error", "system error"}},
}

func classify(f *Finding) (Severity, IssueType) {
	severity := f.Severity
	issueType := f.Type

	text := strings.ToLower(f.Message + " " + f.Description)

	if !severity.Valid() {
		severity = SeverityMedium
		for _, p := range severityPatterns {
			if containsAny(text, p.keywords) {
				severity = p.severity
				break
			}
		}
	}

	if issueType == "" {
		issueType = TypeGeneric
		for _, p := range typePatterns {
			if containsAny(text, p.keywords) {
				issueType = p.issueType
				break
			}
		}
	}

	return severity, issueType
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
