// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package finding

import "testing"

func TestDefaultClassifier(t *testing.T) {
	classifier := DefaultClassifier()

	tests := []struct {
		name         string
		finding      Finding
		wantSeverity Severity
		wantType     IssueType
	}{
		{
			name:         "malware keyword",
			finding:      Finding{Message: "Malware signature matched in uploads/shell.php"},
			wantSeverity: SeverityCritical,
			wantType:     TypeMalware,
		},
		{
			name:         "failed login",
			finding:      Finding{Message: "Failed login for admin from 1.2.3.4"},
			wantSeverity: SeverityHigh,
			wantType:     TypeBruteForce,
		},
		{
			name:         "file modified",
			finding:      Finding{Message: "Core file modified: wp-load.php"},
			wantSeverity: SeverityHigh,
			wantType:     TypeFileTampering,
		},
		{
			name:         "redirect in description",
			finding:      Finding{Message: "Header anomaly", Description: "suspicious redirect to evil.example"},
			wantSeverity: SeverityMedium,
			wantType:     TypeSuspiciousRedirect,
		},
		{
			name:         "no keyword defaults to medium generic",
			finding:      Finding{Message: "Something happened"},
			wantSeverity: SeverityMedium,
			wantType:     TypeGeneric,
		},
		{
			name: "detector tags win over heuristics",
			finding: Finding{
				Message:  "Malware signature matched",
				Severity: SeverityLow,
				Type:     TypeGeneric,
			},
			wantSeverity: SeverityLow,
			wantType:     TypeGeneric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			severity, issueType := classifier(&tt.finding)
			if severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", severity, tt.wantSeverity)
			}
			if issueType != tt.wantType {
				t.Errorf("type = %s, want %s", issueType, tt.wantType)
			}
		})
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityCritical.Rank() <= SeverityHigh.Rank() {
		t.Error("critical should outrank high")
	}
	if SeverityLow.Rank() <= Severity("bogus").Rank() {
		t.Error("low should outrank unknown")
	}
	if Severity("bogus").Valid() {
		t.Error("unknown severity should not be valid")
	}
}
