// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDetectorRun(t *testing.T) {
	tests := []struct {
		name     string
		detector string
		findings int
		err      error
		result   string
	}{
		{"successful run", "login-failure", 3, nil, "ok"},
		{"empty run", "file-integrity", 0, nil, "ok"},
		{"failed run", "malware-signature", 0, errors.New("scan dir missing"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(DetectorInvocations.WithLabelValues(tt.detector, tt.result))
			RecordDetectorRun(tt.detector, 10*time.Millisecond, tt.findings, tt.err)
			after := testutil.ToFloat64(DetectorInvocations.WithLabelValues(tt.detector, tt.result))
			if after != before+1 {
				t.Errorf("invocation counter %s/%s = %v, want %v", tt.detector, tt.result, after, before+1)
			}
		})
	}
}

func TestRecordIssueOutcome(t *testing.T) {
	created := testutil.ToFloat64(IssuesCreated.WithLabelValues("d1", "high"))
	RecordIssueOutcome("d1", "high", true, false)
	if got := testutil.ToFloat64(IssuesCreated.WithLabelValues("d1", "high")); got != created+1 {
		t.Errorf("created counter = %v, want %v", got, created+1)
	}

	redetected := testutil.ToFloat64(IssuesRedetected.WithLabelValues("d1"))
	RecordIssueOutcome("d1", "high", false, false)
	if got := testutil.ToFloat64(IssuesRedetected.WithLabelValues("d1")); got != redetected+1 {
		t.Errorf("redetected counter = %v, want %v", got, redetected+1)
	}

	suppressed := testutil.ToFloat64(FindingsSuppressed.WithLabelValues("d1"))
	RecordIssueOutcome("d1", "high", false, true)
	if got := testutil.ToFloat64(FindingsSuppressed.WithLabelValues("d1")); got != suppressed+1 {
		t.Errorf("suppressed counter = %v, want %v", got, suppressed+1)
	}
}

func TestRecordNotificationAttempt(t *testing.T) {
	before := testutil.ToFloat64(NotificationAttempts.WithLabelValues("discord", "sent"))
	RecordNotificationAttempt("discord", "sent", 50*time.Millisecond)
	if got := testutil.ToFloat64(NotificationAttempts.WithLabelValues("discord", "sent")); got != before+1 {
		t.Errorf("attempt counter = %v, want %v", got, before+1)
	}
}

func TestUpdateQueueDepth(t *testing.T) {
	UpdateQueueDepth(map[string]int64{"pending": 5, "retry": 2})
	if got := testutil.ToFloat64(NotificationQueueDepth.WithLabelValues("pending")); got != 5 {
		t.Errorf("pending depth = %v, want 5", got)
	}
	if got := testutil.ToFloat64(NotificationQueueDepth.WithLabelValues("retry")); got != 2 {
		t.Errorf("retry depth = %v, want 2", got)
	}
}

func TestRecordDBQuery(t *testing.T) {
	errBefore := testutil.ToFloat64(DBQueryErrors.WithLabelValues("SELECT", "issues"))
	RecordDBQuery("SELECT", "issues", 5*time.Millisecond, nil)
	if got := testutil.ToFloat64(DBQueryErrors.WithLabelValues("SELECT", "issues")); got != errBefore {
		t.Error("successful query must not increment error counter")
	}

	RecordDBQuery("SELECT", "issues", 5*time.Millisecond, errors.New("io error"))
	if got := testutil.ToFloat64(DBQueryErrors.WithLabelValues("SELECT", "issues")); got != errBefore+1 {
		t.Error("failed query must increment error counter")
	}
}

func TestTrackActiveRequest(t *testing.T) {
	base := testutil.ToFloat64(APIActiveRequests)
	TrackActiveRequest(true)
	if got := testutil.ToFloat64(APIActiveRequests); got != base+1 {
		t.Errorf("active requests = %v, want %v", got, base+1)
	}
	TrackActiveRequest(false)
	if got := testutil.ToFloat64(APIActiveRequests); got != base {
		t.Errorf("active requests = %v, want %v", got, base)
	}
}
