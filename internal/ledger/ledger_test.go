// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/ignore"
)

// memStore is an in-memory IssueStore keyed by line_code_hash.
type memStore struct {
	nextID  int64
	byHash  map[string]*Issue
	byID    map[int64]*Issue
	failOn  string
	ignored map[int64]string
}

func newMemStore() *memStore {
	return &memStore{
		byHash:  make(map[string]*Issue),
		byID:    make(map[int64]*Issue),
		ignored: make(map[int64]string),
	}
}

func (m *memStore) Upsert(_ context.Context, issue *Issue) (int64, bool, error) {
	if m.failOn == "upsert" {
		return 0, false, errors.New("disk full")
	}
	if existing, ok := m.byHash[issue.LineCodeHash]; ok {
		existing.DetectionCount++
		existing.LastDetected = issue.LastDetected
		return existing.ID, false, nil
	}
	m.nextID++
	stored := *issue
	stored.ID = m.nextID
	stored.Status = StatusNew
	stored.DetectionCount = 1
	stored.FirstDetected = issue.LastDetected
	m.byHash[issue.LineCodeHash] = &stored
	m.byID[stored.ID] = &stored
	return stored.ID, true, nil
}

func (m *memStore) GetIssue(_ context.Context, id int64) (*Issue, error) {
	return m.byID[id], nil
}

func (m *memStore) ListIssues(_ context.Context, _ Filter) ([]Issue, error) {
	var out []Issue
	for _, issue := range m.byID {
		out = append(out, *issue)
	}
	return out, nil
}

func (m *memStore) CountIssues(_ context.Context, _ Filter) (int, error) {
	return len(m.byID), nil
}

func (m *memStore) MarkViewed(_ context.Context, id int64, actor string) error {
	m.byID[id].ViewedBy = actor
	m.byID[id].ViewedAt = time.Now()
	return nil
}

func (m *memStore) UnmarkViewed(_ context.Context, id int64) error {
	m.byID[id].ViewedBy = ""
	m.byID[id].ViewedAt = time.Time{}
	return nil
}

func (m *memStore) SetIgnored(_ context.Context, id int64, reason, actor string) error {
	issue, ok := m.byID[id]
	if !ok {
		return errors.New("not found")
	}
	issue.Status = StatusIgnored
	issue.IsIgnored = true
	issue.IgnoredBy = actor
	issue.IgnoreReason = reason
	m.ignored[id] = reason
	return nil
}

func (m *memStore) Resolve(_ context.Context, id int64, notes, actor string) error {
	issue := m.byID[id]
	issue.Status = StatusResolved
	issue.ResolvedBy = actor
	issue.ResolutionNotes = notes
	return nil
}

func (m *memStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for id, issue := range m.byID {
		if !issue.LastDetected.Before(cutoff) {
			continue
		}
		if issue.Status != StatusResolved && issue.Status != StatusIgnored {
			continue
		}
		delete(m.byID, id)
		delete(m.byHash, issue.LineCodeHash)
		removed++
	}
	return removed, nil
}

type stubSuppressor struct {
	suppress bool
	err      error
	calls    int
}

func (s *stubSuppressor) IsSuppressed(_ context.Context, _ string, _ *finding.Finding, _ string) (bool, error) {
	s.calls++
	return s.suppress, s.err
}

type stubRuleCreator struct {
	created []*ignore.Rule
}

func (s *stubRuleCreator) CreateRule(_ context.Context, rule *ignore.Rule) error {
	rule.ID = "rule-1"
	s.created = append(s.created, rule)
	return nil
}

func newTestLedger(store IssueStore, sup Suppressor) *Ledger {
	return New(store, sup, &stubRuleCreator{}, NewFingerprinter(), nil)
}

func TestRecordCreatesThenIncrements(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, &stubSuppressor{})
	ctx := context.Background()

	f := &finding.Finding{
		Message:   "Core file modified: kernel.go",
		Backtrace: []finding.Frame{{File: "/app/core/kernel.go", Line: 7}},
	}

	first, err := l.Record(ctx, "file-integrity", f)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !first.Created || first.Suppressed {
		t.Fatalf("first record = %+v, want created", first)
	}

	second, err := l.Record(ctx, "file-integrity", f)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.Created {
		t.Error("re-detection must not create a new row")
	}
	if second.IssueID != first.IssueID {
		t.Errorf("re-detection id = %d, want %d", second.IssueID, first.IssueID)
	}

	issue := store.byID[first.IssueID]
	if issue.DetectionCount != 2 {
		t.Errorf("detection_count = %d, want 2", issue.DetectionCount)
	}
	if len(store.byID) != 1 {
		t.Errorf("expected one issue row, got %d", len(store.byID))
	}
}

func TestRecordSuppressionIsTotal(t *testing.T) {
	store := newMemStore()
	sup := &stubSuppressor{suppress: true}
	l := newTestLedger(store, sup)

	res, err := l.Record(context.Background(), "file-integrity", &finding.Finding{Message: "x"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !res.Suppressed {
		t.Fatal("expected suppression")
	}
	if res.IssueID != 0 || res.Created {
		t.Errorf("suppressed result must carry no issue: %+v", res)
	}
	if len(store.byID) != 0 {
		t.Error("suppression must not write any row")
	}
}

func TestRecordClassifiesUntaggedFindings(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, &stubSuppressor{})

	res, err := l.Record(context.Background(), "malware-signature", &finding.Finding{Message: "Malware signature matched"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	issue := store.byID[res.IssueID]
	if issue.Severity != finding.SeverityCritical {
		t.Errorf("severity = %s, want critical", issue.Severity)
	}
	if issue.Type != finding.TypeMalware {
		t.Errorf("type = %s, want malware", issue.Type)
	}
}

func TestRecordPersistenceFailurePropagates(t *testing.T) {
	store := newMemStore()
	store.failOn = "upsert"
	l := newTestLedger(store, &stubSuppressor{})

	if _, err := l.Record(context.Background(), "d", &finding.Finding{Message: "x"}); err == nil {
		t.Fatal("persistence failure must propagate to the caller")
	}
}

func TestRecordSuppressorErrorPropagates(t *testing.T) {
	l := newTestLedger(newMemStore(), &stubSuppressor{err: errors.New("rules unavailable")})

	if _, err := l.Record(context.Background(), "d", &finding.Finding{Message: "x"}); err == nil {
		t.Fatal("suppressor failure must propagate")
	}
}

func TestCreateIgnoreRuleFromIssue(t *testing.T) {
	store := newMemStore()
	rules := &stubRuleCreator{}
	l := New(store, &stubSuppressor{}, rules, NewFingerprinter(), nil)
	ctx := context.Background()

	res, err := l.Record(ctx, "login-failure", &finding.Finding{
		Message:   "Failed login for admin",
		IPAddress: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	rule, err := l.CreateIgnoreRuleFromIssue(ctx, res.IssueID, ignore.RuleIP, "ops", RuleOptions{Comment: "office NAT"})
	if err != nil {
		t.Fatalf("CreateIgnoreRuleFromIssue: %v", err)
	}
	if rule.Value != "203.0.113.9" {
		t.Errorf("rule value = %q, want issue IP", rule.Value)
	}
	if !rule.Active {
		t.Error("derived rule must be active")
	}

	issue := store.byID[res.IssueID]
	if issue.Status != StatusIgnored || !issue.IsIgnored {
		t.Error("source issue must be ignored immediately")
	}
}

func TestCreateIgnoreRuleFromIssueMissingAttribute(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubSuppressor{}, &stubRuleCreator{}, NewFingerprinter(), nil)
	ctx := context.Background()

	res, err := l.Record(ctx, "d", &finding.Finding{Message: "no ip here"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := l.CreateIgnoreRuleFromIssue(ctx, res.IssueID, ignore.RuleIP, "ops", RuleOptions{}); err == nil {
		t.Error("deriving an ip rule from an issue without an IP must fail")
	}
}

func TestCleanup(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, &stubSuppressor{})
	ctx := context.Background()

	staleResolved := &finding.Finding{Message: "stale resolved", DetectedAt: time.Now().Add(-60 * 24 * time.Hour)}
	staleOpen := &finding.Finding{Message: "stale but unacknowledged", DetectedAt: time.Now().Add(-60 * 24 * time.Hour)}
	fresh := &finding.Finding{Message: "fresh"}

	res, err := l.Record(ctx, "d", staleResolved)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Resolve(ctx, res.IssueID, "patched", "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Record(ctx, "d", staleOpen); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Record(ctx, "d", fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := l.Cleanup(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(store.byID) != 2 {
		t.Errorf("remaining = %d, want 2", len(store.byID))
	}
	for _, issue := range store.byID {
		if issue.Status == StatusResolved {
			t.Error("aged resolved issue survived the purge")
		}
	}
}
