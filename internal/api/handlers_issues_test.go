// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/ignore"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type fakeLedger struct {
	issues     map[int64]*ledger.Issue
	listErr    error
	rules      []*ignore.Rule
	broadcast  int
	lastFilter ledger.Filter
}

func newFakeLedger(issues ...*ledger.Issue) *fakeLedger {
	fl := &fakeLedger{issues: make(map[int64]*ledger.Issue)}
	for _, issue := range issues {
		fl.issues[issue.ID] = issue
	}
	return fl
}

func (f *fakeLedger) Get(_ context.Context, id int64) (*ledger.Issue, error) {
	return f.issues[id], nil
}

func (f *fakeLedger) List(_ context.Context, filter ledger.Filter) ([]ledger.Issue, int, error) {
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var out []ledger.Issue
	for _, issue := range f.issues {
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if issue.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *issue)
	}
	return out, len(out), nil
}

func (f *fakeLedger) MarkViewed(_ context.Context, id int64, actor string) error {
	f.issues[id].ViewedBy = actor
	return nil
}

func (f *fakeLedger) UnmarkViewed(_ context.Context, id int64) error {
	f.issues[id].ViewedBy = ""
	return nil
}

func (f *fakeLedger) Ignore(_ context.Context, id int64, reason, actor string) error {
	issue := f.issues[id]
	issue.Status = ledger.StatusIgnored
	issue.IgnoreReason = reason
	issue.IgnoredBy = actor
	return nil
}

func (f *fakeLedger) Resolve(_ context.Context, id int64, notes, actor string) error {
	issue := f.issues[id]
	issue.Status = ledger.StatusResolved
	issue.ResolutionNotes = notes
	issue.ResolvedBy = actor
	return nil
}

func (f *fakeLedger) CreateIgnoreRuleFromIssue(_ context.Context, id int64, ruleType ignore.RuleType, actor string, opts ledger.RuleOptions) (*ignore.Rule, error) {
	issue, ok := f.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", id)
	}
	rule := &ignore.Rule{
		ID:        "rule-1",
		Type:      ruleType,
		Value:     issue.IssueHash,
		Comment:   opts.Comment,
		Active:    true,
		CreatedBy: actor,
	}
	f.rules = append(f.rules, rule)
	issue.Status = ledger.StatusIgnored
	return rule, nil
}

func (f *fakeLedger) BroadcastIssueUpdated(*ledger.Issue) {
	f.broadcast++
}

func apiIssue(id int64, status ledger.Status) *ledger.Issue {
	return &ledger.Issue{
		ID:        id,
		IssueHash: fmt.Sprintf("hash-%d", id),
		Issuer:    "login-failure",
		Type:      finding.TypeBruteForce,
		Severity:  finding.SeverityHigh,
		Status:    status,
		Title:     "Repeated login failures",
	}
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, target, body string, pathValues map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for key, value := range pathValues {
		req.SetPathValue(key, value)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestIssuesList(t *testing.T) {
	fl := newFakeLedger(apiIssue(1, ledger.StatusNew), apiIssue(2, ledger.StatusResolved))
	h := NewIssueHandlers(fl, fl, 20, 100)

	rec := doRequest(t, h.List, http.MethodGet, "/api/v1/issues?status=new", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Issues []ledger.Issue `json:"issues"`
		Total  int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Issues) != 1 || resp.Issues[0].ID != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestIssuesListExcludesOwnSourcePaths(t *testing.T) {
	fl := newFakeLedger(apiIssue(1, ledger.StatusNew))
	h := NewIssueHandlers(fl, fl, 20, 100, "/vigil/internal/", "/vigil/cmd/")

	rec := doRequest(t, h.List, http.MethodGet, "/api/v1/issues", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got := fl.lastFilter.ExcludePathSubstrings
	if len(got) != 2 || got[0] != "/vigil/internal/" || got[1] != "/vigil/cmd/" {
		t.Errorf("exclude paths = %v, want the configured markers", got)
	}
}

func TestIssuesListRejectsUnknownStatus(t *testing.T) {
	fl := newFakeLedger()
	h := NewIssueHandlers(fl, fl, 20, 100)

	rec := doRequest(t, h.List, http.MethodGet, "/api/v1/issues?status=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIssueGet(t *testing.T) {
	fl := newFakeLedger(apiIssue(7, ledger.StatusNew))
	h := NewIssueHandlers(fl, fl, 20, 100)

	rec := doRequest(t, h.Get, http.MethodGet, "/api/v1/issues/7", "", map[string]string{"id": "7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(t, h.Get, http.MethodGet, "/api/v1/issues/99", "", map[string]string{"id": "99"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing issue status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h.Get, http.MethodGet, "/api/v1/issues/x", "", map[string]string{"id": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestIssueResolveBroadcastsUpdate(t *testing.T) {
	fl := newFakeLedger(apiIssue(3, ledger.StatusNew))
	h := NewIssueHandlers(fl, fl, 20, 100)

	body := `{"notes":"patched","actor":"alice"}`
	rec := doRequest(t, h.Resolve, http.MethodPost, "/api/v1/issues/3/resolve", body, map[string]string{"id": "3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	issue := fl.issues[3]
	if issue.Status != ledger.StatusResolved || issue.ResolvedBy != "alice" || issue.ResolutionNotes != "patched" {
		t.Errorf("issue = %+v", issue)
	}
	if fl.broadcast != 1 {
		t.Errorf("broadcasts = %d, want 1", fl.broadcast)
	}
}

func TestIssueIgnoreDefaultsActor(t *testing.T) {
	fl := newFakeLedger(apiIssue(4, ledger.StatusNew))
	h := NewIssueHandlers(fl, fl, 20, 100)

	rec := doRequest(t, h.Ignore, http.MethodPost, "/api/v1/issues/4/ignore", `{"reason":"noise"}`, map[string]string{"id": "4"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if fl.issues[4].IgnoredBy != "operator" {
		t.Errorf("ignored_by = %s, want operator", fl.issues[4].IgnoredBy)
	}
}

func TestCreateIgnoreRuleFromIssue(t *testing.T) {
	fl := newFakeLedger(apiIssue(5, ledger.StatusNew))
	h := NewIssueHandlers(fl, fl, 20, 100)

	body := `{"rule_type":"hash","comment":"known noise","actor":"bob"}`
	rec := doRequest(t, h.CreateIgnoreRule, http.MethodPost, "/api/v1/issues/5/ignore-rule", body, map[string]string{"id": "5"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	if len(fl.rules) != 1 || fl.rules[0].Type != ignore.RuleHash || fl.rules[0].Value != "hash-5" {
		t.Errorf("rules = %+v", fl.rules)
	}
	if fl.issues[5].Status != ledger.StatusIgnored {
		t.Errorf("issue status = %s, want ignored", fl.issues[5].Status)
	}
}

func TestCreateIgnoreRuleRejectsUnknownType(t *testing.T) {
	fl := newFakeLedger(apiIssue(6, ledger.StatusNew))
	h := NewIssueHandlers(fl, fl, 20, 100)

	rec := doRequest(t, h.CreateIgnoreRule, http.MethodPost, "/api/v1/issues/6/ignore-rule",
		`{"rule_type":"bogus"}`, map[string]string{"id": "6"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
