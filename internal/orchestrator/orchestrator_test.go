// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/forensics"
	"github.com/vigilsec/vigil/internal/ledger"
)

// fakeDetector is a scriptable detector for orchestrator tests.
type fakeDetector struct {
	name     string
	class    finding.IssuerClass
	priority int
	enabled  bool
	findings []finding.Finding
	err      error
	calls    int
}

func (d *fakeDetector) Name() string                                       { return d.name }
func (d *fakeDetector) Class() finding.IssuerClass                         { return d.class }
func (d *fakeDetector) Priority() int                                      { return d.priority }
func (d *fakeDetector) Configure(json.RawMessage) error                    { return nil }
func (d *fakeDetector) Enabled() bool                                      { return d.enabled }
func (d *fakeDetector) SetEnabled(enabled bool)                            { d.enabled = enabled }
func (d *fakeDetector) Detect(context.Context) ([]finding.Finding, error) {
	d.calls++
	return d.findings, d.err
}

// fakeRecorder scripts ledger outcomes per issuer.
type fakeRecorder struct {
	mu       sync.Mutex
	results  map[string]*ledger.RecordResult
	err      error
	recorded []string
	nextID   int64
	seen     map[string]int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{results: make(map[string]*ledger.RecordResult), seen: make(map[string]int64)}
}

func (r *fakeRecorder) Record(_ context.Context, issuer string, f *finding.Finding) (*ledger.RecordResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.recorded = append(r.recorded, issuer+":"+f.Message)

	if res, ok := r.results[issuer]; ok {
		return res, nil
	}

	// Default behavior: dedup by issuer+message like the real ledger.
	key := issuer + "|" + f.Message
	if id, ok := r.seen[key]; ok {
		return &ledger.RecordResult{IssueID: id}, nil
	}
	r.nextID++
	r.seen[key] = r.nextID
	return &ledger.RecordResult{IssueID: r.nextID, Created: true}, nil
}

func (r *fakeRecorder) Get(_ context.Context, id int64) (*ledger.Issue, error) {
	return &ledger.Issue{ID: id, Status: ledger.StatusNew}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	issues []int64
	err    error
}

func (n *fakeNotifier) NotifyIssue(_ context.Context, issueID int64, _ string, _ *finding.Finding) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.issues = append(n.issues, issueID)
	return nil
}

func testConfig() Config {
	return Config{MinRunInterval: 0, SynthesizeDetectorErrors: true}
}

func TestRunOncePriorityOrder(t *testing.T) {
	rec := newFakeRecorder()
	o := New(testConfig(), rec, nil)

	o.Register(&fakeDetector{name: "late", class: finding.ClassScan, priority: 20, enabled: true,
		findings: []finding.Finding{{Message: "b"}}})
	o.Register(&fakeDetector{name: "early", class: finding.ClassScan, priority: 5, enabled: true,
		findings: []finding.Finding{{Message: "a"}}})

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(rec.recorded) != 2 || !strings.HasPrefix(rec.recorded[0], "early:") {
		t.Errorf("expected priority order, got %v", rec.recorded)
	}
}

func TestRunOnceSkipsDisabled(t *testing.T) {
	rec := newFakeRecorder()
	o := New(testConfig(), rec, nil)

	disabled := &fakeDetector{name: "off", class: finding.ClassScan, enabled: false,
		findings: []finding.Finding{{Message: "x"}}}
	o.Register(disabled)

	stats, err := o.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if disabled.calls != 0 {
		t.Error("disabled detector must not be invoked")
	}
	if stats.DetectorsRun != 0 {
		t.Errorf("detectors run = %d, want 0", stats.DetectorsRun)
	}
}

func TestRunOnceDetectorFailureIsolation(t *testing.T) {
	rec := newFakeRecorder()
	o := New(testConfig(), rec, nil)

	o.Register(&fakeDetector{name: "broken", class: finding.ClassScan, priority: 1, enabled: true,
		err: errors.New("backend down")})
	o.Register(&fakeDetector{name: "healthy", class: finding.ClassScan, priority: 2, enabled: true,
		findings: []finding.Finding{{Message: "ok"}}})

	stats, err := o.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.DetectorsFailed != 1 {
		t.Errorf("failed = %d, want 1", stats.DetectorsFailed)
	}

	// The healthy detector still ran, and the broken one produced a
	// synthesized system_error record.
	var sawHealthy, sawError bool
	for _, r := range rec.recorded {
		if strings.HasPrefix(r, "healthy:") {
			sawHealthy = true
		}
		if strings.Contains(r, "Detector error: broken") {
			sawError = true
		}
	}
	if !sawHealthy {
		t.Error("detector failure must not abort the run")
	}
	if !sawError {
		t.Error("expected synthesized detector error record")
	}
}

type panicDetector struct {
	fakeDetector
}

func (d *panicDetector) Detect(context.Context) ([]finding.Finding, error) {
	panic("nil map write in plug-in")
}

func TestRunOnceRecoversDetectorPanic(t *testing.T) {
	rec := newFakeRecorder()
	o := New(testConfig(), rec, nil)

	o.Register(&panicDetector{fakeDetector{name: "wild", class: finding.ClassScan, priority: 1, enabled: true}})
	o.Register(&fakeDetector{name: "healthy", class: finding.ClassScan, priority: 2, enabled: true,
		findings: []finding.Finding{{Message: "ok"}}})

	stats, err := o.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.DetectorsFailed != 1 {
		t.Errorf("failed = %d, want 1", stats.DetectorsFailed)
	}

	var sawHealthy, sawPanic bool
	for _, r := range rec.recorded {
		if strings.HasPrefix(r, "healthy:") {
			sawHealthy = true
		}
		if strings.Contains(r, "Detector error: wild") {
			sawPanic = true
		}
	}
	if !sawHealthy {
		t.Error("panic must not abort the run")
	}
	if !sawPanic {
		t.Error("expected synthesized record for the panicking detector")
	}
}

func TestCadenceTriggerNotifiesEveryOccurrence(t *testing.T) {
	rec := newFakeRecorder()
	notifier := &fakeNotifier{}
	o := New(testConfig(), rec, notifier)

	d := &fakeDetector{name: "login-failure", class: finding.ClassTrigger, enabled: true,
		findings: []finding.Finding{{Message: "Failed login for admin"}}}
	o.Register(d)

	ctx := context.Background()
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Second run is a re-detection of the same fingerprint; a trigger
	// detector still notifies.
	if len(notifier.issues) != 2 {
		t.Errorf("trigger notifications = %d, want 2", len(notifier.issues))
	}
	if notifier.issues[0] != notifier.issues[1] {
		t.Error("both notifications must reference the same deduped issue")
	}
}

func TestCadenceScanNotifiesOnlyOnCreate(t *testing.T) {
	rec := newFakeRecorder()
	notifier := &fakeNotifier{}
	o := New(testConfig(), rec, notifier)

	o.Register(&fakeDetector{name: "file-integrity", class: finding.ClassScan, enabled: true,
		findings: []finding.Finding{{Message: "Core file modified"}}})

	ctx := context.Background()
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if len(notifier.issues) != 1 {
		t.Errorf("scan notifications = %d, want 1 (create only)", len(notifier.issues))
	}
}

func TestSuppressedFindingNeverNotifies(t *testing.T) {
	rec := newFakeRecorder()
	rec.results["quiet"] = &ledger.RecordResult{Suppressed: true}
	notifier := &fakeNotifier{}
	o := New(testConfig(), rec, notifier)

	o.Register(&fakeDetector{name: "quiet", class: finding.ClassTrigger, enabled: true,
		findings: []finding.Finding{{Message: "x"}}})

	stats, err := o.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", stats.Suppressed)
	}
	if len(notifier.issues) != 0 {
		t.Error("suppressed findings must never notify")
	}
}

func TestThrottleBlocksRapidRetriggers(t *testing.T) {
	rec := newFakeRecorder()
	cfg := Config{MinRunInterval: time.Hour}
	o := New(cfg, rec, nil)

	d := &fakeDetector{name: "d", class: finding.ClassScan, enabled: true}
	o.Register(d)

	ctx := context.Background()
	first, err := o.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Throttled {
		t.Fatal("first run must not be throttled")
	}

	second, err := o.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Throttled {
		t.Error("rapid re-trigger must be throttled")
	}
	if d.calls != 1 {
		t.Errorf("detector calls = %d, want 1", d.calls)
	}
}

func TestRunOnceCancellationBetweenDetectors(t *testing.T) {
	rec := newFakeRecorder()
	o := New(testConfig(), rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeDetector{name: "first", class: finding.ClassScan, priority: 1, enabled: true}
	second := &fakeDetector{name: "second", class: finding.ClassScan, priority: 2, enabled: true}

	o.Register(first)
	o.Register(second)
	cancel()

	if _, err := o.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if first.calls != 0 || second.calls != 0 {
		t.Error("pre-cancelled run must not invoke any detector")
	}
}

func TestRecordFailureContinuesRun(t *testing.T) {
	rec := newFakeRecorder()
	rec.err = errors.New("db write failed")
	o := New(testConfig(), rec, nil)

	o.Register(&fakeDetector{name: "d", class: finding.ClassScan, enabled: true,
		findings: []finding.Finding{{Message: "a"}, {Message: "b"}}})

	stats, err := o.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("persistence failure must be fatal per finding, not per run: %v", err)
	}
	if stats.Findings != 2 {
		t.Errorf("findings = %d, want 2", stats.Findings)
	}
	if stats.Created != 0 {
		t.Errorf("created = %d, want 0", stats.Created)
	}
}

func TestReportRealtimeHybridNotifiesRedetection(t *testing.T) {
	rec := newFakeRecorder()
	notifier := &fakeNotifier{}
	o := New(testConfig(), rec, notifier)

	d := &fakeDetector{name: "hybrid-d", class: finding.ClassHybrid, enabled: true}
	f := &finding.Finding{Message: "same event"}

	ctx := context.Background()
	if _, err := o.ReportRealtime(ctx, d, f, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ReportRealtime(ctx, d, f, nil); err != nil {
		t.Fatal(err)
	}

	if len(notifier.issues) != 2 {
		t.Errorf("realtime hybrid notifications = %d, want 2", len(notifier.issues))
	}
}

type fakeIssueFeed struct {
	mu      sync.Mutex
	created []int64
}

func (f *fakeIssueFeed) BroadcastIssueCreated(issue *ledger.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, issue.ID)
}

func TestCreatedIssuesReachLiveFeed(t *testing.T) {
	rec := newFakeRecorder()
	feed := &fakeIssueFeed{}
	o := New(testConfig(), rec, nil)
	o.SetIssueBroadcaster(feed)

	o.Register(&fakeDetector{name: "file-integrity", class: finding.ClassScan, enabled: true,
		findings: []finding.Finding{{Message: "Core file modified"}}})

	ctx := context.Background()
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Creation broadcasts once; the second run is a re-detection and
	// stays off the feed.
	if len(feed.created) != 1 {
		t.Errorf("feed broadcasts = %d, want 1", len(feed.created))
	}
}

func TestRealtimeCreatedIssueReachesLiveFeed(t *testing.T) {
	rec := newFakeRecorder()
	feed := &fakeIssueFeed{}
	o := New(testConfig(), rec, nil)
	o.SetIssueBroadcaster(feed)

	d := &fakeDetector{name: "login-failure", class: finding.ClassTrigger, enabled: true}
	f := &finding.Finding{Message: "Failed login burst"}

	ctx := context.Background()
	if _, err := o.ReportRealtime(ctx, d, f, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ReportRealtime(ctx, d, f, nil); err != nil {
		t.Fatal(err)
	}

	if len(feed.created) != 1 {
		t.Errorf("feed broadcasts = %d, want 1 (create only)", len(feed.created))
	}
}

func TestNotifiedFindingsCarryForensics(t *testing.T) {
	rec := newFakeRecorder()
	notifier := &fakeNotifier{}
	o := New(testConfig(), rec, notifier)
	o.SetForensics(forensics.NewCollector(forensics.DefaultConfig()))

	d := &fakeDetector{name: "login-failure", class: finding.ClassTrigger, enabled: true}
	f := &finding.Finding{
		Message:   "Failed login burst",
		Backtrace: []finding.Frame{{File: "/plugins/auth/login.go", Line: 12, Function: "Check"}},
	}

	req := &forensics.RequestInfo{
		Method:     "POST",
		URI:        "/wp-login.php",
		RemoteAddr: "203.0.113.9:4411",
		User:       "admin",
	}
	if _, err := o.ReportRealtime(context.Background(), d, f, req); err != nil {
		t.Fatal(err)
	}

	if len(f.Forensic) == 0 {
		t.Fatal("notified trigger finding must carry a forensic snapshot")
	}
	var snap forensics.Context
	if err := json.Unmarshal(f.Forensic, &snap); err != nil {
		t.Fatalf("forensic blob: %v", err)
	}
	if snap.ClientIP != "203.0.113.9" || snap.Caller != "admin" {
		t.Errorf("snapshot = %+v, want client 203.0.113.9 by admin", snap)
	}
	if len(snap.Frames) != 1 || snap.Frames[0].Source != forensics.SourcePlugin {
		t.Errorf("frames = %+v, want one plugin-classified frame", snap.Frames)
	}
}

func TestScanFindingsCollectForensicsOnCreate(t *testing.T) {
	rec := newFakeRecorder()
	notifier := &fakeNotifier{}
	o := New(testConfig(), rec, notifier)

	collector := forensics.NewCollector(forensics.DefaultConfig())
	collector.SetScanEnvironment(map[string]string{"detectors": "file-integrity"})
	o.SetForensics(collector)

	d := &fakeDetector{name: "file-integrity", class: finding.ClassScan, enabled: true,
		findings: []finding.Finding{{Message: "Core file modified"}}}
	o.Register(d)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(d.findings[0].Forensic) == 0 {
		t.Fatal("created scan finding must carry a forensic snapshot")
	}
	var snap forensics.Context
	if err := json.Unmarshal(d.findings[0].Forensic, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Environment["detectors"] != "file-integrity" {
		t.Errorf("environment = %v, want scan metadata", snap.Environment)
	}
	if snap.Execution != forensics.ExecBackground {
		t.Errorf("execution = %q, want background", snap.Execution)
	}
}
