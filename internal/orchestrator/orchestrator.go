// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package orchestrator drives detection runs: it invokes each enabled
// detector in priority order, feeds findings through the ledger, and
// applies the notification cadence policy.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/forensics"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/metrics"
)

// Recorder is the ledger surface the orchestrator needs.
type Recorder interface {
	Record(ctx context.Context, issuer string, f *finding.Finding) (*ledger.RecordResult, error)
	Get(ctx context.Context, id int64) (*ledger.Issue, error)
}

// IssueBroadcaster pushes newly created issues to the live feed.
type IssueBroadcaster interface {
	BroadcastIssueCreated(issue *ledger.Issue)
}

// Notifier enqueues a notification for a recorded issue. Implementations
// must not block on delivery; actual sending happens in the dispatch
// queue's own processing pass.
type Notifier interface {
	NotifyIssue(ctx context.Context, issueID int64, issuer string, f *finding.Finding) error
}

// RunStats summarizes one orchestrator run.
type RunStats struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	DetectorsRun    int           `json:"detectors_run"`
	DetectorsFailed int           `json:"detectors_failed"`
	Findings        int           `json:"findings"`
	Created         int           `json:"created"`
	Redetected      int           `json:"redetected"`
	Suppressed      int           `json:"suppressed"`
	Notified        int           `json:"notified"`
	Throttled       bool          `json:"throttled"`
}

// Config tunes orchestrator behavior.
type Config struct {
	// MinRunInterval throttles back-to-back runs. A run starting less
	// than this after the previous run's start is skipped.
	MinRunInterval time.Duration

	// SynthesizeDetectorErrors records a system_error issue when a
	// detector invocation fails, so detector health is visible in the
	// ledger itself.
	SynthesizeDetectorErrors bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinRunInterval:           30 * time.Second,
		SynthesizeDetectorErrors: true,
	}
}

// Orchestrator coordinates detectors, the ledger, and notification
// dispatch. One run is active at a time; overlapping triggers are
// rejected by the active guard, rapid re-triggers by the throttle.
type Orchestrator struct {
	cfg       Config
	recorder  Recorder
	notifier  Notifier
	collector *forensics.Collector
	feed      IssueBroadcaster
	log       zerolog.Logger

	mu        sync.Mutex
	detectors []finding.Detector
	running   bool
	lastRun   time.Time
}

// New creates an orchestrator. The notifier may be nil for deployments
// without any notification channel.
func New(cfg Config, recorder Recorder, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		recorder: recorder,
		notifier: notifier,
		log:      logging.With().Str("component", "orchestrator").Logger(),
	}
}

// SetForensics attaches a context collector. Findings that reach the
// notification path get a forensic snapshot; without a collector they
// go out bare.
func (o *Orchestrator) SetForensics(c *forensics.Collector) {
	o.collector = c
}

// SetIssueBroadcaster attaches a live feed. Newly created issues are
// pushed to it; re-detections and suppressed findings are not.
func (o *Orchestrator) SetIssueBroadcaster(b IssueBroadcaster) {
	o.feed = b
}

// Register adds a detector. Registration order does not matter; runs
// always proceed in priority order.
func (o *Orchestrator) Register(d finding.Detector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detectors = append(o.detectors, d)
}

// Detectors returns the registered detectors sorted by priority.
func (o *Orchestrator) Detectors() []finding.Detector {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sortedDetectorsLocked()
}

// Detector returns the registered detector with the given name, or nil.
func (o *Orchestrator) Detector(name string) finding.Detector {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range o.detectors {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

func (o *Orchestrator) sortedDetectorsLocked() []finding.Detector {
	sorted := make([]finding.Detector, len(o.detectors))
	copy(sorted, o.detectors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return sorted
}

// RunOnce performs one detection run. Returns Throttled stats without
// running anything when a run is already active or the minimum interval
// has not elapsed. Cancellation is checked between detector invocations.
func (o *Orchestrator) RunOnce(ctx context.Context) (*RunStats, error) {
	now := time.Now().UTC()
	stats := &RunStats{StartedAt: now}

	o.mu.Lock()
	if o.running || (!o.lastRun.IsZero() && now.Sub(o.lastRun) < o.cfg.MinRunInterval) {
		o.mu.Unlock()
		stats.Throttled = true
		metrics.DetectionRuns.WithLabelValues("throttled").Inc()
		o.log.Debug().Time("last_run", o.lastRun).Msg("run throttled")
		return stats, nil
	}
	o.running = true
	o.lastRun = now
	detectors := o.sortedDetectorsLocked()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	for _, d := range detectors {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(now)
			metrics.DetectionRuns.WithLabelValues("cancelled").Inc()
			return stats, ctx.Err()
		default:
		}

		if !d.Enabled() {
			continue
		}
		stats.DetectorsRun++
		o.runDetector(ctx, d, stats)
	}

	stats.Duration = time.Since(now)
	metrics.DetectionRuns.WithLabelValues("completed").Inc()
	metrics.DetectionRunDuration.Observe(stats.Duration.Seconds())

	o.log.Info().
		Int("detectors", stats.DetectorsRun).
		Int("findings", stats.Findings).
		Int("created", stats.Created).
		Int("suppressed", stats.Suppressed).
		Int("notified", stats.Notified).
		Dur("duration", stats.Duration).
		Msg("detection run completed")

	return stats, nil
}

// runDetector invokes one detector with failure isolation: an error is
// logged, optionally synthesized into a system_error issue, and never
// aborts the run.
func (o *Orchestrator) runDetector(ctx context.Context, d finding.Detector, stats *RunStats) {
	start := time.Now()
	findings, err := o.detect(ctx, d)
	metrics.RecordDetectorRun(d.Name(), time.Since(start), len(findings), err)

	if err != nil {
		stats.DetectorsFailed++
		o.log.Error().Err(err).Str("detector", d.Name()).Msg("detector invocation failed")
		if o.cfg.SynthesizeDetectorErrors {
			o.recordDetectorError(ctx, d, err, stats)
		}
		return
	}

	for i := range findings {
		f := &findings[i]
		stats.Findings++
		o.recordFinding(ctx, d, f, stats)
	}
}

// detect invokes one detector, converting a panic into an error so a
// misbehaving plug-in cannot take down the run.
func (o *Orchestrator) detect(ctx context.Context, d finding.Detector) (findings []finding.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(ctx)
}

func (o *Orchestrator) recordDetectorError(ctx context.Context, d finding.Detector, detectErr error, stats *RunStats) {
	details, _ := json.Marshal(map[string]string{"error": detectErr.Error()})
	f := &finding.Finding{
		Message:     fmt.Sprintf("Detector error: %s", d.Name()),
		Description: detectErr.Error(),
		Severity:    finding.SeverityMedium,
		Type:        finding.TypeSystemError,
		Details:     details,
	}
	res, err := o.recorder.Record(ctx, d.Name(), f)
	if err != nil {
		o.log.Error().Err(err).Str("detector", d.Name()).Msg("failed to record detector error issue")
		return
	}
	stats.Findings++
	stats.Created++ // health issues dedup like any other finding
	if res.Created {
		o.broadcastCreated(ctx, res.IssueID)
	}
}

func (o *Orchestrator) recordFinding(ctx context.Context, d finding.Detector, f *finding.Finding, stats *RunStats) {
	res, err := o.recorder.Record(ctx, d.Name(), f)
	if err != nil {
		// Fatal for this finding only; the run continues.
		o.log.Error().Err(err).Str("detector", d.Name()).Msg("failed to record finding")
		return
	}

	severity := string(f.Severity)
	metrics.RecordIssueOutcome(d.Name(), severity, res.Created, res.Suppressed)

	switch {
	case res.Suppressed:
		stats.Suppressed++
		return
	case res.Created:
		stats.Created++
		o.broadcastCreated(ctx, res.IssueID)
	default:
		stats.Redetected++
	}

	if o.shouldNotify(d.Class(), res.Created) {
		o.attachForensics(d, f, nil)
		o.notify(ctx, res.IssueID, d.Name(), f, stats)
	}
}

// broadcastCreated loads a freshly inserted issue and pushes it to the
// live feed. Feed failures are invisible to the run.
func (o *Orchestrator) broadcastCreated(ctx context.Context, issueID int64) {
	if o.feed == nil {
		return
	}
	issue, err := o.recorder.Get(ctx, issueID)
	if err != nil || issue == nil {
		o.log.Debug().Err(err).Int64("issue_id", issueID).Msg("created issue not loadable for live feed")
		return
	}
	o.feed.BroadcastIssueCreated(issue)
}

// attachForensics collects a snapshot for a finding about to be
// notified. Collection is deferred to this point so suppressed and
// unnotified findings cost nothing.
func (o *Orchestrator) attachForensics(d finding.Detector, f *finding.Finding, req *forensics.RequestInfo) {
	if o.collector == nil || len(f.Forensic) > 0 {
		return
	}
	snapshot := o.collector.Collect(d.Class(), f.Backtrace, req)
	blob, err := json.Marshal(snapshot)
	if err != nil {
		o.log.Warn().Err(err).Str("detector", d.Name()).Msg("failed to encode forensic context")
		return
	}
	f.Forensic = blob
}

// shouldNotify applies the cadence policy. Trigger detectors surface
// every occurrence: each record call is a discrete event. Scan detectors
// surface only newly created issues: a standing condition that remains
// detected is not news. Hybrid detectors behave as scan here because
// orchestrator runs are background sweeps; their realtime path goes
// through ReportRealtime.
func (o *Orchestrator) shouldNotify(class finding.IssuerClass, created bool) bool {
	switch class {
	case finding.ClassTrigger:
		return true
	default:
		return created
	}
}

func (o *Orchestrator) notify(ctx context.Context, issueID int64, issuer string, f *finding.Finding, stats *RunStats) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.NotifyIssue(ctx, issueID, issuer, f); err != nil {
		o.log.Error().Err(err).Int64("issue_id", issueID).Msg("failed to enqueue notification")
		return
	}
	stats.Notified++
}

// ReportRealtime records a finding arriving outside a scheduled run,
// from a live event source. Trigger and hybrid findings on this path
// notify on every non-suppressed record, including re-detections. req
// describes the originating request for forensic collection; nil is
// fine for non-request sources.
func (o *Orchestrator) ReportRealtime(ctx context.Context, d finding.Detector, f *finding.Finding, req *forensics.RequestInfo) (*ledger.RecordResult, error) {
	res, err := o.recorder.Record(ctx, d.Name(), f)
	if err != nil {
		return nil, err
	}

	metrics.RecordIssueOutcome(d.Name(), string(f.Severity), res.Created, res.Suppressed)
	if res.Suppressed {
		return res, nil
	}
	if res.Created {
		o.broadcastCreated(ctx, res.IssueID)
	}

	notify := res.Created
	if d.Class() == finding.ClassTrigger || d.Class() == finding.ClassHybrid {
		notify = true
	}
	if notify && o.notifier != nil {
		o.attachForensics(d, f, req)
		if err := o.notifier.NotifyIssue(ctx, res.IssueID, d.Name(), f); err != nil {
			o.log.Error().Err(err).Int64("issue_id", res.IssueID).Msg("failed to enqueue realtime notification")
		}
	}

	return res, nil
}

// LastRun returns the start time of the most recent run, zero if none.
func (o *Orchestrator) LastRun() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRun
}

// Running reports whether a run is currently active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}
