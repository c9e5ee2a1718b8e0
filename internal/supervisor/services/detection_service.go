// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package services

import (
	"context"
	"time"

	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/orchestrator"
)

// DetectionRunner matches the orchestrator's scheduled-run surface.
type DetectionRunner interface {
	RunOnce(ctx context.Context) (*orchestrator.RunStats, error)
}

// RunBroadcaster pushes completed-run summaries to the live feed.
type RunBroadcaster interface {
	BroadcastRunCompleted(stats *orchestrator.RunStats)
}

// DetectionLoopService runs the detection orchestrator on a fixed
// interval as a supervised service. Run errors are logged, not
// propagated: a failing detector must not crash the scheduler, and the
// orchestrator already folds per-detector failures into synthesized
// findings.
type DetectionLoopService struct {
	runner      DetectionRunner
	broadcaster RunBroadcaster
	interval    time.Duration
	name        string
}

// NewDetectionLoopService creates a detection loop service. The
// broadcaster may be nil.
func NewDetectionLoopService(runner DetectionRunner, broadcaster RunBroadcaster, interval time.Duration) *DetectionLoopService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DetectionLoopService{
		runner:      runner,
		broadcaster: broadcaster,
		interval:    interval,
		name:        "detection-loop",
	}
}

// Serve implements suture.Service. The first run happens one interval
// after startup; operators can trigger an immediate run through the API.
func (d *DetectionLoopService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *DetectionLoopService) runOnce(ctx context.Context) {
	stats, err := d.runner.RunOnce(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("scheduled detection run failed")
		return
	}
	if stats.Throttled {
		return
	}

	logging.Info().
		Int("detectors_run", stats.DetectorsRun).
		Int("detectors_failed", stats.DetectorsFailed).
		Int("findings", stats.Findings).
		Int("created", stats.Created).
		Int("suppressed", stats.Suppressed).
		Dur("duration", stats.Duration).
		Msg("scheduled detection run completed")

	if d.broadcaster != nil {
		d.broadcaster.BroadcastRunCompleted(stats)
	}
}

// String implements fmt.Stringer for supervisor logging.
func (d *DetectionLoopService) String() string {
	return d.name
}
