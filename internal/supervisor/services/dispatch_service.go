// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package services

import (
	"context"
	"time"

	"github.com/vigilsec/vigil/internal/dispatch"
	"github.com/vigilsec/vigil/internal/logging"
)

// DispatchPump matches the dispatch queue's draining surface.
type DispatchPump interface {
	ProcessPending(ctx context.Context) (dispatch.Stats, error)
}

// DispatchPumpService drains the notification dispatch queue on a fixed
// interval as a supervised service. Delivery failures are the queue's
// business (retry scheduling, dead-lettering); only queue-level errors
// are logged here.
type DispatchPumpService struct {
	pump     DispatchPump
	interval time.Duration
	name     string
}

// NewDispatchPumpService creates a dispatch pump service.
func NewDispatchPumpService(pump DispatchPump, interval time.Duration) *DispatchPumpService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DispatchPumpService{
		pump:     pump,
		interval: interval,
		name:     "dispatch-pump",
	}
}

// Serve implements suture.Service.
func (d *DispatchPumpService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := d.pump.ProcessPending(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("dispatch queue processing failed")
				continue
			}
			if stats.Processed > 0 {
				logging.Debug().
					Int("processed", stats.Processed).
					Int("sent", stats.Sent).
					Int("retried", stats.Retried).
					Int("failed", stats.Failed).
					Msg("dispatch queue drained")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (d *DispatchPumpService) String() string {
	return d.name
}
