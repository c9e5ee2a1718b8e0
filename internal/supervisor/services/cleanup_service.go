// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package services

import (
	"context"
	"time"

	"github.com/vigilsec/vigil/internal/logging"
)

// IssueCleaner removes resolved issues older than maxAge.
type IssueCleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
}

// TaskCleaner removes terminal dispatch tasks past their retention.
type TaskCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// SettingsGC reclaims storage in the settings database.
type SettingsGC interface {
	RunGC(ctx context.Context)
}

// CleanupService applies retention policies on a fixed interval as a
// supervised service. Any of the cleaners may be nil.
type CleanupService struct {
	issues      IssueCleaner
	tasks       TaskCleaner
	settings    SettingsGC
	issueMaxAge time.Duration
	interval    time.Duration
	name        string
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(issues IssueCleaner, tasks TaskCleaner, settings SettingsGC, issueMaxAge, interval time.Duration) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupService{
		issues:      issues,
		tasks:       tasks,
		settings:    settings,
		issueMaxAge: issueMaxAge,
		interval:    interval,
		name:        "cleanup",
	}
}

// Serve implements suture.Service.
func (c *CleanupService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *CleanupService) runOnce(ctx context.Context) {
	if c.issues != nil && c.issueMaxAge > 0 {
		removed, err := c.issues.Cleanup(ctx, c.issueMaxAge)
		if err != nil {
			logging.Error().Err(err).Msg("issue retention cleanup failed")
		} else if removed > 0 {
			logging.Info().Int64("removed", removed).Msg("expired resolved issues removed")
		}
	}

	if c.tasks != nil {
		removed, err := c.tasks.Cleanup(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("dispatch task cleanup failed")
		} else if removed > 0 {
			logging.Info().Int64("removed", removed).Msg("expired dispatch tasks removed")
		}
	}

	if c.settings != nil {
		c.settings.RunGC(ctx)
	}
}

// String implements fmt.Stringer for supervisor logging.
func (c *CleanupService) String() string {
	return c.name
}
