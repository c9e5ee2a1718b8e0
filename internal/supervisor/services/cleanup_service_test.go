// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type mockIssueCleaner struct {
	count  atomic.Int32
	maxAge time.Duration
}

func (m *mockIssueCleaner) Cleanup(_ context.Context, maxAge time.Duration) (int64, error) {
	m.count.Add(1)
	m.maxAge = maxAge
	return 3, nil
}

type mockTaskCleaner struct {
	count atomic.Int32
}

func (m *mockTaskCleaner) Cleanup(context.Context) (int64, error) {
	m.count.Add(1)
	return 1, nil
}

type mockGC struct {
	count atomic.Int32
}

func (m *mockGC) RunGC(context.Context) {
	m.count.Add(1)
}

func TestCleanupServiceRunsAllCleaners(t *testing.T) {
	issues := &mockIssueCleaner{}
	tasks := &mockTaskCleaner{}
	gc := &mockGC{}
	svc := NewCleanupService(issues, tasks, gc, 90*24*time.Hour, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	_ = svc.Serve(ctx)

	if issues.count.Load() < 1 {
		t.Error("issue cleaner never ran")
	}
	if issues.maxAge != 90*24*time.Hour {
		t.Errorf("maxAge = %v, want 90 days", issues.maxAge)
	}
	if tasks.count.Load() < 1 {
		t.Error("task cleaner never ran")
	}
	if gc.count.Load() < 1 {
		t.Error("settings GC never ran")
	}
}

func TestCleanupServiceToleratesNilCleaners(t *testing.T) {
	svc := NewCleanupService(nil, nil, nil, 0, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Must not panic with everything nil.
	_ = svc.Serve(ctx)

	if svc.String() != "cleanup" {
		t.Errorf("String() = %q", svc.String())
	}
}
