// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/dispatch"
)

type fakeQueue struct {
	tasks map[string]*dispatch.Task
}

func newFakeQueue(tasks ...*dispatch.Task) *fakeQueue {
	fq := &fakeQueue{tasks: make(map[string]*dispatch.Task)}
	for _, task := range tasks {
		fq.tasks[task.ID] = task
	}
	return fq
}

func (f *fakeQueue) Task(_ context.Context, id string) (*dispatch.Task, error) {
	return f.tasks[id], nil
}

func (f *fakeQueue) Tasks(_ context.Context, status string, limit, _ int) ([]dispatch.Task, error) {
	var out []dispatch.Task
	for _, task := range f.tasks {
		if status != "" && string(task.Status) != status {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, *task)
	}
	return out, nil
}

func (f *fakeQueue) PendingCounts(_ context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, task := range f.tasks {
		counts[string(task.Status)]++
	}
	return counts, nil
}

func (f *fakeQueue) RetryTask(_ context.Context, id string) (bool, error) {
	task, ok := f.tasks[id]
	if !ok || task.Status != dispatch.StatusFailed {
		return false, nil
	}
	task.Status = dispatch.StatusPending
	task.RetryCount = 0
	return true, nil
}

func TestTasksListFiltersByStatus(t *testing.T) {
	fq := newFakeQueue(
		&dispatch.Task{ID: "a", Status: dispatch.StatusSent},
		&dispatch.Task{ID: "b", Status: dispatch.StatusFailed},
	)
	h := NewTaskHandlers(fq, 20, 100)

	rec := doRequest(t, h.List, http.MethodGet, "/api/v1/tasks?status=failed", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Tasks []dispatch.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "b" {
		t.Errorf("tasks = %+v", resp.Tasks)
	}

	rec = doRequest(t, h.List, http.MethodGet, "/api/v1/tasks?status=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", rec.Code)
	}
}

func TestTasksStats(t *testing.T) {
	fq := newFakeQueue(
		&dispatch.Task{ID: "a", Status: dispatch.StatusSent},
		&dispatch.Task{ID: "b", Status: dispatch.StatusSent},
		&dispatch.Task{ID: "c", Status: dispatch.StatusRetry},
	)
	h := NewTaskHandlers(fq, 20, 100)

	rec := doRequest(t, h.Stats, http.MethodGet, "/api/v1/tasks/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		ByStatus map[string]int64 `json:"by_status"`
		Total    int64            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || resp.ByStatus["sent"] != 2 || resp.ByStatus["retry"] != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestTaskRetry(t *testing.T) {
	fq := newFakeQueue(
		&dispatch.Task{ID: "dead", Status: dispatch.StatusFailed},
		&dispatch.Task{ID: "live", Status: dispatch.StatusRetry},
	)
	h := NewTaskHandlers(fq, 20, 100)

	rec := doRequest(t, h.Retry, http.MethodPost, "/x", "", map[string]string{"id": "dead"})
	if rec.Code != http.StatusOK {
		t.Fatalf("retry failed task status = %d", rec.Code)
	}
	if fq.tasks["dead"].Status != dispatch.StatusPending {
		t.Errorf("task status = %s, want pending", fq.tasks["dead"].Status)
	}

	rec = doRequest(t, h.Retry, http.MethodPost, "/x", "", map[string]string{"id": "live"})
	if rec.Code != http.StatusConflict {
		t.Errorf("retry non-failed task status = %d, want 409", rec.Code)
	}
}
