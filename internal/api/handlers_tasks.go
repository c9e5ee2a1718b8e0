// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"context"
	"net/http"

	"github.com/vigilsec/vigil/internal/dispatch"
)

// TaskQueue is the dispatch surface the handlers need.
type TaskQueue interface {
	Task(ctx context.Context, id string) (*dispatch.Task, error)
	Tasks(ctx context.Context, status string, limit, offset int) ([]dispatch.Task, error)
	PendingCounts(ctx context.Context) (map[string]int64, error)
	RetryTask(ctx context.Context, id string) (bool, error)
}

// TaskHandlers provides HTTP handlers for the notification queue.
type TaskHandlers struct {
	queue           TaskQueue
	defaultPageSize int
	maxPageSize     int
}

// NewTaskHandlers creates task handlers.
func NewTaskHandlers(queue TaskQueue, defaultPageSize, maxPageSize int) *TaskHandlers {
	return &TaskHandlers{queue: queue, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize}
}

// List handles GET /api/v1/tasks
func (h *TaskHandlers) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validTaskStatus(status) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown task status: "+status, nil)
		return
	}

	limit, offset := pagination(r, h.defaultPageSize, h.maxPageSize)
	tasks, err := h.queue.Tasks(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DISPATCH_ERROR", "failed to list tasks", err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /api/v1/tasks/{id}
func (h *TaskHandlers) Get(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DISPATCH_ERROR", "failed to fetch task", err)
		return
	}
	if task == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "task not found", nil)
		return
	}

	writeJSON(w, task)
}

// Stats handles GET /api/v1/tasks/stats
func (h *TaskHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.PendingCounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DISPATCH_ERROR", "failed to count tasks", err)
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	writeJSON(w, map[string]interface{}{
		"by_status": counts,
		"total":     total,
	})
}

// Retry handles POST /api/v1/tasks/{id}/retry. Only dead-lettered
// (failed) tasks can be revived.
func (h *TaskHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	revived, err := h.queue.RetryTask(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DISPATCH_ERROR", "failed to retry task", err)
		return
	}
	if !revived {
		respondError(w, http.StatusConflict, "NOT_RETRIABLE", "task is not in failed state", nil)
		return
	}

	writeJSON(w, map[string]string{"status": "pending"})
}

func validTaskStatus(s string) bool {
	switch dispatch.TaskStatus(s) {
	case dispatch.StatusPending, dispatch.StatusSending, dispatch.StatusSent,
		dispatch.StatusRetry, dispatch.StatusFailed:
		return true
	}
	return false
}
