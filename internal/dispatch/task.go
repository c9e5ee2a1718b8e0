// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package dispatch owns the notification task queue. It decouples
// detection (fast, synchronous) from delivery (slow, external,
// failure-prone): the orchestrator only enqueues; delivery happens in
// the queue's own processing passes with bounded retries.
package dispatch

import (
	"time"

	"github.com/goccy/go-json"
)

// TaskStatus is the lifecycle state of a notification task.
type TaskStatus string

const (
	// StatusPending marks a task awaiting its first delivery attempt.
	StatusPending TaskStatus = "pending"
	// StatusSending marks a task claimed by a processing pass.
	StatusSending TaskStatus = "sending"
	// StatusSent is terminal: delivery succeeded.
	StatusSent TaskStatus = "sent"
	// StatusRetry marks a transient failure awaiting its next attempt.
	StatusRetry TaskStatus = "retry"
	// StatusFailed is terminal: permanent error or retry budget spent.
	StatusFailed TaskStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Task is one unit of notification work, owned exclusively by the queue.
type Task struct {
	ID          string     `json:"id"`
	ChannelName string     `json:"channel_name"`
	IssueID     int64      `json:"issue_id"`
	Status      TaskStatus `json:"status"`

	// Message is the channel-independent notification payload,
	// persisted as a JSON blob.
	Message json.RawMessage `json:"message"`

	// Context carries extra delivery context, persisted as a JSON blob.
	Context json.RawMessage `json:"context,omitempty"`

	RetryCount    int       `json:"retry_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	SentAt        time.Time `json:"sent_at,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats summarizes one processing pass.
type Stats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}
