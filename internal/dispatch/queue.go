// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/vigilsec/vigil/internal/channel"
	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/metrics"
)

// errDeliveryFailed signals a failed send to the circuit breaker. The
// actual failure detail lives in the SendResult.
var errDeliveryFailed = errors.New("delivery failed")

// Config controls queue behavior.
type Config struct {
	// MaxRetries bounds delivery attempts per task. After MaxRetries
	// failed attempts the task is dead-lettered as failed.
	MaxRetries int

	// BaseBackoff is the delay before the first retry; each subsequent
	// retry doubles it, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// SendTimeout bounds a single channel send call.
	SendTimeout time.Duration

	// BatchSize bounds how many due tasks one processing pass claims.
	BatchSize int

	// Retention is how long terminal tasks are kept for inspection.
	Retention time.Duration

	// BaseURL, when set, is used to build issue links in notifications.
	BaseURL string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		SendTimeout: 30 * time.Second,
		BatchSize:   50,
		Retention:   7 * 24 * time.Hour,
	}
}

// Queue is the persistent notification dispatcher. Enqueue is cheap and
// synchronous; delivery happens in ProcessPending passes driven by the
// scheduler. Each channel sends through its own circuit breaker so one
// misbehaving endpoint cannot stall the others.
type Queue struct {
	store    TaskStore
	registry *channel.Registry
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*channel.SendResult]
}

// NewQueue creates a dispatch queue over the given store and channel
// registry. Zero config fields fall back to defaults.
func NewQueue(store TaskStore, registry *channel.Registry, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	return &Queue{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      logging.With().Str("component", "dispatch").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*channel.SendResult]),
	}
}

// NotifyIssue enqueues one task per currently available channel for the
// recorded issue. No available channels is not an error; the occurrence
// is already in the ledger.
func (q *Queue) NotifyIssue(ctx context.Context, issueID int64, issuer string, f *finding.Finding) error {
	available := q.registry.Available()
	if len(available) == 0 {
		q.log.Debug().Int64("issue_id", issueID).Msg("no notification channels available, skipping enqueue")
		return nil
	}

	msg := q.buildMessage(issueID, issuer, f)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification message: %w", err)
	}

	contextBlob := buildContextBlob(f)

	for _, name := range available {
		if _, err := q.Enqueue(ctx, name, issueID, payload, contextBlob); err != nil {
			return err
		}
	}

	return nil
}

// Enqueue persists one notification task for a channel and returns the
// task ID. The message blob must be a marshaled channel.Message.
func (q *Queue) Enqueue(ctx context.Context, channelName string, issueID int64, message, contextBlob json.RawMessage) (string, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:            uuid.NewString(),
		ChannelName:   channelName,
		IssueID:       issueID,
		Status:        StatusPending,
		Message:       message,
		Context:       contextBlob,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue notification for channel %s: %w", channelName, err)
	}
	metrics.NotificationsEnqueued.WithLabelValues(channelName).Inc()

	q.log.Debug().
		Str("task_id", task.ID).
		Str("channel", channelName).
		Int64("issue_id", issueID).
		Msg("notification task enqueued")

	return task.ID, nil
}

// buildContextBlob packs the finding's context fields and forensic
// snapshot into the per-task context blob. Returns nil when the finding
// carries neither.
func buildContextBlob(f *finding.Finding) json.RawMessage {
	if len(f.Context) == 0 && len(f.Forensic) == 0 {
		return nil
	}
	blob, err := json.Marshal(struct {
		Fields   map[string]string `json:"fields,omitempty"`
		Forensic json.RawMessage   `json:"forensic,omitempty"`
	}{f.Context, f.Forensic})
	if err != nil {
		return nil
	}
	return blob
}

// buildMessage converts a finding into channel-independent content.
func (q *Queue) buildMessage(issueID int64, issuer string, f *finding.Finding) *channel.Message {
	msg := &channel.Message{
		IssueID:  issueID,
		Issuer:   issuer,
		Severity: string(f.Severity),
		Title:    f.Message,
		Body:     f.Description,
	}
	if q.cfg.BaseURL != "" {
		msg.IssueURL = fmt.Sprintf("%s/issues/%d", strings.TrimRight(q.cfg.BaseURL, "/"), issueID)
	}

	msgContext := make(map[string]string)
	for key, value := range f.Context {
		msgContext[key] = value
	}
	if f.IPAddress != "" {
		msgContext["ip_address"] = f.IPAddress
	}
	if f.FilePath != "" {
		msgContext["file_path"] = f.FilePath
	}
	if len(msgContext) > 0 {
		msg.Context = msgContext
	}

	return msg
}

// ProcessPending claims and delivers due tasks. Per-task failures are
// recorded on the task; the error return covers store-level failures
// that abort the pass.
func (q *Queue) ProcessPending(ctx context.Context) (Stats, error) {
	var stats Stats

	tasks, err := q.store.DueTasks(ctx, time.Now().UTC(), q.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to load due tasks: %w", err)
	}

	for i := range tasks {
		select {
		case <-ctx.Done():
			q.updateQueueDepth(context.WithoutCancel(ctx))
			return stats, ctx.Err()
		default:
		}

		task := &tasks[i]

		claimed, err := q.store.ClaimTask(ctx, task.ID)
		if err != nil {
			return stats, fmt.Errorf("failed to claim task %s: %w", task.ID, err)
		}
		if !claimed {
			continue
		}

		stats.Processed++
		q.processTask(ctx, task, &stats)
	}

	q.updateQueueDepth(ctx)
	return stats, nil
}

// processTask attempts delivery of one claimed task and persists the
// outcome. A store write failure here leaves the task in sending; it
// will sit there until an operator intervenes, which is preferable to
// double-delivery.
func (q *Queue) processTask(ctx context.Context, task *Task, stats *Stats) {
	ch, ok := q.registry.Get(task.ChannelName)
	if !ok {
		// Channel no longer exists. Retrying cannot succeed.
		q.failTask(ctx, task, stats, fmt.Sprintf("unknown channel: %s", task.ChannelName), false)
		return
	}

	if !ch.IsAvailable() {
		// Configuration may come back; treat as transient.
		q.retryOrFail(ctx, task, stats, "channel unavailable", nil)
		return
	}

	var msg channel.Message
	if err := json.Unmarshal(task.Message, &msg); err != nil {
		q.failTask(ctx, task, stats, fmt.Sprintf("corrupt message payload: %v", err), false)
		return
	}

	start := time.Now()
	result, err := q.send(ctx, ch, &msg)
	duration := time.Since(start)

	switch {
	case err == nil && result != nil && result.Success:
		metrics.RecordNotificationAttempt(task.ChannelName, "sent", duration)
		if markErr := q.store.MarkSent(ctx, task.ID, time.Now().UTC()); markErr != nil {
			q.log.Error().Err(markErr).Str("task_id", task.ID).Msg("failed to mark task sent")
			return
		}
		stats.Sent++
		q.log.Info().
			Str("task_id", task.ID).
			Str("channel", task.ChannelName).
			Int64("issue_id", task.IssueID).
			Int("retry_count", task.RetryCount).
			Msg("notification delivered")

	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordNotificationAttempt(task.ChannelName, "retry", duration)
		q.retryOrFail(ctx, task, stats, "circuit breaker open", nil)

	case result != nil && !result.IsTransient:
		metrics.RecordNotificationAttempt(task.ChannelName, "failed", duration)
		q.failTask(ctx, task, stats, result.ErrorMessage, false)

	default:
		errMsg := "delivery failed"
		var retryAfter *time.Duration
		if result != nil {
			errMsg = result.ErrorMessage
			retryAfter = result.RetryAfter
		} else if err != nil {
			errMsg = err.Error()
		}
		metrics.RecordNotificationAttempt(task.ChannelName, "retry", duration)
		q.retryOrFail(ctx, task, stats, errMsg, retryAfter)
	}
}

// send runs one delivery attempt through the channel's circuit breaker
// with a bounded timeout.
func (q *Queue) send(ctx context.Context, ch channel.Channel, msg *channel.Message) (*channel.SendResult, error) {
	cb := q.breaker(ch.Name())

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	defer cancel()

	result, err := cb.Execute(func() (*channel.SendResult, error) {
		res, sendErr := ch.Send(sendCtx, msg)
		if sendErr != nil {
			return nil, sendErr
		}
		if !res.Success {
			return res, errDeliveryFailed
		}
		return res, nil
	})

	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(ch.Name(), "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(ch.Name(), "rejected").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(ch.Name(), "failure").Inc()
	}

	if errors.Is(err, errDeliveryFailed) {
		// The failure detail is in the result; the sentinel only exists
		// so the breaker counts it.
		return result, nil
	}
	return result, err
}

// retryOrFail schedules the next attempt, or dead-letters the task when
// the retry budget is spent.
func (q *Queue) retryOrFail(ctx context.Context, task *Task, stats *Stats, errMsg string, retryAfter *time.Duration) {
	nextRetry := task.RetryCount + 1
	if nextRetry > q.cfg.MaxRetries {
		q.failTask(ctx, task, stats, fmt.Sprintf("retries exhausted: %s", errMsg), true)
		return
	}

	backoff := q.backoffFor(nextRetry)
	if retryAfter != nil && *retryAfter > backoff {
		backoff = *retryAfter
	}
	nextAttempt := time.Now().UTC().Add(backoff)

	if err := q.store.MarkRetry(ctx, task.ID, nextRetry, nextAttempt, errMsg); err != nil {
		q.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to schedule task retry")
		return
	}
	stats.Retried++

	q.log.Warn().
		Str("task_id", task.ID).
		Str("channel", task.ChannelName).
		Int("retry_count", nextRetry).
		Dur("backoff", backoff).
		Str("error", errMsg).
		Msg("notification delivery failed, retry scheduled")
}

// failTask marks a task permanently failed. exhausted distinguishes a
// spent retry budget from a permanent error for the dead-letter metric.
func (q *Queue) failTask(ctx context.Context, task *Task, stats *Stats, errMsg string, exhausted bool) {
	if err := q.store.MarkFailed(ctx, task.ID, errMsg); err != nil {
		q.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task failed")
		return
	}
	stats.Failed++
	if exhausted {
		metrics.NotificationsDeadLettered.WithLabelValues(task.ChannelName).Inc()
	}

	q.log.Error().
		Str("task_id", task.ID).
		Str("channel", task.ChannelName).
		Int64("issue_id", task.IssueID).
		Bool("retries_exhausted", exhausted).
		Str("error", errMsg).
		Msg("notification permanently failed")
}

// backoffFor returns the exponential backoff for the given attempt
// number (1-based), capped at MaxBackoff.
func (q *Queue) backoffFor(attempt int) time.Duration {
	backoff := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if backoff > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return backoff
}

// breaker returns the circuit breaker for a channel, creating it on
// first use.
func (q *Queue) breaker(name string) *gobreaker.CircuitBreaker[*channel.SendResult] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cb, ok := q.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*channel.SendResult](gobreaker.Settings{
		Name:        "notify-" + name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(cbName).Set(breakerStateValue(to))
			q.log.Warn().
				Str("breaker", cbName).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	q.breakers[name] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// PendingCounts returns task counts by status.
func (q *Queue) PendingCounts(ctx context.Context) (map[string]int64, error) {
	return q.store.CountByStatus(ctx)
}

// Task returns one task by id, or nil when it doesn't exist.
func (q *Queue) Task(ctx context.Context, id string) (*Task, error) {
	return q.store.GetTask(ctx, id)
}

// Tasks lists tasks newest first, optionally filtered by status.
func (q *Queue) Tasks(ctx context.Context, status string, limit, offset int) ([]Task, error) {
	return q.store.ListTasks(ctx, status, limit, offset)
}

// RetryTask moves a failed task back to pending with a fresh retry
// budget. Returns false when the task is missing or not failed.
func (q *Queue) RetryTask(ctx context.Context, id string) (bool, error) {
	revived, err := q.store.ReviveTask(ctx, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if revived {
		q.log.Info().Str("task_id", id).Msg("failed task requeued by operator")
	}
	return revived, nil
}

// Cleanup removes terminal tasks older than the retention window.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.Retention)
	removed, err := q.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge notification tasks: %w", err)
	}
	if removed > 0 {
		metrics.NotificationsPurged.Add(float64(removed))
		q.log.Info().Int64("removed", removed).Msg("purged terminal notification tasks")
	}
	return removed, nil
}

func (q *Queue) updateQueueDepth(ctx context.Context) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		q.log.Warn().Err(err).Msg("failed to read queue depth")
		return
	}
	metrics.UpdateQueueDepth(counts)
}
