// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/logging"
)

// IssueStore is the persistence contract the ledger requires.
type IssueStore interface {
	// Upsert records a detection for the given fingerprint. Existing
	// rows get an atomic detection_count increment and last_detected
	// update; otherwise a new row is inserted. Returns the row id and
	// whether it was created by this call.
	Upsert(ctx context.Context, issue *Issue) (int64, bool, error)

	GetIssue(ctx context.Context, id int64) (*Issue, error)
	ListIssues(ctx context.Context, filter Filter) ([]Issue, error)
	CountIssues(ctx context.Context, filter Filter) (int, error)

	MarkViewed(ctx context.Context, id int64, actor string) error
	UnmarkViewed(ctx context.Context, id int64) error
	SetIgnored(ctx context.Context, id int64, reason, actor string) error
	Resolve(ctx context.Context, id int64, notes, actor string) error

	// PurgeOlderThan deletes resolved and ignored issues whose last
	// detection predates the cutoff. Returns the number of rows removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DuckDBStore implements IssueStore using DuckDB as the backend storage.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a new DuckDB-backed issue store.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

const issueSelectColumns = `id, issue_hash, line_code_hash, issuer_name, issue_type, severity, status,
	title, description, raw_payload, backtrace, file_path, ip_address, user_agent,
	first_detected, last_detected, detection_count, is_ignored,
	viewed_by, viewed_at, ignored_by, ignored_at, ignore_reason,
	resolved_by, resolved_at, resolution_notes`

// InitSchema creates the issues table if it doesn't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS issues_id_seq`,

		`CREATE TABLE IF NOT EXISTS issues (
			id BIGINT PRIMARY KEY DEFAULT nextval('issues_id_seq'),
			issue_hash TEXT NOT NULL,
			line_code_hash TEXT NOT NULL UNIQUE,
			issuer_name TEXT NOT NULL,
			issue_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			title TEXT NOT NULL,
			description TEXT,
			raw_payload JSON,
			backtrace JSON,
			file_path TEXT,
			ip_address TEXT,
			user_agent TEXT,
			first_detected TIMESTAMP NOT NULL,
			last_detected TIMESTAMP NOT NULL,
			detection_count BIGINT DEFAULT 1,
			is_ignored BOOLEAN DEFAULT false,
			viewed_by TEXT,
			viewed_at TIMESTAMP,
			ignored_by TEXT,
			ignored_at TIMESTAMP,
			ignore_reason TEXT,
			resolved_by TEXT,
			resolved_at TIMESTAMP,
			resolution_notes TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_severity ON issues(severity)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_issuer ON issues(issuer_name)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_last_detected ON issues(last_detected DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	// Force a checkpoint after creating tables to flush the WAL.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after ledger schema initialization")
	}

	return nil
}

// Upsert records a detection keyed by line_code_hash. The re-detection
// path is a single atomic UPDATE so concurrent detections of the same
// fingerprint never double-count or duplicate rows.
func (s *DuckDBStore) Upsert(ctx context.Context, issue *Issue) (int64, bool, error) {
	now := issue.LastDetected
	if now.IsZero() {
		now = time.Now().UTC()
	}

	update := `UPDATE issues
		SET detection_count = detection_count + 1, last_detected = ?
		WHERE line_code_hash = ?
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, update, now, issue.LineCodeHash).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to update issue on re-detection: %w", err)
	}

	// No existing row. Insert, with ON CONFLICT closing the race against
	// a concurrent first detection of the same fingerprint.
	backtrace, err := json.Marshal(issue.Backtrace)
	if err != nil {
		return 0, false, fmt.Errorf("failed to marshal backtrace: %w", err)
	}

	// Cast payloads to []byte to avoid DuckDB driver issue with
	// json.RawMessage (DuckDB rejects json.Marshaler but accepts []byte)
	var rawPayload []byte
	if issue.RawPayload != nil {
		rawPayload = []byte(issue.RawPayload)
	}

	insert := `INSERT INTO issues
		(issue_hash, line_code_hash, issuer_name, issue_type, severity, status,
		 title, description, raw_payload, backtrace, file_path, ip_address, user_agent,
		 first_detected, last_detected, detection_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (line_code_hash) DO UPDATE SET
			detection_count = issues.detection_count + 1,
			last_detected = EXCLUDED.last_detected
		RETURNING id, detection_count`

	var count int64
	err = s.db.QueryRowContext(ctx, insert,
		issue.IssueHash,
		issue.LineCodeHash,
		issue.Issuer,
		issue.Type,
		issue.Severity,
		StatusNew,
		issue.Title,
		nullable(issue.Description),
		rawPayload,
		backtrace,
		nullable(issue.FilePath),
		nullable(issue.IPAddress),
		nullable(issue.UserAgent),
		now,
		now,
	).Scan(&id, &count)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert issue: %w", err)
	}

	return id, count == 1, nil
}

// GetIssue retrieves an issue by ID. Returns nil when not found.
func (s *DuckDBStore) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	query := fmt.Sprintf(`SELECT %s FROM issues WHERE id = ?`, issueSelectColumns)

	issue := &Issue{}
	err := scanIssueRow(s.db.QueryRowContext(ctx, query, id), issue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}

	return issue, nil
}

// ListIssues retrieves issues with filtering, ordering, and pagination.
// Security: values use parameterized queries (?) and ORDER BY columns are
// whitelisted via validIssueOrderColumns.
func (s *DuckDBStore) ListIssues(ctx context.Context, filter Filter) ([]Issue, error) {
	query, args := s.buildIssueQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	return scanIssues(rows)
}

// CountIssues returns the count of issues matching the filter.
func (s *DuckDBStore) CountIssues(ctx context.Context, filter Filter) (int, error) {
	query := `SELECT COUNT(*) FROM issues WHERE 1=1`
	args := make([]interface{}, 0)
	query, args = s.applyIssueFilters(query, args, filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count issues: %w", err)
	}
	return count, nil
}

func (s *DuckDBStore) buildIssueQuery(filter Filter) (string, []interface{}) {
	query := fmt.Sprintf(`SELECT %s FROM issues WHERE 1=1`, issueSelectColumns)
	args := make([]interface{}, 0)

	query, args = s.applyIssueFilters(query, args, filter)
	query = s.applyIssueOrdering(query, filter)
	query, args = s.applyIssuePagination(query, args, filter)

	return query, args
}

func (s *DuckDBStore) applyIssueFilters(query string, args []interface{}, filter Filter) (string, []interface{}) {
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", buildPlaceholders(len(filter.Statuses)))
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	if len(filter.Severities) > 0 {
		query += fmt.Sprintf(" AND severity IN (%s)", buildPlaceholders(len(filter.Severities)))
		for _, sev := range filter.Severities {
			args = append(args, sev)
		}
	}

	if filter.Issuer != "" {
		query += " AND issuer_name = ?"
		args = append(args, filter.Issuer)
	}

	if filter.Search != "" {
		query += " AND (title LIKE ? OR description LIKE ?)"
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}

	for _, exclude := range filter.ExcludePathSubstrings {
		query += " AND (file_path IS NULL OR file_path NOT LIKE ?)"
		args = append(args, "%"+exclude+"%")
	}

	return query, args
}

// validIssueOrderColumns whitelists ORDER BY columns to prevent SQL
// injection through the ordering parameter.
var validIssueOrderColumns = map[string]bool{
	"id":              true,
	"issuer_name":     true,
	"issue_type":      true,
	"severity":        true,
	"status":          true,
	"first_detected":  true,
	"last_detected":   true,
	"detection_count": true,
}

func (s *DuckDBStore) applyIssueOrdering(query string, filter Filter) string {
	orderBy := "last_detected"
	if filter.OrderBy != "" && validIssueOrderColumns[filter.OrderBy] {
		orderBy = filter.OrderBy
	}

	orderDir := "DESC"
	if filter.OrderDirection != "" {
		upperDir := strings.ToUpper(filter.OrderDirection)
		if upperDir == "ASC" || upperDir == "DESC" {
			orderDir = upperDir
		}
	}

	return query + fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)
}

func (s *DuckDBStore) applyIssuePagination(query string, args []interface{}, filter Filter) (string, []interface{}) {
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return query, args
}

// MarkViewed stamps the issue as viewed by the given actor.
func (s *DuckDBStore) MarkViewed(ctx context.Context, id int64, actor string) error {
	query := `UPDATE issues SET viewed_by = ?, viewed_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, actor, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark issue viewed: %w", err)
	}
	return nil
}

// UnmarkViewed clears the viewed stamp.
func (s *DuckDBStore) UnmarkViewed(ctx context.Context, id int64) error {
	query := `UPDATE issues SET viewed_by = NULL, viewed_at = NULL WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to unmark issue viewed: %w", err)
	}
	return nil
}

// SetIgnored transitions the issue to ignored with the actor's reason.
func (s *DuckDBStore) SetIgnored(ctx context.Context, id int64, reason, actor string) error {
	query := `UPDATE issues
		SET status = ?, is_ignored = true, ignored_by = ?, ignored_at = ?, ignore_reason = ?
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, StatusIgnored, actor, time.Now().UTC(), nullable(reason), id); err != nil {
		return fmt.Errorf("failed to ignore issue: %w", err)
	}
	return nil
}

// Resolve transitions the issue to resolved with the actor's notes.
func (s *DuckDBStore) Resolve(ctx context.Context, id int64, notes, actor string) error {
	query := `UPDATE issues
		SET status = ?, resolved_by = ?, resolved_at = ?, resolution_notes = ?
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, StatusResolved, actor, time.Now().UTC(), nullable(notes), id); err != nil {
		return fmt.Errorf("failed to resolve issue: %w", err)
	}
	return nil
}

// PurgeOlderThan bulk-deletes resolved and ignored issues last detected
// before the cutoff. Unacknowledged issues are never aged out.
func (s *DuckDBStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM issues WHERE last_detected < ? AND status IN (?, ?)`,
		cutoff, string(StatusResolved), string(StatusIgnored))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old issues: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}

// scanIssueRow scans a single issue row with nullable fields handling.
func scanIssueRow(scanner interface {
	Scan(dest ...interface{}) error
}, issue *Issue) error {
	var description, filePath, ipAddress, userAgent sql.NullString
	var viewedBy, ignoredBy, ignoreReason, resolvedBy, resolutionNotes sql.NullString
	var viewedAt, ignoredAt, resolvedAt sql.NullTime
	var rawPayload, backtrace interface{} // DuckDB returns JSON as map/slice values

	if err := scanner.Scan(
		&issue.ID,
		&issue.IssueHash,
		&issue.LineCodeHash,
		&issue.Issuer,
		&issue.Type,
		&issue.Severity,
		&issue.Status,
		&issue.Title,
		&description,
		&rawPayload,
		&backtrace,
		&filePath,
		&ipAddress,
		&userAgent,
		&issue.FirstDetected,
		&issue.LastDetected,
		&issue.DetectionCount,
		&issue.IsIgnored,
		&viewedBy,
		&viewedAt,
		&ignoredBy,
		&ignoredAt,
		&ignoreReason,
		&resolvedBy,
		&resolvedAt,
		&resolutionNotes,
	); err != nil {
		return err
	}

	issue.Description = description.String
	issue.FilePath = filePath.String
	issue.IPAddress = ipAddress.String
	issue.UserAgent = userAgent.String
	issue.ViewedBy = viewedBy.String
	issue.IgnoredBy = ignoredBy.String
	issue.IgnoreReason = ignoreReason.String
	issue.ResolvedBy = resolvedBy.String
	issue.ResolutionNotes = resolutionNotes.String

	if viewedAt.Valid {
		issue.ViewedAt = viewedAt.Time
	}
	if ignoredAt.Valid {
		issue.IgnoredAt = ignoredAt.Time
	}
	if resolvedAt.Valid {
		issue.ResolvedAt = resolvedAt.Time
	}

	// Convert JSON columns back to typed values
	if rawPayload != nil {
		if payloadBytes, err := json.Marshal(rawPayload); err == nil {
			issue.RawPayload = payloadBytes
		}
	}
	if backtrace != nil {
		if btBytes, err := json.Marshal(backtrace); err == nil {
			var frames []finding.Frame
			if err := json.Unmarshal(btBytes, &frames); err == nil {
				issue.Backtrace = frames
			}
		}
	}

	return nil
}

func scanIssues(rows *sql.Rows) ([]Issue, error) {
	var issues []Issue
	for rows.Next() {
		var issue Issue
		if err := scanIssueRow(rows, &issue); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func buildPlaceholders(count int) string {
	if count == 0 {
		return ""
	}
	placeholders := "?"
	for i := 1; i < count; i++ {
		placeholders += ", ?"
	}
	return placeholders
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
