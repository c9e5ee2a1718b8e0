// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package ignore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vigilsec/vigil/internal/logging"
)

// DuckDBStore implements RuleSource and the operator CRUD surface using
// DuckDB as the backend storage.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a new DuckDB-backed rule store.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

const ruleSelectColumns = `id, rule_type, rule_value, issuer_name, issue_type, comment,
	is_active, expires_at, usage_count, last_used_at, created_by, created_at`

// InitSchema creates the ignore_rules table if it doesn't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ignore_rules (
			id TEXT PRIMARY KEY,
			rule_type TEXT NOT NULL,
			rule_value TEXT NOT NULL,
			issuer_name TEXT,
			issue_type TEXT,
			comment TEXT,
			is_active BOOLEAN DEFAULT true,
			expires_at TIMESTAMP,
			usage_count BIGINT DEFAULT 0,
			last_used_at TIMESTAMP,
			created_by TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ignore_rules_active ON ignore_rules(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_ignore_rules_type ON ignore_rules(rule_type)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	// Force a checkpoint after creating tables to flush the WAL.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after ignore schema initialization")
	}

	return nil
}

// ActiveRules returns rules that are active and not expired.
func (s *DuckDBStore) ActiveRules(ctx context.Context) ([]Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM ignore_rules
		WHERE is_active = true
		  AND (expires_at IS NULL OR expires_at > ?)`, ruleSelectColumns)

	rows, err := s.db.QueryContext(ctx, query, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query active ignore rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// RecordUse atomically increments usage_count and stamps last_used_at.
func (s *DuckDBStore) RecordUse(ctx context.Context, ruleID string) error {
	query := `UPDATE ignore_rules
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), ruleID); err != nil {
		return fmt.Errorf("failed to record rule usage: %w", err)
	}
	return nil
}

// CreateRule persists a new rule. The rule ID is assigned if empty.
func (s *DuckDBStore) CreateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO ignore_rules
		(id, rule_type, rule_value, issuer_name, issue_type, comment, is_active, expires_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rule.ID,
		rule.Type,
		rule.Value,
		nullable(rule.Issuer),
		nullable(rule.IssueType),
		nullable(rule.Comment),
		rule.Active,
		nullableTime(rule.ExpiresAt),
		nullable(rule.CreatedBy),
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ignore rule: %w", err)
	}

	return nil
}

// GetRule retrieves a rule by ID. Returns nil when not found.
func (s *DuckDBStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM ignore_rules WHERE id = ?`, ruleSelectColumns)

	rule := &Rule{}
	err := scanRuleRow(s.db.QueryRowContext(ctx, query, id), rule)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ignore rule: %w", err)
	}

	return rule, nil
}

// ListRules retrieves all rules ordered by creation time descending.
func (s *DuckDBStore) ListRules(ctx context.Context) ([]Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM ignore_rules ORDER BY created_at DESC`, ruleSelectColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ignore rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// SetRuleActive activates or deactivates a rule.
func (s *DuckDBStore) SetRuleActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE ignore_rules SET is_active = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, active, id); err != nil {
		return fmt.Errorf("failed to set rule active: %w", err)
	}
	return nil
}

// DeleteRule removes a rule permanently.
func (s *DuckDBStore) DeleteRule(ctx context.Context, id string) error {
	query := `DELETE FROM ignore_rules WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete ignore rule: %w", err)
	}
	return nil
}

// scanRuleRow scans a single rule row with nullable fields handling.
func scanRuleRow(scanner interface {
	Scan(dest ...interface{}) error
}, rule *Rule) error {
	var issuer, issueType, comment, createdBy sql.NullString
	var expiresAt, lastUsedAt sql.NullTime

	if err := scanner.Scan(
		&rule.ID,
		&rule.Type,
		&rule.Value,
		&issuer,
		&issueType,
		&comment,
		&rule.Active,
		&expiresAt,
		&rule.UsageCount,
		&lastUsedAt,
		&createdBy,
		&rule.CreatedAt,
	); err != nil {
		return err
	}

	rule.Issuer = issuer.String
	rule.IssueType = issueType.String
	rule.Comment = comment.String
	rule.CreatedBy = createdBy.String
	if expiresAt.Valid {
		rule.ExpiresAt = expiresAt.Time
	}
	if lastUsedAt.Valid {
		rule.LastUsedAt = lastUsedAt.Time
	}

	return nil
}

func scanRules(rows *sql.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		var rule Rule
		if err := scanRuleRow(rows, &rule); err != nil {
			return nil, fmt.Errorf("failed to scan ignore rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
