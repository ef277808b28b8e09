package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/repository"
)

// RuleRepository implements merge.RuleRepository for SQLite
type RuleRepository struct {
	db *DB
}

var _ merge.RuleRepository = (*RuleRepository)(nil)

// NewRuleRepository creates a new RuleRepository
func NewRuleRepository(db *DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create stores a new rule. A duplicate id or name returns repository.ErrDuplicate.
func (r *RuleRepository) Create(ctx context.Context, rule *merge.Rule) error {
	conditions, resolution, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resolution_rules (
			id, name, description, conditions, resolution, priority,
			enabled, usage_count, success_rate, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		conditions,
		resolution,
		rule.Priority,
		rule.Enabled,
		rule.UsageCount,
		rule.SuccessRate,
		toNanos(rule.CreatedAt),
		toNanos(rule.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

const selectRule = `
	SELECT id, name, description, conditions, resolution, priority,
	       enabled, usage_count, success_rate, created_at, updated_at
	FROM resolution_rules
`

// Get retrieves a rule by ID
func (r *RuleRepository) Get(ctx context.Context, id string) (*merge.Rule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, selectRule+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns rules by descending priority.
func (r *RuleRepository) List(ctx context.Context, opts merge.ListRulesOptions) ([]merge.Rule, error) {
	query := selectRule
	if opts.EnabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY priority DESC, name"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []merge.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// Update stores rule only if its usage count is still expectedUsage.
// A stale count returns repository.ErrConflict.
func (r *RuleRepository) Update(ctx context.Context, rule *merge.Rule, expectedUsage int64) error {
	conditions, resolution, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE resolution_rules
		SET name = ?, description = ?, conditions = ?, resolution = ?,
		    priority = ?, enabled = ?, usage_count = ?, success_rate = ?,
		    updated_at = ?
		WHERE id = ? AND usage_count = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name,
		rule.Description,
		conditions,
		resolution,
		rule.Priority,
		rule.Enabled,
		rule.UsageCount,
		rule.SuccessRate,
		toNanos(rule.UpdatedAt),
		rule.ID,
		expectedUsage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM resolution_rules WHERE id = ?", rule.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check rule: %w", err)
		}
		if exists == 0 {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}

	return nil
}

// Delete removes a rule
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM resolution_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func encodeRule(rule *merge.Rule) (string, string, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conditions: %w", err)
	}
	resolution, err := json.Marshal(rule.Resolution)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode resolution: %w", err)
	}
	return string(conditions), string(resolution), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*merge.Rule, error) {
	var (
		rule                   merge.Rule
		conditions, resolution string
		created, updated       int64
	)
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&conditions,
		&resolution,
		&rule.Priority,
		&rule.Enabled,
		&rule.UsageCount,
		&rule.SuccessRate,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decoding conditions of %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(resolution), &rule.Resolution); err != nil {
		return nil, fmt.Errorf("decoding resolution of %s: %w", rule.ID, err)
	}
	rule.CreatedAt = fromNanos(created)
	rule.UpdatedAt = fromNanos(updated)
	return &rule, nil
}
