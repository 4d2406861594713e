package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository persists rules and their execution history.
type Repository interface {
	// Rule CRUD
	GetByID(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
	RecordRun(ctx context.Context, id string, at time.Time, count int64) error

	// Execution history
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)
}

const ruleColumns = `id, name, description, enabled, trigger, condition_type, conditions, actions,
			last_triggered, execution_count, created_at, updated_at`

const executionColumns = `id, automation_id, rule_name, trigger, status, reason, results, context,
			started_at, completed_at, duration_ms`

// Execution history page size.
const (
	defaultExecutionLimit = 10
	maxExecutionLimit     = 100
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a rule by ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automations WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying automation by id: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automations ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning automation: %w", scanErr)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating automations: %w", err)
	}
	return rules, nil
}

// Create inserts a rule.
func (r *SQLiteRepository) Create(ctx context.Context, rule *Rule) error {
	cols, err := marshalRule(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automations (
			id, name, description, enabled, trigger_type, trigger, condition_type,
			conditions, actions, last_triggered, execution_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Name,
		nullableString(rule.Description),
		boolToInt(rule.Enabled),
		string(rule.Trigger.Type),
		cols.trigger,
		string(rule.ConditionType),
		cols.conditions,
		cols.actions,
		nullableTime(rule.LastTriggered),
		rule.ExecutionCount,
		rule.CreatedAt.UTC().Format(time.RFC3339),
		rule.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting automation: %w", err)
	}
	return nil
}

// Update replaces a rule's definition. Run bookkeeping (last_triggered,
// execution_count) is left alone; see RecordRun.
func (r *SQLiteRepository) Update(ctx context.Context, rule *Rule) error {
	cols, err := marshalRule(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE automations SET
			name = ?, description = ?, enabled = ?, trigger_type = ?, trigger = ?,
			condition_type = ?, conditions = ?, actions = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name,
		nullableString(rule.Description),
		boolToInt(rule.Enabled),
		string(rule.Trigger.Type),
		cols.trigger,
		string(rule.ConditionType),
		cols.conditions,
		cols.actions,
		rule.UpdatedAt.Format(time.RFC3339),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating automation: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// Delete removes a rule. Its execution history goes with it.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// RecordRun stores the last-triggered time and execution count.
func (r *SQLiteRepository) RecordRun(ctx context.Context, id string, at time.Time, count int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automations SET last_triggered = ?, execution_count = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), count, id)
	if err != nil {
		return fmt.Errorf("recording automation run: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// CreateExecution inserts a finished execution record.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	results, err := json.Marshal(exec.Results)
	if err != nil {
		return fmt.Errorf("marshalling results: %w", err)
	}
	execContext, err := marshalNullable(exec.Context)
	if err != nil {
		return fmt.Errorf("marshalling context: %w", err)
	}

	var completedAt sql.NullString
	var durationMS sql.NullInt64
	if !exec.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: exec.CompletedAt.UTC().Format(time.RFC3339), Valid: true}
		durationMS = sql.NullInt64{Int64: exec.Duration().Milliseconds(), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID,
		exec.RuleID,
		exec.RuleName,
		exec.Trigger,
		string(exec.Status),
		nullableString(exec.Reason),
		string(results),
		execContext,
		exec.StartedAt.UTC().Format(time.RFC3339),
		completedAt,
		durationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns a rule's most recent executions, newest first.
// limit defaults to 10 and is capped at 100.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	if limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM automation_executions
		WHERE automation_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var executions []Execution
	for rows.Next() {
		exec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning execution: %w", scanErr)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return executions, nil
}

// PruneExecutions deletes executions started before the cutoff and returns
// how many were removed.
func (r *SQLiteRepository) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM automation_executions WHERE started_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var rule Rule
	var description, lastTriggered sql.NullString
	var triggerJSON, conditionType, conditionsJSON, actionsJSON string
	var enabled int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&description,
		&enabled,
		&triggerJSON,
		&conditionType,
		&conditionsJSON,
		&actionsJSON,
		&lastTriggered,
		&rule.ExecutionCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Enabled = enabled != 0
	rule.ConditionType = Combinator(conditionType)

	if lastTriggered.Valid {
		if t, parseErr := time.Parse(time.RFC3339, lastTriggered.String); parseErr == nil {
			rule.LastTriggered = &t
		}
	}
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		rule.CreatedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		rule.UpdatedAt = t
	}

	if err := json.Unmarshal([]byte(triggerJSON), &rule.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger: %w", err)
	}
	if conditionsJSON != "" && conditionsJSON != "[]" {
		if err := json.Unmarshal([]byte(conditionsJSON), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshalling conditions: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(actionsJSON), &rule.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions: %w", err)
	}
	if rule.Actions == nil {
		rule.Actions = []Action{}
	}
	return &rule, nil
}

func scanExecution(scanner rowScanner) (*Execution, error) {
	var e Execution
	var status, resultsJSON, startedAt string
	var reason, contextJSON, completedAt sql.NullString
	var durationMS sql.NullInt64

	err := scanner.Scan(
		&e.ExecutionID,
		&e.RuleID,
		&e.RuleName,
		&e.Trigger,
		&status,
		&reason,
		&resultsJSON,
		&contextJSON,
		&startedAt,
		&completedAt,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	e.Status = ExecutionStatus(status)
	e.Reason = reason.String
	if t, parseErr := time.Parse(time.RFC3339, startedAt); parseErr == nil {
		e.StartedAt = t
	}
	if completedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339, completedAt.String); parseErr == nil {
			e.CompletedAt = t
		}
	}
	if resultsJSON != "" && resultsJSON != "null" {
		if err := json.Unmarshal([]byte(resultsJSON), &e.Results); err != nil {
			return nil, fmt.Errorf("unmarshalling results: %w", err)
		}
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
			return nil, fmt.Errorf("unmarshalling context: %w", err)
		}
	}
	return &e, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

type ruleJSON struct {
	trigger    string
	conditions string
	actions    string
}

func marshalRule(rule *Rule) (ruleJSON, error) {
	var out ruleJSON
	trigger, err := json.Marshal(rule.Trigger)
	if err != nil {
		return out, fmt.Errorf("marshalling trigger: %w", err)
	}
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []Condition{}
	}
	conds, err := json.Marshal(conditions)
	if err != nil {
		return out, fmt.Errorf("marshalling conditions: %w", err)
	}
	actions := rule.Actions
	if actions == nil {
		actions = []Action{}
	}
	acts, err := json.Marshal(actions)
	if err != nil {
		return out, fmt.Errorf("marshalling actions: %w", err)
	}
	return ruleJSON{trigger: string(trigger), conditions: string(conds), actions: string(acts)}, nil
}

func marshalNullable(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
