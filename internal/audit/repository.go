// Package audit stores the hub's activity trail: automation firings,
// rule edits and manual triggers, one row per event in audit_logs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page size bounds for List.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// AuditLog is one audit trail entry.
type AuditLog struct { //nolint:revive // audit.AuditLog is clearer than audit.Log in calling code
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Action     string    // automation_triggered, automation_updated, ...
	EntityType string    // automation, device
	EntityID   string    // rule or device ID
	Source     string    // automation, api, mqtt
	Since      time.Time // entries at or after
	Limit      int       // default 50, max 200
	Offset     int
}

// ListResult is one page of audit logs.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository is the audit log store.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the audit_logs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates an audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry, filling in ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var details sql.NullString
	if len(log.Details) > 0 {
		b, err := json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, user_id, source, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Action, log.EntityType,
		nullable(log.EntityID), nullable(log.UserID),
		log.Source, details,
		log.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter.Limit = clampLimit(filter.Limit)
	filter.Offset = max(filter.Offset, 0)

	where, args := filter.where()

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs" + where //nolint:gosec // where holds only placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	query := `SELECT id, action, entity_type, entity_id, user_id, source, details, created_at
		FROM audit_logs` + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?` //nolint:gosec // where holds only placeholders
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		entry, scanErr := scanLog(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit logs: %w", err)
	}

	return &ListResult{Logs: logs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Prune deletes entries older than before and reports how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning audit logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.Source != "" {
		add("source = ?", f.Source)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (AuditLog, error) {
	var entry AuditLog
	var entityID, userID, details sql.NullString
	var createdAt string
	if err := row.Scan(&entry.ID, &entry.Action, &entry.EntityType,
		&entityID, &userID, &entry.Source, &details, &createdAt); err != nil {
		return entry, fmt.Errorf("scanning audit log: %w", err)
	}
	entry.EntityID = entityID.String
	entry.UserID = userID.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
			return entry, fmt.Errorf("unmarshalling audit details for %s: %w", entry.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return entry, fmt.Errorf("parsing audit log timestamp %q: %w", createdAt, err)
	}
	entry.CreatedAt = t
	return entry, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
