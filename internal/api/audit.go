package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
)

// auditChanSize is the buffer size for the async audit log channel.
// Entries beyond this are dropped so requests never wait on SQLite.
const auditChanSize = 256

// auditLog enqueues an entry for the drain goroutine. Best-effort: a full
// channel drops the entry with a warning.
func (s *Server) auditLog(action, entityID, reqID string, details map[string]any) {
	if s.auditCh == nil {
		return
	}
	if reqID != "" {
		if details == nil {
			details = make(map[string]any, 1)
		}
		details["request_id"] = reqID
	}

	entry := &audit.AuditLog{
		Action:     action,
		EntityType: "automation",
		EntityID:   entityID,
		Source:     "api",
		Details:    details,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit log channel full, dropping entry", "action", action, "entity_id", entityID)
	}
}

// drainAuditLog writes queued entries serially until ctx ends, then
// flushes whatever is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	write := func(entry *audit.AuditLog) {
		if err := s.auditRepo.Create(context.Background(), entry); err != nil {
			s.logger.Error("audit log write failed", "action", entry.Action, "error", err)
		}
	}
	for {
		select {
		case entry := <-s.auditCh:
			write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					write(entry)
				default:
					return
				}
			}
		}
	}
}

// handleListAuditLogs returns a page of audit entries, newest first.
//
// Query parameters:
//   - action, entity_type, entity_id, source: exact-match filters
//   - since: RFC3339 lower bound
//   - limit: default 50, max 200
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Source:     q.Get("source"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
