package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// maxIDLen limits path IDs to keep junk out of the store and the logs.
const maxIDLen = 100

// Audit actions recorded by the automation endpoints.
const (
	auditCreated  = "automation_created"
	auditUpdated  = "automation_updated"
	auditDeleted  = "automation_deleted"
	auditEnabled  = "automation_enabled"
	auditDisabled = "automation_disabled"
	auditManual   = "automation_manual_trigger"
)

// ruleID reads and bounds the {id} path parameter.
func ruleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxIDLen {
		writeBadRequest(w, "invalid automation ID")
		return "", false
	}
	return id, true
}

// handleListAutomations returns every rule. ?enabled=true|false filters.
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	rules := s.rules.List()

	if v := r.URL.Query().Get("enabled"); v != "" {
		want, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "enabled must be true or false")
			return
		}
		filtered := rules[:0]
		for _, rule := range rules {
			if rule.Enabled == want {
				filtered = append(filtered, rule)
			}
		}
		rules = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"automations": rules, "count": len(rules)})
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := s.rules.Get(id)
	if err != nil {
		writeAutomationError(w, err, "failed to get automation")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ruleBody is the writable part of a rule. Enabled is a pointer so an
// omitted field defaults to true on create and is kept on update.
type ruleBody struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Enabled       *bool                  `json:"enabled"`
	Trigger       automation.Trigger     `json:"trigger"`
	ConditionType automation.Combinator  `json:"condition_type"`
	Conditions    []automation.Condition `json:"conditions"`
	Actions       []automation.Action    `json:"actions"`
}

func (b ruleBody) apply(rule *automation.Rule) {
	rule.Name = b.Name
	rule.Description = b.Description
	if b.Enabled != nil {
		rule.Enabled = *b.Enabled
	}
	rule.Trigger = b.Trigger
	rule.ConditionType = b.ConditionType
	rule.Conditions = b.Conditions
	rule.Actions = b.Actions
}

func decodeRuleBody(w http.ResponseWriter, r *http.Request) (ruleBody, bool) {
	var body ruleBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return body, false
	}
	return body, true
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeRuleBody(w, r)
	if !ok {
		return
	}
	if len(body.ID) > maxIDLen {
		writeBadRequest(w, "invalid automation ID")
		return
	}

	rule := &automation.Rule{ID: body.ID, Enabled: true}
	body.apply(rule)

	if err := s.rules.Create(r.Context(), rule); err != nil {
		writeAutomationError(w, err, "failed to create automation")
		return
	}

	s.auditLog(auditCreated, rule.ID, requestID(r), map[string]any{"name": rule.Name})
	created, err := s.rules.Get(rule.ID)
	if err != nil {
		created = rule
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateAutomation replaces a rule's definition. The ID in the path
// wins over any ID in the body.
func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	existing, err := s.rules.Get(id)
	if err != nil {
		writeAutomationError(w, err, "failed to get automation")
		return
	}
	body, ok := decodeRuleBody(w, r)
	if !ok {
		return
	}
	body.apply(existing)
	existing.ID = id

	if err := s.rules.Update(r.Context(), existing); err != nil {
		writeAutomationError(w, err, "failed to update automation")
		return
	}

	s.auditLog(auditUpdated, id, requestID(r), map[string]any{"name": existing.Name})
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.rules.Delete(r.Context(), id); err != nil {
		writeAutomationError(w, err, "failed to delete automation")
		return
	}
	s.auditLog(auditDeleted, id, requestID(r), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableAutomation(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisableAutomation(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := s.rules.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		writeAutomationError(w, err, "failed to update automation")
		return
	}
	action := auditDisabled
	if enabled {
		action = auditEnabled
	}
	s.auditLog(action, id, requestID(r), nil)
	writeJSON(w, http.StatusOK, rule)
}

// triggerRequest is the optional body of POST /automations/{id}/trigger.
type triggerRequest struct {
	Variables map[string]any `json:"variables"`
}

// handleTriggerAutomation fires a rule by hand. Conditions still apply;
// a skipped run comes back with status "skipped". The response is 202
// because actions after a delay are still pending.
func (s *Server) handleTriggerAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	exec, err := s.runner.Trigger(r.Context(), id, req.Variables)
	if err != nil {
		writeAutomationError(w, err, "failed to trigger automation")
		return
	}

	s.auditLog(auditManual, id, requestID(r), map[string]any{
		"execution_id": exec.ExecutionID,
		"status":       string(exec.Status),
	})
	writeJSON(w, http.StatusAccepted, exec)
}

// handleListExecutions returns recent executions of a rule, newest first.
// ?limit defaults to 10, max 100.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "execution history not configured")
		return
	}
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if _, err := s.rules.Get(id); err != nil {
		writeAutomationError(w, err, "failed to get automation")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	execs, err := s.executions.ListExecutions(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list executions", "automation_id", id, "error", err)
		writeInternalError(w, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "execution history not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxIDLen {
		writeBadRequest(w, "invalid execution ID")
		return
	}
	exec, err := s.executions.GetExecution(r.Context(), id)
	if err != nil {
		writeAutomationError(w, err, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
