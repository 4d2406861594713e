package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the automations
// schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	// Matches migrations/20260301_090000_automations.up.sql
	schema := `
		PRAGMA foreign_keys = ON;

		CREATE TABLE automations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			trigger_type TEXT NOT NULL,
			trigger TEXT NOT NULL,
			condition_type TEXT NOT NULL DEFAULT 'AND',
			conditions TEXT NOT NULL DEFAULT '[]',
			actions TEXT NOT NULL DEFAULT '[]',
			last_triggered TEXT,
			execution_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE TABLE automation_executions (
			id TEXT PRIMARY KEY,
			automation_id TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			trigger TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			results TEXT NOT NULL DEFAULT '[]',
			context TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER,
			FOREIGN KEY (automation_id) REFERENCES automations(id) ON DELETE CASCADE
		) STRICT;`

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// testRule returns a motion rule with a condition and nested actions so
// every JSON column carries data.
func testRule(id, name string) *Rule {
	return &Rule{
		ID:            id,
		Name:          name,
		Description:   "Hall light on motion after dark",
		Enabled:       true,
		ConditionType: CombineAnd,
		Trigger: Trigger{Type: TriggerDeviceState, DeviceState: &StateComparison{
			DeviceID: "motion-hall", Property: "motion", Operator: OpEq, Value: true,
		}},
		Conditions: []Condition{timeCond("22:00", "06:00")},
		Actions: []Action{
			{Type: ActionDeviceCommand, DeviceCommand: &DeviceCommandAction{
				DeviceID: "light-hall", Command: "set_brightness", Params: map[string]any{"brightness": float64(30)},
			}},
			delayAction(300),
			commandAction("light-hall", "turn_off"),
		},
	}
}

func testExecution(id, ruleID string, started time.Time) *Execution {
	return &Execution{
		ExecutionID: id,
		RuleID:      ruleID,
		RuleName:    "Hall night light",
		Trigger:     EventDeviceStateChanged,
		Status:      StatusPartial,
		Results: []ActionResult{
			{Index: 0, Path: "0", Type: ActionDeviceCommand, DeviceID: "light-hall", Command: "turn_on",
				Status: ActionSucceeded, Attempts: 1, StartedAt: started},
			{Index: 1, Path: "1", Type: ActionDeviceCommand, DeviceID: "fan-hall", Command: "turn_on",
				Status: ActionFailed, Attempts: 3, Error: "device unreachable", StartedAt: started},
		},
		Context:     map[string]any{"device_id": "motion-hall"},
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
	}
}

// ─── Rules ──────────────────────────────────────────────────────────

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	rule := testRule("hall-night", "Hall night light")
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rule.CreatedAt.IsZero() || rule.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	got, err := repo.GetByID(ctx, "hall-night")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Name != rule.Name || got.Description != rule.Description || !got.Enabled {
		t.Errorf("got %+v", got)
	}
	if got.Trigger.Type != TriggerDeviceState || got.Trigger.DeviceState == nil ||
		got.Trigger.DeviceState.Value != true {
		t.Errorf("trigger = %+v", got.Trigger)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Time == nil || got.Conditions[0].Time.After != "22:00" {
		t.Errorf("conditions = %+v", got.Conditions)
	}
	if len(got.Actions) != 3 {
		t.Fatalf("actions = %d, want 3", len(got.Actions))
	}
	if got.Actions[0].DeviceCommand.Params["brightness"] != float64(30) {
		t.Errorf("params = %v", got.Actions[0].DeviceCommand.Params)
	}
	if got.Actions[1].Delay == nil || got.Actions[1].Delay.Seconds != 300 {
		t.Errorf("delay = %+v", got.Actions[1])
	}
}

func TestSQLiteRepository_CreateDuplicate(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testRule("r1", "One")); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, testRule("r1", "Again")); !errors.Is(err, ErrRuleExists) {
		t.Errorf("Create duplicate = %v, want ErrRuleExists", err)
	}
}

func TestSQLiteRepository_GetByID_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("GetByID = %v, want ErrRuleNotFound", err)
	}
}

func TestSQLiteRepository_List(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, r := range []*Rule{testRule("c", "Zeta"), testRule("a", "Alpha"), testRule("b", "Alpha")} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	rules, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("order = %v, want [a b c]", ids)
	}
}

func TestSQLiteRepository_UpdateKeepsRunBookkeeping(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	rule := testRule("r1", "Before")
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatal(err)
	}
	ran := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	if err := repo.RecordRun(ctx, "r1", ran, 7); err != nil {
		t.Fatal(err)
	}

	rule.Name = "After"
	rule.Enabled = false
	rule.ExecutionCount = 0
	rule.LastTriggered = nil
	if err := repo.Update(ctx, rule); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetByID(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "After" || got.Enabled {
		t.Errorf("definition not updated: %+v", got)
	}
	if got.ExecutionCount != 7 || got.LastTriggered == nil || !got.LastTriggered.Equal(ran) {
		t.Errorf("bookkeeping = %d / %v, want 7 / %v", got.ExecutionCount, got.LastTriggered, ran)
	}
}

func TestSQLiteRepository_NotFoundWrites(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"update", func() error { return repo.Update(ctx, testRule("ghost", "Ghost")) }},
		{"delete", func() error { return repo.Delete(ctx, "ghost") }},
		{"record run", func() error { return repo.RecordRun(ctx, "ghost", time.Now(), 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrRuleNotFound) {
				t.Errorf("error = %v, want ErrRuleNotFound", err)
			}
		})
	}
}

// ─── Executions ─────────────────────────────────────────────────────

func TestSQLiteRepository_Executions(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	if err := repo.Create(ctx, testRule("r1", "Hall")); err != nil {
		t.Fatal(err)
	}

	started := time.Date(2026, 3, 2, 23, 15, 0, 0, time.UTC)
	if err := repo.CreateExecution(ctx, testExecution("e1", "r1", started)); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := repo.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPartial || got.RuleID != "r1" || got.Trigger != EventDeviceStateChanged {
		t.Errorf("execution = %+v", got)
	}
	if len(got.Results) != 2 || got.Results[1].Error != "device unreachable" || got.Results[1].Attempts != 3 {
		t.Errorf("results = %+v", got.Results)
	}
	if got.Context["device_id"] != "motion-hall" {
		t.Errorf("context = %v", got.Context)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v", got.StartedAt)
	}

	if _, err := repo.GetExecution(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("GetExecution(missing) = %v", err)
	}
}

func TestSQLiteRepository_ListExecutions(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if err := repo.Create(ctx, testRule(id, id)); err != nil {
			t.Fatal(err)
		}
	}

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		if err := repo.CreateExecution(ctx, testExecution(fmt.Sprintf("e%02d", i), "r1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.CreateExecution(ctx, testExecution("other", "r2", base)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		limit     int
		wantCount int
		wantFirst string
	}{
		{"default limit", 0, 10, "e14"},
		{"explicit limit", 3, 3, "e14"},
		{"capped", 1000, 15, "e14"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execs, err := repo.ListExecutions(ctx, "r1", tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if len(execs) != tt.wantCount {
				t.Fatalf("count = %d, want %d", len(execs), tt.wantCount)
			}
			if execs[0].ExecutionID != tt.wantFirst {
				t.Errorf("first = %s, want newest %s", execs[0].ExecutionID, tt.wantFirst)
			}
			for _, e := range execs {
				if e.RuleID != "r1" {
					t.Errorf("leaked execution %s of %s", e.ExecutionID, e.RuleID)
				}
			}
		})
	}
}

func TestSQLiteRepository_PruneExecutions(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	if err := repo.Create(ctx, testRule("r1", "Hall")); err != nil {
		t.Fatal(err)
	}

	old := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for id, ts := range map[string]time.Time{"old-1": old, "old-2": old.Add(time.Hour), "new": recent} {
		if err := repo.CreateExecution(ctx, testExecution(id, "r1", ts)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.PruneExecutions(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	execs, _ := repo.ListExecutions(ctx, "r1", 0)
	if len(execs) != 1 || execs[0].ExecutionID != "new" {
		t.Errorf("remaining = %+v", execs)
	}
}

func TestSQLiteRepository_DeleteCascadesExecutions(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	if err := repo.Create(ctx, testRule("r1", "Hall")); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateExecution(ctx, testExecution("e1", "r1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	if err := repo.Delete(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetExecution(ctx, "e1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("execution survived rule deletion: %v", err)
	}
}
