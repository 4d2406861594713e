package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

const sampleRules = `
rules:
  - id: porch-light-at-sunset
    name: Porch light at sunset
    trigger:
      type: solar
      solar: {event: sunset, offset_minutes: -10}
    actions:
      - type: device_command
        device_command: {device_id: porch-light, command: turn_on}

  - name: Hall Night Light
    enabled: false
    trigger:
      type: device_state
      device_state: {device_id: motion-hall, property: motion, operator: "==", value: true}
    conditions:
      - type: time
        time: {after: "22:00", before: "06:00"}
    actions:
      - type: device_command
        device_command:
          device_id: light-hall
          command: set_brightness
          params: {brightness: 30}
      - type: delay
        delay: {minutes: 5}
      - type: device_command
        device_command: {device_id: light-hall, command: turn_off}
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}

	porch := rules[0]
	if porch.ID != "porch-light-at-sunset" || !porch.Enabled || porch.ConditionType != CombineAnd {
		t.Errorf("porch = %+v", porch)
	}
	if porch.Trigger.Solar == nil || porch.Trigger.Solar.Event != solar.Sunset || porch.Trigger.Solar.OffsetMinutes != -10 {
		t.Errorf("solar trigger = %+v", porch.Trigger.Solar)
	}

	hall := rules[1]
	if hall.ID != "hall-night-light" {
		t.Errorf("derived ID = %q", hall.ID)
	}
	if hall.Enabled {
		t.Error("enabled: false ignored")
	}
	if got := hall.Actions[1].Delay.Duration().Minutes(); got != 5 {
		t.Errorf("delay = %v minutes", got)
	}
	if hall.Actions[0].DeviceCommand.Params["brightness"] != 30 {
		t.Errorf("params = %v", hall.Actions[0].DeviceCommand.Params)
	}
}

func TestParseRules_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{
			name:    "unknown field",
			doc:     "rules:\n  - name: x\n    colour: red\n",
			wantMsg: "field colour not found",
		},
		{
			name: "duplicate id",
			doc: `
rules:
  - {id: a, name: A, trigger: {type: time, time: {at: "08:00"}}, actions: [{type: delay, delay: {seconds: 1}}]}
  - {id: a, name: B, trigger: {type: time, time: {at: "09:00"}}, actions: [{type: delay, delay: {seconds: 1}}]}
`,
			wantMsg: `duplicate id "a"`,
		},
		{
			name:    "invalid rule",
			doc:     "rules:\n  - {id: a, name: A, trigger: {type: time, time: {at: \"25:00\"}}}\n",
			wantMsg: "rules[0] (a)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseRules_Empty(t *testing.T) {
	rules, err := ParseRules(nil)
	if err != nil || len(rules) != 0 {
		t.Errorf("ParseRules(nil) = %v, %v", rules, err)
	}
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRuleFile(path)
	if err != nil || len(rules) != 2 {
		t.Fatalf("LoadRuleFile = %d rules, %v", len(rules), err)
	}

	if _, err := LoadRuleFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestImportRules(t *testing.T) {
	registry := NewRegistry(newMockRepository())
	ctx := context.Background()
	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}

	created, updated, err := ImportRules(ctx, registry, rules)
	if err != nil || created != 2 || updated != 0 {
		t.Fatalf("first import = %d/%d, %v", created, updated, err)
	}
	created, updated, err = ImportRules(ctx, registry, rules)
	if err != nil || created != 0 || updated != 2 {
		t.Fatalf("second import = %d/%d, %v", created, updated, err)
	}
	if registry.Count() != 2 {
		t.Errorf("Count() = %d", registry.Count())
	}
}
