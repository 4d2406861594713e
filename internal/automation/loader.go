package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML document imported at startup:
//
//	rules:
//	  - id: porch-light-at-sunset
//	    name: Porch light at sunset
//	    trigger:
//	      type: solar
//	      solar: {event: sunset, offset_minutes: -10}
//	    actions:
//	      - type: device_command
//	        device_command: {device_id: porch-light, command: turn_on}
type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// fileRule lets enabled default to true when omitted.
type fileRule struct {
	Rule    `yaml:",inline"`
	Enabled *bool `yaml:"enabled,omitempty"`
}

// LoadRuleFile reads and validates a YAML rule file. Unknown fields are
// rejected. Rules without an ID get one derived from their name.
func LoadRuleFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) ([]*Rule, error) {
	var doc ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	var problems []error
	seen := make(map[string]bool, len(doc.Rules))
	rules := make([]*Rule, 0, len(doc.Rules))
	for i := range doc.Rules {
		fr := doc.Rules[i]
		rule := fr.Rule.DeepCopy()
		rule.Enabled = fr.Enabled == nil || *fr.Enabled
		if rule.ID == "" {
			rule.ID = GenerateSlug(rule.Name)
		}
		if rule.ConditionType == "" {
			rule.ConditionType = CombineAnd
		}
		if seen[rule.ID] {
			problems = append(problems, fmt.Errorf("rules[%d]: duplicate id %q", i, rule.ID))
			continue
		}
		seen[rule.ID] = true
		if err := ValidateRule(rule); err != nil {
			problems = append(problems, fmt.Errorf("rules[%d] (%s): %w", i, rule.ID, err))
			continue
		}
		rules = append(rules, rule)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return rules, nil
}

// ImportRules upserts rules into the registry and returns how many were
// created and updated.
func ImportRules(ctx context.Context, reg *Registry, rules []*Rule) (created, updated int, err error) {
	for _, rule := range rules {
		isNew, upsertErr := reg.Upsert(ctx, rule)
		if upsertErr != nil {
			return created, updated, fmt.Errorf("importing %s: %w", rule.ID, upsertErr)
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}
