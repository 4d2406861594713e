package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used across the automation package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the rule store: a Repository fronted by an in-memory cache,
// with change notification so the scheduler picks up edits without a
// restart.
//
// The cache is populated on startup via RefreshCache() and kept in sync by
// the CRUD methods. All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Rule
	cacheMu sync.RWMutex
	logger  Logger

	subsMu sync.RWMutex
	subs   map[int]func(RuleChange)
	nextID int
}

// NewRegistry creates a rule registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Rule),
		logger: noopLogger{},
		subs:   make(map[int]func(RuleChange)),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all rules from the repository. Stored rules that no
// longer validate are kept but disabled in memory, and logged.
func (r *Registry) RefreshCache(ctx context.Context) error {
	rules, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading automations: %w", err)
	}

	r.cacheMu.Lock()
	r.cache = make(map[string]*Rule, len(rules))
	for i := range rules {
		rule := rules[i].DeepCopy()
		if err := ValidateRule(rule); err != nil {
			r.logger.Warn("stored automation is invalid, disabling", "id", rule.ID, "error", err)
			rule.Enabled = false
		}
		r.cache[rule.ID] = rule
	}
	r.cacheMu.Unlock()

	r.logger.Info("automation cache refreshed", "count", len(rules))
	return nil
}

// Get returns a copy of the rule.
func (r *Registry) Get(id string) (*Rule, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if !ok {
		return nil, ErrRuleNotFound
	}
	return cached.DeepCopy(), nil
}

// List returns copies of all rules sorted by name then ID.
func (r *Registry) List() []*Rule {
	r.cacheMu.RLock()
	rules := make([]*Rule, 0, len(r.cache))
	for _, rule := range r.cache {
		rules = append(rules, rule.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// Count returns the number of cached rules.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Create validates, persists and caches a new rule. A missing ID is
// generated and a missing combinator defaults to AND.
func (r *Registry) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = GenerateID()
	}
	if rule.ConditionType == "" {
		rule.ConditionType = CombineAnd
	}
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, rule); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rule.ID] = rule.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("automation created", "id", rule.ID, "name", rule.Name)
	r.emit(RuleChange{Kind: RuleCreated, ID: rule.ID, Rule: rule.DeepCopy()})
	return nil
}

// Update validates and persists a new definition for an existing rule.
// Run bookkeeping is kept from the stored rule.
func (r *Registry) Update(ctx context.Context, rule *Rule) error {
	if rule.ConditionType == "" {
		rule.ConditionType = CombineAnd
	}
	if err := ValidateRule(rule); err != nil {
		return err
	}

	r.cacheMu.RLock()
	existing, ok := r.cache[rule.ID]
	if ok {
		rule.LastTriggered = existing.DeepCopy().LastTriggered
		rule.ExecutionCount = existing.ExecutionCount
		rule.CreatedAt = existing.CreatedAt
	}
	r.cacheMu.RUnlock()

	if err := r.repo.Update(ctx, rule); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rule.ID] = rule.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("automation updated", "id", rule.ID, "name", rule.Name)
	r.emit(RuleChange{Kind: RuleUpdated, ID: rule.ID, Rule: rule.DeepCopy()})
	return nil
}

// Upsert creates the rule or, when its ID exists, updates it. It reports
// whether the rule was created.
func (r *Registry) Upsert(ctx context.Context, rule *Rule) (bool, error) {
	r.cacheMu.RLock()
	_, exists := r.cache[rule.ID]
	r.cacheMu.RUnlock()

	if exists && rule.ID != "" {
		return false, r.Update(ctx, rule)
	}
	return true, r.Create(ctx, rule)
}

// SetEnabled enables or disables a rule.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*Rule, error) {
	rule, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if rule.Enabled == enabled {
		return rule, nil
	}
	rule.Enabled = enabled
	if err := r.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete removes a rule from persistence and cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("automation deleted", "id", id)
	r.emit(RuleChange{Kind: RuleDeleted, ID: id})
	return nil
}

// RecordRun persists a rule's last-triggered time and execution count.
// Subscribers are not notified; the scheduler already knows.
func (r *Registry) RecordRun(ctx context.Context, id string, at time.Time, count int64) error {
	if err := r.repo.RecordRun(ctx, id, at, count); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		t := at
		cached.LastTriggered = &t
		cached.ExecutionCount = count
	}
	r.cacheMu.Unlock()
	return nil
}

// Subscribe registers fn for every rule change and returns a function that
// removes it. fn runs on the goroutine that made the change.
func (r *Registry) Subscribe(fn func(RuleChange)) (unsubscribe func()) {
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Registry) emit(change RuleChange) {
	r.subsMu.RLock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(RuleChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subsMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}
