package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrRuleNotFound is returned by rule mutations targeting an unknown rule id.
var ErrRuleNotFound = errors.New("rule not found")

type ruleEntry struct {
	rule      Rule
	order     int // declaration order, breaks priority ties
	triggered atomic.Int64
}

// Engine evaluates declarative conditions against a live context and
// classifies each match by execution mode. Evaluation is total: it never
// returns an error and never panics for a well-formed rule set.
//
// Mode and threshold mutations are expected to be routed through the
// governance gate before they reach SetMode/AdjustThreshold.
type Engine struct {
	mu      sync.RWMutex
	entries map[string]*ruleEntry
	ordered []*ruleEntry
	logger  hclog.Logger
}

type EngineOption = func(*Engine)

// NewEngine creates a new rule engine holding the given rule set.
func NewEngine(options ...EngineOption) *Engine {
	engine := &Engine{
		entries: make(map[string]*ruleEntry),
		logger:  hclog.Default().Named("rule-engine"),
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) { engine.logger = logger }
}

func EngineWithRules(rules []Rule) EngineOption {
	return func(engine *Engine) {
		for _, r := range rules {
			engine.AddRule(r)
		}
	}
}

// AddRule registers a rule. A rule with an already known id replaces the
// prior one but keeps its declaration order and counters.
func (engine *Engine) AddRule(rule Rule) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if entry, ok := engine.entries[rule.Id]; ok {
		entry.rule = rule
		return
	}
	entry := &ruleEntry{rule: rule, order: len(engine.ordered)}
	engine.entries[rule.Id] = entry
	engine.ordered = append(engine.ordered, entry)
}

// Evaluate runs every enabled rule against the context, highest priority
// first (declaration order breaks ties), and returns the matches. A missing
// context field makes its leaf false; an unknown operator never matches.
func (engine *Engine) Evaluate(context map[string]any) []Match {
	// Snapshot the rule values under the read lock. Mutators rewrite
	// entry.rule in place, so the sort and match loop below must not touch
	// the entries themselves; only the trigger counter is shared.
	type candidate struct {
		rule  Rule
		order int
		entry *ruleEntry
	}
	engine.mu.RLock()
	candidates := make([]candidate, 0, len(engine.ordered))
	for _, entry := range engine.ordered {
		if entry.rule.Enabled {
			candidates = append(candidates, candidate{
				rule:  copyRule(entry.rule),
				order: entry.order,
				entry: entry,
			})
		}
	}
	engine.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rule.Priority != candidates[j].rule.Priority {
			return candidates[i].rule.Priority > candidates[j].rule.Priority
		}
		return candidates[i].order < candidates[j].order
	})

	matches := make([]Match, 0)
	now := time.Now()
	for _, c := range candidates {
		if !evalCondition(c.rule.Condition, context) {
			continue
		}
		c.entry.triggered.Add(1)
		matches = append(matches, Match{
			RuleId:          c.rule.Id,
			RuleName:        c.rule.Name,
			Mode:            c.rule.Mode,
			Priority:        c.rule.Priority,
			Actions:         c.rule.Actions,
			ContextSnapshot: deepCopyContext(context),
			ShouldExecute:   c.rule.Mode == ModeAuto,
			NeedsApproval:   c.rule.Mode != ModeAuto,
			MatchedAt:       now,
		})
	}
	return matches
}

// Rules returns copies of the registered rules in declaration order.
func (engine *Engine) Rules() []Rule {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	res := make([]Rule, 0, len(engine.ordered))
	for _, entry := range engine.ordered {
		res = append(res, copyRule(entry.rule))
	}
	return res
}

// Rule returns a copy of one rule.
func (engine *Engine) Rule(id string) (Rule, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	entry, ok := engine.entries[id]
	if !ok {
		return Rule{}, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return copyRule(entry.rule), nil
}

// ModeForAction returns the mode of the first enabled rule (in declaration
// order) that lists the action code.
func (engine *Engine) ModeForAction(action string) (Mode, bool) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	for _, entry := range engine.ordered {
		if !entry.rule.Enabled {
			continue
		}
		for _, a := range entry.rule.Actions {
			if a == action {
				return entry.rule.Mode, true
			}
		}
	}
	return "", false
}

// Stats returns a snapshot of the per-rule trigger counters.
func (engine *Engine) Stats() []RuleStats {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	res := make([]RuleStats, 0, len(engine.ordered))
	for _, entry := range engine.ordered {
		res = append(res, RuleStats{
			RuleId:    entry.rule.Id,
			Triggered: entry.triggered.Load(),
			Enabled:   entry.rule.Enabled,
			Mode:      entry.rule.Mode,
		})
	}
	return res
}

// SetMode changes a rule's execution mode in place.
func (engine *Engine) SetMode(id string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown rule mode: %q", mode)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	entry, ok := engine.entries[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	entry.rule.Mode = mode
	return nil
}

// SetEnabled enables or disables a rule. Disabled rules stay registered and
// keep their counters.
func (engine *Engine) SetEnabled(id string, enabled bool) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	entry, ok := engine.entries[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	entry.rule.Enabled = enabled
	return nil
}

// AdjustThreshold updates a named threshold and re-syncs every condition leaf
// bound to it, so the threshold map and the condition tree cannot drift apart.
func (engine *Engine) AdjustThreshold(id string, key string, value float64) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	entry, ok := engine.entries[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if _, ok := entry.rule.Thresholds[key]; !ok {
		return fmt.Errorf("rule %s has no threshold %q", id, key)
	}
	entry.rule.Thresholds[key] = value
	entry.rule.Condition = syncThreshold(entry.rule.Condition, key, value)
	return nil
}

func evalCondition(cond Condition, context map[string]any) bool {
	switch c := cond.(type) {
	case nil:
		return false
	case Leaf:
		return evalLeaf(c, context)
	case *Leaf:
		return evalLeaf(*c, context)
	case Compound:
		return evalCompound(c, context)
	case *Compound:
		return evalCompound(*c, context)
	}
	return false
}

func evalCompound(c Compound, context map[string]any) bool {
	switch c.Op {
	case BoolAnd:
		for _, child := range c.Children {
			if !evalCondition(child, context) {
				return false
			}
		}
		return len(c.Children) > 0
	case BoolOr:
		for _, child := range c.Children {
			if evalCondition(child, context) {
				return true
			}
		}
		return false
	}
	return false
}

func evalLeaf(leaf Leaf, context map[string]any) bool {
	actual, ok := context[leaf.Field]
	if !ok {
		return false
	}
	if a, b, ok := asNumbers(actual, leaf.Value); ok {
		return compareNumbers(a, leaf.Operator, b)
	}
	if a, ok := actual.(string); ok {
		if b, ok := leaf.Value.(string); ok {
			return compareStrings(a, leaf.Operator, b)
		}
	}
	// type mismatch between context value and rule value never matches
	return false
}

func compareNumbers(a float64, op Operator, b float64) bool {
	switch op {
	case OpGte:
		return a >= b
	case OpGt:
		return a > b
	case OpLte:
		return a <= b
	case OpLt:
		return a < b
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	}
	return false
}

func compareStrings(a string, op Operator, b string) bool {
	switch op {
	case OpGte:
		return a >= b
	case OpGt:
		return a > b
	case OpLte:
		return a <= b
	case OpLt:
		return a < b
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	}
	return false
}

func asNumbers(a, b any) (float64, float64, bool) {
	af, ok := asFloat(a)
	if !ok {
		return 0, 0, false
	}
	bf, ok := asFloat(b)
	if !ok {
		return 0, 0, false
	}
	return af, bf, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

// syncThreshold returns the condition tree with every leaf bound to key
// updated to carry value.
func syncThreshold(cond Condition, key string, value float64) Condition {
	switch c := cond.(type) {
	case Leaf:
		if c.ThresholdRef == key {
			c.Value = value
		}
		return c
	case *Leaf:
		leaf := *c
		if leaf.ThresholdRef == key {
			leaf.Value = value
		}
		return leaf
	case Compound:
		children := make([]Condition, len(c.Children))
		for i, child := range c.Children {
			children[i] = syncThreshold(child, key, value)
		}
		return Compound{Op: c.Op, Children: children}
	case *Compound:
		return syncThreshold(*c, key, value)
	}
	return cond
}

func deepCopyContext(context map[string]any) map[string]any {
	res := make(map[string]any, len(context))
	for k, v := range context {
		res[k] = deepCopyValue(v)
	}
	return res
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyContext(t)
	case []any:
		res := make([]any, len(t))
		for i, e := range t {
			res[i] = deepCopyValue(e)
		}
		return res
	}
	return v
}

func copyRule(rule Rule) Rule {
	res := rule
	res.Actions = append([]string(nil), rule.Actions...)
	res.Thresholds = make(map[string]float64, len(rule.Thresholds))
	for k, v := range rule.Thresholds {
		res.Thresholds[k] = v
	}
	return res
}
