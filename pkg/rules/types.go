package rules

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode is a rule's execution privilege level.
type Mode string

const (
	// ModeObserve logs matches without executing anything.
	ModeObserve Mode = "observe"
	// ModeAuto executes matched actions without human involvement.
	ModeAuto Mode = "auto"
	// ModeGated requires human approval before execution.
	ModeGated Mode = "gated"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeObserve, ModeAuto, ModeGated:
		return true
	}
	return false
}

func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	mode := Mode(s)
	if !mode.Valid() {
		return fmt.Errorf("unknown rule mode: %q", s)
	}
	*m = mode
	return nil
}

// Operator is a comparison operator usable in a condition leaf.
type Operator string

const (
	OpGte Operator = ">="
	OpGt  Operator = ">"
	OpLte Operator = "<="
	OpLt  Operator = "<"
	OpEq  Operator = "=="
	OpNeq Operator = "!="
)

func (o Operator) Valid() bool {
	switch o {
	case OpGte, OpGt, OpLte, OpLt, OpEq, OpNeq:
		return true
	}
	return false
}

// BoolOp joins the children of a compound condition.
type BoolOp string

const (
	BoolAnd BoolOp = "and"
	BoolOr  BoolOp = "or"
)

// Condition is a boolean expression tree over named context fields. It is a
// closed union: every node is either a Leaf comparison or a Compound over
// child conditions.
type Condition interface {
	isCondition()
}

// Leaf compares a single context field against a value. ThresholdRef
// optionally names the rule threshold the value is bound to; adjusting that
// threshold re-syncs Value.
type Leaf struct {
	Field        string
	Operator     Operator
	Value        any
	ThresholdRef string
}

func (Leaf) isCondition() {}

// Compound joins child conditions with and/or, short-circuiting in child order.
type Compound struct {
	Op       BoolOp
	Children []Condition
}

func (Compound) isCondition() {}

// Rule is a named, prioritized, enableable condition-to-actions mapping.
// Rules are never deleted, only disabled; Mode and Thresholds mutate only
// through the governance gate.
type Rule struct {
	Id         string
	Name       string
	Mode       Mode
	Priority   int
	Enabled    bool
	Condition  Condition
	Actions    []string
	Thresholds map[string]float64
}

// Match is one verdict of a rule evaluation pass. ContextSnapshot is a deep
// copy of the triggering context taken at match time.
type Match struct {
	RuleId          string
	RuleName        string
	Mode            Mode
	Priority        int
	Actions         []string
	ContextSnapshot map[string]any
	ShouldExecute   bool
	NeedsApproval   bool
	MatchedAt       time.Time
}

// RuleStats is a snapshot of a rule's evaluation counters.
type RuleStats struct {
	RuleId    string
	Triggered int64
	Enabled   bool
	Mode      Mode
}
