package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRules(t *testing.T) {
	data := []byte(`
rules:
  - id: overdue-payment
    name: Overdue payment follow-up
    mode: auto
    priority: 10
    thresholds:
      minDays: 7
    condition:
      all:
        - field: daysOverdue
          op: ">="
          threshold: minDays
        - field: balance
          op: ">"
          value: 0
    actions:
      - payment_reminder
  - id: churn-watch
    mode: observe
    priority: 1
    enabled: false
    condition:
      field: attendanceRate
      op: "<"
      value: 0.5
`)

	rules, err := ParseRules(data)

	assert.NoError(t, err)
	assert.Len(t, rules, 2)

	overdue := rules[0]
	assert.Equal(t, "overdue-payment", overdue.Id)
	assert.Equal(t, ModeAuto, overdue.Mode)
	assert.True(t, overdue.Enabled)
	compound, ok := overdue.Condition.(Compound)
	assert.True(t, ok)
	assert.Equal(t, BoolAnd, compound.Op)
	assert.Len(t, compound.Children, 2)
	leaf := compound.Children[0].(Leaf)
	assert.Equal(t, "minDays", leaf.ThresholdRef)
	assert.Equal(t, float64(7), leaf.Value)

	churn := rules[1]
	assert.False(t, churn.Enabled)
	assert.IsType(t, Leaf{}, churn.Condition)
}

func TestParseRulesRejectsDuplicateIds(t *testing.T) {
	data := []byte(`
rules:
  - id: dup
    mode: observe
    condition: {field: x, op: "==", value: 1}
  - id: dup
    mode: observe
    condition: {field: x, op: "==", value: 1}
`)

	_, err := ParseRules(data)

	assert.ErrorContains(t, err, "duplicate rule id")
}

func TestParseRulesRejectsUnknownOperator(t *testing.T) {
	data := []byte(`
rules:
  - id: bad-op
    mode: observe
    condition: {field: x, op: "~=", value: 1}
`)

	_, err := ParseRules(data)

	assert.ErrorContains(t, err, "unknown operator")
}

func TestParseRulesRejectsUnknownThresholdRef(t *testing.T) {
	data := []byte(`
rules:
  - id: bad-ref
    mode: observe
    condition: {field: x, op: ">=", threshold: missing}
`)

	_, err := ParseRules(data)

	assert.ErrorContains(t, err, "unknown threshold")
}

func TestParseRulesRejectsUnknownMode(t *testing.T) {
	data := []byte(`
rules:
  - id: bad-mode
    mode: turbo
    condition: {field: x, op: "==", value: 1}
`)

	_, err := ParseRules(data)

	assert.ErrorContains(t, err, "unknown rule mode")
}

func TestParseRulesRejectsActionlessNonObserveRule(t *testing.T) {
	data := []byte(`
rules:
  - id: auto-noop
    mode: auto
    condition: {field: x, op: "==", value: 1}
`)

	_, err := ParseRules(data)

	assert.ErrorContains(t, err, "at least one action")
}

func TestParseRulesRejectsMixedConditionNode(t *testing.T) {
	data := []byte(`
rules:
  - id: mixed
    mode: observe
    condition:
      field: x
      op: "=="
      value: 1
      all:
        - {field: y, op: "==", value: 2}
`)

	_, err := ParseRules(data)

	assert.ErrorContains(t, err, "cannot be both")
}
