package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleSetDoc struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Id         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Mode       Mode               `yaml:"mode"`
	Priority   int                `yaml:"priority"`
	Enabled    *bool              `yaml:"enabled"`
	Thresholds map[string]float64 `yaml:"thresholds"`
	Condition  conditionDoc       `yaml:"condition"`
	Actions    []string           `yaml:"actions"`
}

// conditionDoc is the file form of a condition node: either a single
// comparison (field/op/value) or a compound (all/any) over children.
type conditionDoc struct {
	Field     string         `yaml:"field"`
	Op        string         `yaml:"op"`
	Value     any            `yaml:"value"`
	Threshold string         `yaml:"threshold"`
	All       []conditionDoc `yaml:"all"`
	Any       []conditionDoc `yaml:"any"`
}

// LoadRulesFromFile reads a YAML rule-set file.
func LoadRulesFromFile(filename string) ([]Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set %s: %w", filename, err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates a YAML rule set.
func ParseRules(data []byte) ([]Rule, error) {
	var doc ruleSetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule set: %w", err)
	}
	res := make([]Rule, 0, len(doc.Rules))
	seen := make(map[string]bool)
	for _, rd := range doc.Rules {
		if rd.Id == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if seen[rd.Id] {
			return nil, fmt.Errorf("duplicate rule id %q", rd.Id)
		}
		seen[rd.Id] = true
		cond, err := buildCondition(rd.Condition, rd.Thresholds)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rd.Id, err)
		}
		if len(rd.Actions) == 0 && rd.Mode != ModeObserve {
			return nil, fmt.Errorf("rule %s: non-observe rule needs at least one action", rd.Id)
		}
		enabled := true
		if rd.Enabled != nil {
			enabled = *rd.Enabled
		}
		thresholds := rd.Thresholds
		if thresholds == nil {
			thresholds = map[string]float64{}
		}
		res = append(res, Rule{
			Id:         rd.Id,
			Name:       rd.Name,
			Mode:       rd.Mode,
			Priority:   rd.Priority,
			Enabled:    enabled,
			Condition:  cond,
			Actions:    rd.Actions,
			Thresholds: thresholds,
		})
	}
	return res, nil
}

func buildCondition(doc conditionDoc, thresholds map[string]float64) (Condition, error) {
	compound := len(doc.All) > 0 || len(doc.Any) > 0
	leaf := doc.Field != ""
	switch {
	case compound && leaf:
		return nil, fmt.Errorf("condition node cannot be both a comparison and a compound")
	case compound:
		if len(doc.All) > 0 && len(doc.Any) > 0 {
			return nil, fmt.Errorf("condition node cannot carry both all and any")
		}
		op := BoolAnd
		childDocs := doc.All
		if len(doc.Any) > 0 {
			op = BoolOr
			childDocs = doc.Any
		}
		children := make([]Condition, 0, len(childDocs))
		for _, cd := range childDocs {
			child, err := buildCondition(cd, thresholds)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return Compound{Op: op, Children: children}, nil
	case leaf:
		op := Operator(doc.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("unknown operator %q for field %s", doc.Op, doc.Field)
		}
		value := doc.Value
		if doc.Threshold != "" {
			tv, ok := thresholds[doc.Threshold]
			if !ok {
				return nil, fmt.Errorf("field %s references unknown threshold %q", doc.Field, doc.Threshold)
			}
			value = tv
		}
		if value == nil {
			return nil, fmt.Errorf("field %s has no comparison value", doc.Field)
		}
		return Leaf{
			Field:        doc.Field,
			Operator:     op,
			Value:        value,
			ThresholdRef: doc.Threshold,
		}, nil
	}
	return nil, fmt.Errorf("empty condition node")
}
