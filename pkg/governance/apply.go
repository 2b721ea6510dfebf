package governance

import (
	"context"
	"fmt"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/rules"
)

// RuleMutator is the slice of the rule engine the gate needs to apply
// approved changes.
type RuleMutator interface {
	SetMode(id string, mode rules.Mode) error
	AdjustThreshold(id string, key string, value float64) error
}

// ApplyModeChange validates a promotion and, only on approval, mutates the
// live rule set. The returned verdict reports the outcome either way.
func (gate *Gate) ApplyModeChange(ctx context.Context, mutator RuleMutator, req PromotionRequest) (runtime.Verdict, error) {
	verdict, err := gate.ValidatePromotion(ctx, req)
	if err != nil || !verdict.Approved {
		return verdict, err
	}
	if err := mutator.SetMode(req.RuleId, req.TargetMode); err != nil {
		return verdict, fmt.Errorf("approved mode change could not be applied: %w", err)
	}
	gate.logger.Info(fmt.Sprintf("rule %s promoted to mode %s", req.RuleId, req.TargetMode))
	return verdict, nil
}

// ApplyThresholdChange validates a threshold adjustment and, only on
// approval, mutates the live rule set.
func (gate *Gate) ApplyThresholdChange(ctx context.Context, mutator RuleMutator, req ThresholdAdjustmentRequest) (runtime.Verdict, error) {
	verdict, err := gate.ValidateThresholdAdjustment(ctx, req)
	if err != nil || !verdict.Approved {
		return verdict, err
	}
	if err := mutator.AdjustThreshold(req.RuleId, req.ThresholdKey, req.NewValue); err != nil {
		return verdict, fmt.Errorf("approved threshold change could not be applied: %w", err)
	}
	gate.logger.Info(fmt.Sprintf("rule %s threshold %s adjusted to %g", req.RuleId, req.ThresholdKey, req.NewValue))
	return verdict, nil
}
