package outcome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/rules"
	"github.com/studiopulse/autopilot/pkg/storage"
)

// Engagement is a fixed ordinal scale for the qualitative state of an entity.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementMedium Engagement = "medium"
	EngagementHigh   Engagement = "high"
)

var engagementRank = map[Engagement]int{
	EngagementLow:    0,
	EngagementMedium: 1,
	EngagementHigh:   2,
}

// Snapshot is the observed state of an entity before or after an
// intervention. The surrounding product computes these KPIs; the evaluator
// only compares them.
type Snapshot struct {
	AttendanceRate     float64
	OutstandingBalance float64
	EngagementLevel    Engagement
}

// Point contributions are flat per metric that moved favorably, spread over a
// 100-point scale. Flat bonuses keep the score robust to outliers; the
// magnitude of an improvement deliberately does not matter.
const (
	attendancePoints = 30
	balancePoints    = 40
	engagementPoints = 30

	// PassScore is the fixed pass line: an intervention counts as successful
	// once at least half of the available points were earned.
	PassScore = 50
)

const (
	// minTrials is the minimum sample size before any suggestion is trusted.
	minTrials = 10
	// promoteRate is the success rate from which a promotion to auto is suggested.
	promoteRate = 0.7
	// adjustRate is the success rate below which a threshold review is suggested.
	adjustRate = 0.3
)

// Evaluation is the scored effect of one executed step.
type Evaluation struct {
	InterventionKey int64
	ActionCode      string
	Success         bool
	Score           float64
	Metrics         map[string]bool
	EvaluatedAt     time.Time
}

// RuleModeResolver reports the execution mode of the rule owning an action
// code. The rule engine implements it.
type RuleModeResolver interface {
	ModeForAction(action string) (rules.Mode, bool)
}

// Evaluator scores the real-world effect of executed steps against numeric
// KPIs and folds repeated outcomes into per-action learning records.
type Evaluator struct {
	persistence storage.Storage
	resolver    RuleModeResolver
	logger      hclog.Logger
	clock       func() time.Time
	mu          sync.Mutex
}

type EvaluatorOption = func(*Evaluator)

func NewEvaluator(options ...EvaluatorOption) *Evaluator {
	evaluator := &Evaluator{
		logger: hclog.Default().Named("outcome-evaluator"),
		clock:  time.Now,
	}
	for _, option := range options {
		option(evaluator)
	}
	return evaluator
}

func EvaluatorWithStorage(persistence storage.Storage) EvaluatorOption {
	return func(evaluator *Evaluator) { evaluator.persistence = persistence }
}

func EvaluatorWithRuleResolver(resolver RuleModeResolver) EvaluatorOption {
	return func(evaluator *Evaluator) { evaluator.resolver = resolver }
}

func EvaluatorWithLogger(logger hclog.Logger) EvaluatorOption {
	return func(evaluator *Evaluator) { evaluator.logger = logger }
}

func EvaluatorWithClock(clock func() time.Time) EvaluatorOption {
	return func(evaluator *Evaluator) { evaluator.clock = clock }
}

// Evaluate scores the before/after effect of one intervention and updates the
// per-action learning record. The learning record never shrinks.
func (evaluator *Evaluator) Evaluate(ctx context.Context, interventionKey int64, actionCode string, before, after Snapshot) (Evaluation, error) {
	score := 0.0
	metrics := map[string]bool{
		"attendance_improved": after.AttendanceRate > before.AttendanceRate,
		"balance_reduced":     after.OutstandingBalance < before.OutstandingBalance,
		"engagement_improved": engagementRank[after.EngagementLevel] > engagementRank[before.EngagementLevel],
	}
	if metrics["attendance_improved"] {
		score += attendancePoints
	}
	if metrics["balance_reduced"] {
		score += balancePoints
	}
	if metrics["engagement_improved"] {
		score += engagementPoints
	}

	evaluation := Evaluation{
		InterventionKey: interventionKey,
		ActionCode:      actionCode,
		Success:         score >= PassScore,
		Score:           score,
		Metrics:         metrics,
		EvaluatedAt:     evaluator.clock(),
	}
	if err := evaluator.recordTrial(ctx, evaluation); err != nil {
		return evaluation, err
	}
	return evaluation, nil
}

// recordTrial folds one evaluation into the action's learning record. The
// read-modify-write runs under the evaluator lock so concurrent evaluations
// from multiple event sources cannot lose increments.
func (evaluator *Evaluator) recordTrial(ctx context.Context, evaluation Evaluation) error {
	evaluator.mu.Lock()
	defer evaluator.mu.Unlock()

	record, err := evaluator.persistence.FindLearningRecord(ctx, evaluation.ActionCode)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load learning record for %s: %w", evaluation.ActionCode, err)
		}
		record = runtime.LearningRecord{ActionCode: evaluation.ActionCode}
	}
	record.TotalTrials++
	if evaluation.Success {
		record.SuccessCount++
	}
	record.CumulativeScore += evaluation.Score
	record.SuccessRate = float64(record.SuccessCount) / float64(record.TotalTrials)
	if err := evaluator.persistence.SaveLearningRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to persist learning record for %s: %w", evaluation.ActionCode, err)
	}
	return nil
}

// AutoAdjust appends an advisory adjustment suggestion to the action's
// learning record once enough trials accumulated. Suggestions are never
// applied here; applying one always routes through the governance gate.
func (evaluator *Evaluator) AutoAdjust(ctx context.Context, actionCode string) (*runtime.Adjustment, error) {
	evaluator.mu.Lock()
	defer evaluator.mu.Unlock()

	record, err := evaluator.persistence.FindLearningRecord(ctx, actionCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load learning record for %s: %w", actionCode, err)
	}
	if record.TotalTrials < minTrials {
		return nil, nil
	}

	var adjustment *runtime.Adjustment
	switch {
	case record.SuccessRate >= promoteRate:
		if evaluator.resolver == nil {
			return nil, nil
		}
		mode, ok := evaluator.resolver.ModeForAction(actionCode)
		if !ok || mode != rules.ModeObserve {
			return nil, nil
		}
		adjustment = &runtime.Adjustment{
			Type:        runtime.AdjustmentPromoteToAuto,
			SuccessRate: record.SuccessRate,
			SuggestedAt: evaluator.clock(),
		}
	case record.SuccessRate < adjustRate:
		adjustment = &runtime.Adjustment{
			Type:        runtime.AdjustmentAdjustThreshold,
			SuccessRate: record.SuccessRate,
			SuggestedAt: evaluator.clock(),
		}
	default:
		return nil, nil
	}

	record.Adjustments = append(record.Adjustments, *adjustment)
	if err := evaluator.persistence.SaveLearningRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist adjustment for %s: %w", actionCode, err)
	}
	evaluator.logger.Info(fmt.Sprintf("suggested %s for action %s at success rate %.2f", adjustment.Type, actionCode, record.SuccessRate))
	return adjustment, nil
}

// LearningRecord returns the current aggregate for an action code.
func (evaluator *Evaluator) LearningRecord(ctx context.Context, actionCode string) (runtime.LearningRecord, error) {
	return evaluator.persistence.FindLearningRecord(ctx, actionCode)
}
