package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/rules"
	"github.com/studiopulse/autopilot/pkg/storage"
)

// Law identifiers, one per invariant. A verdict is approved only when no law
// raised a violation.
const (
	LawScoreGate        = "score_gate"
	LawEvidenceGate     = "evidence_gate"
	LawCoolingOff       = "cooling_off"
	LawBoundedMagnitude = "bounded_magnitude"
	LawRarityCap        = "rarity_cap"
)

const (
	// QualityScoreThreshold is the minimum blended quality score for a
	// promotion to the fully automatic mode.
	QualityScoreThreshold = 70.0
	// CoolingOffPeriod is the mandatory wait between first proposing a change
	// and it becoming eligible for approval.
	CoolingOffPeriod = 24 * time.Hour
	// MaxChangeMagnitude caps the relative size of a threshold adjustment.
	// Larger jumps must be split into multiple separately gated changes.
	MaxChangeMagnitude = 0.5
	// TopTierCap is the maximum fraction of governed items allowed to hold
	// the most privileged tier simultaneously.
	TopTierCap = 0.10
	// SignatureTriggerFloor is the trigger volume from which the validator
	// signature evidence self-certifies.
	SignatureTriggerFloor = 10
	// DefaultPendingTTL is the age at which unconfirmed pending changes expire.
	DefaultPendingTTL = 7 * 24 * time.Hour
)

// EvidenceKind is one of the five artifact kinds a promotion must carry.
type EvidenceKind string

const (
	EvidenceInputRecord        EvidenceKind = "input_record"
	EvidenceProcessTrace       EvidenceKind = "process_trace"
	EvidenceOutputFingerprint  EvidenceKind = "output_fingerprint"
	EvidenceTimestamp          EvidenceKind = "timestamp"
	EvidenceValidatorSignature EvidenceKind = "validator_signature"
)

// requiredEvidence is the complete bundle, in reporting order.
var requiredEvidence = []EvidenceKind{
	EvidenceInputRecord,
	EvidenceProcessTrace,
	EvidenceOutputFingerprint,
	EvidenceTimestamp,
	EvidenceValidatorSignature,
}

// emergencyCategories bypass the cooling-off wait entirely.
var emergencyCategories = map[string]bool{
	"security":       true,
	"data_integrity": true,
}

// PromotionMetrics is the measured track record backing a promotion request.
type PromotionMetrics struct {
	Satisfaction  float64 // 0..100
	ReuseRate     float64 // 0..1
	FailureRate   float64 // 0..100
	OutcomeImpact float64 // 0..100
	TriggerCount  int
}

// QualityScore is the weighted blend of satisfaction, reuse, reliability and
// outcome impact used by the score gate.
func (m PromotionMetrics) QualityScore() float64 {
	return 0.25*m.Satisfaction + 0.25*m.ReuseRate*100 + 0.25*(100-m.FailureRate) + 0.25*m.OutcomeImpact
}

// PromotionRequest proposes moving a rule to a more privileged mode.
type PromotionRequest struct {
	RuleId      string
	CurrentMode rules.Mode
	TargetMode  rules.Mode
	Metrics     PromotionMetrics
	Evidence    map[EvidenceKind]string
	// Emergency names an allowed emergency category; it bypasses cooling-off.
	Emergency string
}

// ThresholdAdjustmentRequest proposes changing one named rule threshold.
type ThresholdAdjustmentRequest struct {
	RuleId       string
	ThresholdKey string
	OldValue     float64
	NewValue     float64
	Emergency    string
}

// GovernedItem is one item counted against the rarity cap.
type GovernedItem struct {
	Id      string
	TopTier bool
}

// Gate refuses mode promotions and threshold changes unless they pass the
// fixed invariants. Rejection is an expected, auditable outcome, returned as
// data, never as an error; errors signal storage trouble only.
type Gate struct {
	persistence storage.Storage
	logger      hclog.Logger
	clock       func() time.Time
	pendingTTL  time.Duration
	// mu serializes pending-queue read-modify-writes so concurrent proposals
	// for the same key stay idempotent
	mu sync.Mutex
}

type GateOption = func(*Gate)

func NewGate(options ...GateOption) *Gate {
	gate := &Gate{
		logger:     hclog.Default().Named("governance-gate"),
		clock:      time.Now,
		pendingTTL: DefaultPendingTTL,
	}
	for _, option := range options {
		option(gate)
	}
	return gate
}

func GateWithStorage(persistence storage.Storage) GateOption {
	return func(gate *Gate) { gate.persistence = persistence }
}

func GateWithLogger(logger hclog.Logger) GateOption {
	return func(gate *Gate) { gate.logger = logger }
}

func GateWithClock(clock func() time.Time) GateOption {
	return func(gate *Gate) { gate.clock = clock }
}

func GateWithPendingTTL(ttl time.Duration) GateOption {
	return func(gate *Gate) { gate.pendingTTL = ttl }
}

// ValidatePromotion checks a mode promotion against the score, evidence and
// cooling-off gates. The very first call for a given rule can never approve;
// it only enqueues the change and reports the remaining wait.
func (gate *Gate) ValidatePromotion(ctx context.Context, req PromotionRequest) (runtime.Verdict, error) {
	verdict := gate.newVerdict(req.RuleId)

	if req.TargetMode == rules.ModeAuto {
		score := req.Metrics.QualityScore()
		verdict.Details[LawScoreGate] = map[string]any{
			"score":     score,
			"threshold": QualityScoreThreshold,
		}
		if score < QualityScoreThreshold {
			verdict.Violations = append(verdict.Violations, runtime.Violation{
				Law:    LawScoreGate,
				Reason: fmt.Sprintf("quality score %.1f below required %.1f", score, QualityScoreThreshold),
			})
		}
	}

	missing := gate.missingEvidence(req)
	verdict.Details[LawEvidenceGate] = map[string]any{
		"required": len(requiredEvidence),
		"missing":  missing,
	}
	if len(missing) > 0 {
		verdict.Violations = append(verdict.Violations, runtime.Violation{
			Law:    LawEvidenceGate,
			Reason: fmt.Sprintf("incomplete evidence bundle, missing: %v", missing),
		})
	}

	change := runtime.PendingChange{
		Key:         runtime.ChangeKey{RuleId: req.RuleId},
		Type:        runtime.ChangeTypeMode,
		OldValue:    string(req.CurrentMode),
		NewValue:    string(req.TargetMode),
		RequestedAt: gate.clock(),
	}
	if err := gate.checkCoolingOff(ctx, &verdict, change, req.Emergency); err != nil {
		return verdict, err
	}

	return gate.seal(ctx, verdict, &change.Key)
}

// ValidateThresholdAdjustment checks a threshold change against the bounded
// magnitude and cooling-off gates.
func (gate *Gate) ValidateThresholdAdjustment(ctx context.Context, req ThresholdAdjustmentRequest) (runtime.Verdict, error) {
	verdict := gate.newVerdict(req.RuleId)

	relative := math.Inf(1)
	if req.OldValue != 0 {
		relative = math.Abs(req.NewValue-req.OldValue) / math.Abs(req.OldValue)
	} else if req.NewValue == req.OldValue {
		relative = 0
	}
	verdict.Details[LawBoundedMagnitude] = map[string]any{
		"relativeChange": relative,
		"max":            MaxChangeMagnitude,
	}
	if relative > MaxChangeMagnitude {
		verdict.Violations = append(verdict.Violations, runtime.Violation{
			Law:    LawBoundedMagnitude,
			Reason: fmt.Sprintf("relative change %.2f exceeds maximum %.2f, split into smaller changes", relative, MaxChangeMagnitude),
		})
	}

	change := runtime.PendingChange{
		Key:         runtime.ChangeKey{RuleId: req.RuleId, ThresholdKey: req.ThresholdKey},
		Type:        runtime.ChangeTypeThreshold,
		OldValue:    fmt.Sprintf("%g", req.OldValue),
		NewValue:    fmt.Sprintf("%g", req.NewValue),
		RequestedAt: gate.clock(),
	}
	if err := gate.checkCoolingOff(ctx, &verdict, change, req.Emergency); err != nil {
		return verdict, err
	}

	return gate.seal(ctx, verdict, &change.Key)
}

// ValidateRarityPromotion enforces the cap on how many governed items may
// hold the top tier simultaneously.
func (gate *Gate) ValidateRarityPromotion(ctx context.Context, itemId string, allItems []GovernedItem) (runtime.Verdict, error) {
	verdict := gate.newVerdict(itemId)

	topTier := 0
	for _, item := range allItems {
		if item.TopTier {
			topTier++
		}
	}
	maxAllowed := int(math.Floor(float64(len(allItems)) * TopTierCap))
	ratio := 0.0
	if len(allItems) > 0 {
		ratio = float64(topTier) / float64(len(allItems))
	}
	verdict.Details[LawRarityCap] = map[string]any{
		"currentTopTier": topTier,
		"currentRatio":   ratio,
		"maxAllowed":     maxAllowed,
	}
	if topTier >= maxAllowed {
		verdict.Violations = append(verdict.Violations, runtime.Violation{
			Law: LawRarityCap,
			Reason: fmt.Sprintf("top tier already holds %d of %d items (%.0f%%), max allowed is %d",
				topTier, len(allItems), ratio*100, maxAllowed),
		})
	}

	return gate.seal(ctx, verdict, nil)
}

// missingEvidence names the evidence kinds absent from the request. The
// validator signature self-certifies once the trigger-count floor is met,
// modeling "enough volume self-certifies".
func (gate *Gate) missingEvidence(req PromotionRequest) []EvidenceKind {
	missing := make([]EvidenceKind, 0)
	for _, kind := range requiredEvidence {
		if _, ok := req.Evidence[kind]; ok {
			continue
		}
		if kind == EvidenceValidatorSignature && req.Metrics.TriggerCount >= SignatureTriggerFloor {
			continue
		}
		missing = append(missing, kind)
	}
	return missing
}

// checkCoolingOff realizes the two-phase propose, wait, confirm discipline.
// The first request for a key is only enqueued; a later identical request
// re-checks the existing entry's age instead of creating a duplicate.
func (gate *Gate) checkCoolingOff(ctx context.Context, verdict *runtime.Verdict, change runtime.PendingChange, emergency string) error {
	if emergencyCategories[emergency] {
		verdict.Details[LawCoolingOff] = map[string]any{"bypassed": true, "category": emergency}
		return nil
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()

	existing, err := gate.persistence.FindPendingChange(ctx, change.Key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load pending change %v: %w", change.Key, err)
		}
		if err := gate.persistence.SavePendingChange(ctx, change); err != nil {
			return fmt.Errorf("failed to enqueue pending change %v: %w", change.Key, err)
		}
		verdict.Details[LawCoolingOff] = map[string]any{
			"enqueued":       true,
			"hoursRemaining": CoolingOffPeriod.Hours(),
		}
		verdict.Violations = append(verdict.Violations, runtime.Violation{
			Law:    LawCoolingOff,
			Reason: fmt.Sprintf("change enqueued, %.0f hours of cooling-off remaining", CoolingOffPeriod.Hours()),
		})
		return nil
	}

	elapsed := gate.clock().Sub(existing.RequestedAt)
	remaining := CoolingOffPeriod - elapsed
	verdict.Details[LawCoolingOff] = map[string]any{
		"elapsedHours":   elapsed.Hours(),
		"hoursRemaining": math.Max(remaining.Hours(), 0),
	}
	if remaining > 0 {
		verdict.Violations = append(verdict.Violations, runtime.Violation{
			Law:    LawCoolingOff,
			Reason: fmt.Sprintf("%.1f hours of cooling-off remaining", remaining.Hours()),
		})
	}
	return nil
}

func (gate *Gate) newVerdict(ruleId string) runtime.Verdict {
	return runtime.Verdict{
		Id:         uuid.NewString(),
		RuleId:     ruleId,
		Violations: []runtime.Violation{},
		Details:    map[string]map[string]any{},
		CheckedAt:  gate.clock(),
	}
}

// seal finalizes the verdict, appends it to the audit trail and, on
// approval, clears the pending entry for the checked key.
func (gate *Gate) seal(ctx context.Context, verdict runtime.Verdict, key *runtime.ChangeKey) (runtime.Verdict, error) {
	verdict.Approved = len(verdict.Violations) == 0
	if err := gate.persistence.SaveVerdict(ctx, verdict); err != nil {
		return verdict, fmt.Errorf("failed to persist verdict %s: %w", verdict.Id, err)
	}
	if verdict.Approved && key != nil {
		if err := gate.persistence.DeletePendingChange(ctx, *key); err != nil {
			return verdict, fmt.Errorf("failed to clear pending change %v: %w", *key, err)
		}
	}
	if !verdict.Approved {
		gate.logger.Info(fmt.Sprintf("rejected change for %s: %d violation(s)", verdict.RuleId, len(verdict.Violations)))
	}
	return verdict, nil
}

// PendingChanges lists the queue, oldest first.
func (gate *Gate) PendingChanges(ctx context.Context) ([]runtime.PendingChange, error) {
	return gate.persistence.FindPendingChanges(ctx)
}

// Verdicts returns up to limit audit entries, newest first.
func (gate *Gate) Verdicts(ctx context.Context, limit int) ([]runtime.Verdict, error) {
	return gate.persistence.FindVerdicts(ctx, limit)
}

// ExpirePending drops pending changes older than the configured TTL and
// returns how many were removed.
func (gate *Gate) ExpirePending(ctx context.Context) (int, error) {
	gate.mu.Lock()
	defer gate.mu.Unlock()

	pending, err := gate.persistence.FindPendingChanges(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending changes: %w", err)
	}
	now := gate.clock()
	expired := 0
	for _, change := range pending {
		if now.Sub(change.RequestedAt) <= gate.pendingTTL {
			continue
		}
		if err := gate.persistence.DeletePendingChange(ctx, change.Key); err != nil {
			return expired, fmt.Errorf("failed to expire pending change %v: %w", change.Key, err)
		}
		expired++
	}
	return expired, nil
}
