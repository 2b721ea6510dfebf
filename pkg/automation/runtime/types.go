package runtime

import (
	"time"
)

// ProcessDefinition is a static template: an ordered list of delayed steps plus
// an overall timeout. Definitions are immutable once an instance references them.
type ProcessDefinition struct {
	Name   string        // stable process name referenced by triggers
	Steps  []Step        // ordered steps, executed front to back
	MaxAge time.Duration // overall timeout measured from instance start
}

// Step is one {action, delay} unit within a process definition.
// Delay is relative to the moment the previous step executed.
type Step struct {
	Action string
	Delay  time.Duration
}

// InstanceState is the lifecycle state of a process instance. Transitions are
// one-directional: Active moves into exactly one of the three terminal states
// and terminal states never re-enter Active.
type InstanceState string

const (
	InstanceStateActive    InstanceState = "active"
	InstanceStateCompleted InstanceState = "completed"
	InstanceStateFailed    InstanceState = "failed"
	InstanceStateTimeout   InstanceState = "timeout"
)

// IsTerminal reports whether no further steps may execute for this state.
func (s InstanceState) IsTerminal() bool {
	switch s {
	case InstanceStateCompleted, InstanceStateFailed, InstanceStateTimeout:
		return true
	case InstanceStateActive:
		return false
	}
	return false
}

// TriggerEvent is the domain event that started a process instance.
type TriggerEvent struct {
	Id          string         `json:"id"`
	OutcomeType string         `json:"outcomeType"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ProcessInstance is one running execution of a named process against a single
// target entity. CurrentStepIndex is a 0-based cursor into the definition's
// steps and never decreases.
type ProcessInstance struct {
	Key              int64         `json:"k"`
	ProcessName      string        `json:"pn"`
	EntityId         string        `json:"eid"`
	TriggerEventId   string        `json:"tev,omitempty"`
	CurrentStepIndex int           `json:"csi"`
	State            InstanceState `json:"s"`
	StepsCompleted   []string      `json:"sc,omitempty"`
	StartedAt        time.Time     `json:"sa"`
	NextStepDue      time.Time     `json:"nsd"`
	CompletedAt      *time.Time    `json:"ca,omitempty"`
	Outcome          string        `json:"o,omitempty"`
}

// GetState returns one of [ Active, Completed, Failed, Timeout ]
func (pi *ProcessInstance) GetState() InstanceState {
	return pi.State
}

// StepResult is the immutable record of one step execution. A failed step is a
// recorded outcome for its slot, not a retryable error.
type StepResult struct {
	InstanceKey int64     `json:"ik"`
	StepIndex   int       `json:"si"`
	Action      string    `json:"a"`
	Success     bool      `json:"ok"`
	ExecutedAt  time.Time `json:"ea"`
	Err         string    `json:"err,omitempty"`
	Note        string    `json:"n,omitempty"`
}

// Channel is the delivery channel an action artifact is routed to.
type Channel string

const (
	ChannelApp        Channel = "app"
	ChannelPhone      Channel = "phone"
	ChannelEscalation Channel = "escalation"
)

// Notification is the artifact queued for an external delivery collaborator.
type Notification struct {
	Id             string    `json:"id"`
	Type           string    `json:"type"`
	TargetEntityId string    `json:"targetEntityId"`
	Channel        Channel   `json:"channel"`
	Message        string    `json:"message"`
	SentAt         time.Time `json:"sentAt"`
}

// RecordActionType classifies an automation record in the ledger.
type RecordActionType string

const (
	RecordProcessStarted   RecordActionType = "process_started"
	RecordStepExecuted     RecordActionType = "step_executed"
	RecordProcessCompleted RecordActionType = "process_completed"
	RecordProcessTimeout   RecordActionType = "process_timeout"
	RecordEscalation       RecordActionType = "escalation_created"
	RecordChannelChange    RecordActionType = "channel_preference_changed"
	RecordDependentRequest RecordActionType = "dependent_request_created"
)

// AutomationRecord is the append-only ledger entry shape the engine writes for
// every externally visible effect. Metadata round-trips the full state the
// writer attached.
type AutomationRecord struct {
	Key        int64            `json:"k"`
	ActionType RecordActionType `json:"at"`
	EntityType string           `json:"et"`
	EntityId   string           `json:"eid"`
	Metadata   map[string]any   `json:"m,omitempty"`
	CreatedAt  time.Time        `json:"c"`
}

// AdjustmentType classifies a learning-record suggestion.
type AdjustmentType string

const (
	AdjustmentPromoteToAuto   AdjustmentType = "promote_to_auto"
	AdjustmentAdjustThreshold AdjustmentType = "adjust_threshold"
)

// Adjustment is an advisory suggestion appended to a learning record once
// enough trials accumulated. Applying it always routes through governance.
type Adjustment struct {
	Type        AdjustmentType `json:"t"`
	SuccessRate float64        `json:"sr"`
	SuggestedAt time.Time      `json:"s"`
}

// LearningRecord is the rolling per-action aggregate of intervention outcomes.
// It never shrinks; adjustments are append-only.
type LearningRecord struct {
	ActionCode      string       `json:"ac"`
	TotalTrials     int          `json:"tt"`
	SuccessCount    int          `json:"scnt"`
	CumulativeScore float64      `json:"cs"`
	SuccessRate     float64      `json:"sr"`
	Adjustments     []Adjustment `json:"adj,omitempty"`
}

// ChangeType classifies a proposed rule mutation.
type ChangeType string

const (
	ChangeTypeMode      ChangeType = "mode"
	ChangeTypeThreshold ChangeType = "threshold"
)

// ChangeKey is the composite key of a pending change: rule id plus the
// threshold key for threshold changes (empty for mode changes).
type ChangeKey struct {
	RuleId       string `json:"rid"`
	ThresholdKey string `json:"tk,omitempty"`
}

// PendingChange is a proposed rule mutation waiting out its cooling-off
// period. It leaves the queue only on approval or explicit expiry.
type PendingChange struct {
	Key         ChangeKey  `json:"key"`
	Type        ChangeType `json:"t"`
	RequestedAt time.Time  `json:"ra"`
	OldValue    string     `json:"ov"`
	NewValue    string     `json:"nv"`
}

// Violation names the law that rejected a change and why.
type Violation struct {
	Law    string `json:"law"`
	Reason string `json:"reason"`
}

// Verdict is the immutable audit artifact of one governance check. Approved is
// true only when zero laws raised a violation.
type Verdict struct {
	Id         string                    `json:"id"`
	RuleId     string                    `json:"ruleId"`
	Approved   bool                      `json:"approved"`
	Violations []Violation               `json:"violations,omitempty"`
	Details    map[string]map[string]any `json:"details,omitempty"`
	CheckedAt  time.Time                 `json:"checkedAt"`
}
