package storage

import (
	"context"
	"errors"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
)

// ErrNotFound is returned by single-item lookups when the item does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the aggregate interface the automation, outcome and governance
// engines use to interact with state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	StepResultStorageReader
	StepResultStorageWriter
	NotificationStorageReader
	NotificationStorageWriter
	LearningRecordStorageReader
	LearningRecordStorageWriter
	PendingChangeStorageReader
	PendingChangeStorageWriter
	VerdictStorageReader
	VerdictStorageWriter
	AutomationRecordStorageReader
	AutomationRecordStorageWriter

	GenerateId() int64
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, instanceKey int64) (runtime.ProcessInstance, error)

	// FindActiveProcessInstances returns every instance in active state,
	// in no particular order
	FindActiveProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error)

	// FindProcessInstanceByTriggerEvent returns the instance started by the
	// given trigger event id
	FindProcessInstanceByTriggerEvent(ctx context.Context, triggerEventId string) (runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given instance key
	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error
}

type StepResultStorageReader interface {
	// FindStepResults returns the step results recorded for an instance,
	// ordered by step index
	FindStepResults(ctx context.Context, instanceKey int64) ([]runtime.StepResult, error)
}

type StepResultStorageWriter interface {
	SaveStepResult(ctx context.Context, result runtime.StepResult) error
}

type NotificationStorageReader interface {
	// FindNotifications returns queued notifications for an entity, oldest first
	FindNotifications(ctx context.Context, targetEntityId string) ([]runtime.Notification, error)
}

type NotificationStorageWriter interface {
	SaveNotification(ctx context.Context, notification runtime.Notification) error
}

type LearningRecordStorageReader interface {
	FindLearningRecord(ctx context.Context, actionCode string) (runtime.LearningRecord, error)

	FindLearningRecords(ctx context.Context) ([]runtime.LearningRecord, error)
}

type LearningRecordStorageWriter interface {
	// SaveLearningRecord persists the record
	// and potentially overwrites prior data stored with given action code
	SaveLearningRecord(ctx context.Context, record runtime.LearningRecord) error
}

type PendingChangeStorageReader interface {
	FindPendingChange(ctx context.Context, key runtime.ChangeKey) (runtime.PendingChange, error)

	FindPendingChanges(ctx context.Context) ([]runtime.PendingChange, error)
}

type PendingChangeStorageWriter interface {
	SavePendingChange(ctx context.Context, change runtime.PendingChange) error

	DeletePendingChange(ctx context.Context, key runtime.ChangeKey) error
}

type VerdictStorageReader interface {
	// FindVerdicts returns up to limit verdicts, newest first; limit <= 0
	// returns all of them
	FindVerdicts(ctx context.Context, limit int) ([]runtime.Verdict, error)
}

type VerdictStorageWriter interface {
	SaveVerdict(ctx context.Context, verdict runtime.Verdict) error
}

type AutomationRecordStorageReader interface {
	// FindAutomationRecords returns ledger entries for an entity filtered by
	// action type (empty type matches all), ordered by creation time
	FindAutomationRecords(ctx context.Context, entityId string, actionType runtime.RecordActionType) ([]runtime.AutomationRecord, error)
}

type AutomationRecordStorageWriter interface {
	SaveAutomationRecord(ctx context.Context, record runtime.AutomationRecord) error
}
