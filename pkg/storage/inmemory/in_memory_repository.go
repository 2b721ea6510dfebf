package inmemory

import (
	"context"
	"math/rand"
	"slices"
	"sync"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/storage"
)

// Storage keeps automation state in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu                sync.RWMutex
	ProcessInstances  map[int64]runtime.ProcessInstance
	StepResults       map[int64][]runtime.StepResult
	Notifications     map[string][]runtime.Notification
	LearningRecords   map[string]runtime.LearningRecord
	PendingChanges    map[runtime.ChangeKey]runtime.PendingChange
	Verdicts          []runtime.Verdict
	AutomationRecords []runtime.AutomationRecord
}

func NewStorage() *Storage {
	return &Storage{
		ProcessInstances: make(map[int64]runtime.ProcessInstance),
		StepResults:      make(map[int64][]runtime.StepResult),
		Notifications:    make(map[string][]runtime.Notification),
		LearningRecords:  make(map[string]runtime.LearningRecord),
		PendingChanges:   make(map[runtime.ChangeKey]runtime.PendingChange),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, instanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[instanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindActiveProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, instance := range mem.ProcessInstances {
		if instance.State != runtime.InstanceStateActive {
			continue
		}
		res = append(res, instance)
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceByTriggerEvent(ctx context.Context, triggerEventId string) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, instance := range mem.ProcessInstances {
		if instance.TriggerEventId == triggerEventId {
			return instance, nil
		}
	}
	return runtime.ProcessInstance{}, storage.ErrNotFound
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[instance.Key] = instance
	return nil
}

var _ storage.StepResultStorageReader = &Storage{}

func (mem *Storage) FindStepResults(ctx context.Context, instanceKey int64) ([]runtime.StepResult, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := slices.Clone(mem.StepResults[instanceKey])
	slices.SortFunc(res, func(a, b runtime.StepResult) int {
		return a.StepIndex - b.StepIndex
	})
	return res, nil
}

var _ storage.StepResultStorageWriter = &Storage{}

func (mem *Storage) SaveStepResult(ctx context.Context, result runtime.StepResult) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.StepResults[result.InstanceKey] = append(mem.StepResults[result.InstanceKey], result)
	return nil
}

var _ storage.NotificationStorageReader = &Storage{}

func (mem *Storage) FindNotifications(ctx context.Context, targetEntityId string) ([]runtime.Notification, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return slices.Clone(mem.Notifications[targetEntityId]), nil
}

var _ storage.NotificationStorageWriter = &Storage{}

func (mem *Storage) SaveNotification(ctx context.Context, notification runtime.Notification) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Notifications[notification.TargetEntityId] = append(mem.Notifications[notification.TargetEntityId], notification)
	return nil
}

var _ storage.LearningRecordStorageReader = &Storage{}

func (mem *Storage) FindLearningRecord(ctx context.Context, actionCode string) (runtime.LearningRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.LearningRecords[actionCode]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLearningRecords(ctx context.Context) ([]runtime.LearningRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.LearningRecord, 0, len(mem.LearningRecords))
	for _, record := range mem.LearningRecords {
		res = append(res, record)
	}
	return res, nil
}

var _ storage.LearningRecordStorageWriter = &Storage{}

func (mem *Storage) SaveLearningRecord(ctx context.Context, record runtime.LearningRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.LearningRecords[record.ActionCode] = record
	return nil
}

var _ storage.PendingChangeStorageReader = &Storage{}

func (mem *Storage) FindPendingChange(ctx context.Context, key runtime.ChangeKey) (runtime.PendingChange, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.PendingChanges[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindPendingChanges(ctx context.Context) ([]runtime.PendingChange, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.PendingChange, 0, len(mem.PendingChanges))
	for _, change := range mem.PendingChanges {
		res = append(res, change)
	}
	slices.SortFunc(res, func(a, b runtime.PendingChange) int {
		return a.RequestedAt.Compare(b.RequestedAt)
	})
	return res, nil
}

var _ storage.PendingChangeStorageWriter = &Storage{}

func (mem *Storage) SavePendingChange(ctx context.Context, change runtime.PendingChange) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.PendingChanges[change.Key] = change
	return nil
}

func (mem *Storage) DeletePendingChange(ctx context.Context, key runtime.ChangeKey) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.PendingChanges, key)
	return nil
}

var _ storage.VerdictStorageReader = &Storage{}

func (mem *Storage) FindVerdicts(ctx context.Context, limit int) ([]runtime.Verdict, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := slices.Clone(mem.Verdicts)
	slices.Reverse(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

var _ storage.VerdictStorageWriter = &Storage{}

func (mem *Storage) SaveVerdict(ctx context.Context, verdict runtime.Verdict) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Verdicts = append(mem.Verdicts, verdict)
	return nil
}

var _ storage.AutomationRecordStorageReader = &Storage{}

func (mem *Storage) FindAutomationRecords(ctx context.Context, entityId string, actionType runtime.RecordActionType) ([]runtime.AutomationRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.AutomationRecord, 0)
	for _, record := range mem.AutomationRecords {
		if record.EntityId != entityId {
			continue
		}
		if actionType != "" && record.ActionType != actionType {
			continue
		}
		res = append(res, record)
	}
	return res, nil
}

var _ storage.AutomationRecordStorageWriter = &Storage{}

func (mem *Storage) SaveAutomationRecord(ctx context.Context, record runtime.AutomationRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.AutomationRecords = append(mem.AutomationRecords, record)
	return nil
}
