package inmemory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/storage"
)

func TestProcessInstanceRoundTrip(t *testing.T) {
	store := NewStorage()
	instance := runtime.ProcessInstance{
		Key:            1,
		ProcessName:    "retention_process",
		EntityId:       "member-1",
		TriggerEventId: "ev-1",
		State:          runtime.InstanceStateActive,
		StartedAt:      time.Now(),
	}
	assert.NoError(t, store.SaveProcessInstance(t.Context(), instance))

	found, err := store.FindProcessInstanceByKey(t.Context(), 1)
	assert.NoError(t, err)
	assert.Equal(t, instance.ProcessName, found.ProcessName)

	_, err = store.FindProcessInstanceByKey(t.Context(), 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	byTrigger, err := store.FindProcessInstanceByTriggerEvent(t.Context(), "ev-1")
	assert.NoError(t, err)
	assert.Equal(t, instance.Key, byTrigger.Key)
}

func TestFindActiveProcessInstancesFiltersTerminal(t *testing.T) {
	store := NewStorage()
	assert.NoError(t, store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{Key: 1, State: runtime.InstanceStateActive}))
	assert.NoError(t, store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{Key: 2, State: runtime.InstanceStateCompleted}))
	assert.NoError(t, store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{Key: 3, State: runtime.InstanceStateTimeout}))

	active, err := store.FindActiveProcessInstances(t.Context())

	assert.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].Key)
}

func TestStepResultsSortedByIndex(t *testing.T) {
	store := NewStorage()
	assert.NoError(t, store.SaveStepResult(t.Context(), runtime.StepResult{InstanceKey: 1, StepIndex: 2}))
	assert.NoError(t, store.SaveStepResult(t.Context(), runtime.StepResult{InstanceKey: 1, StepIndex: 0}))
	assert.NoError(t, store.SaveStepResult(t.Context(), runtime.StepResult{InstanceKey: 1, StepIndex: 1}))

	results, err := store.FindStepResults(t.Context(), 1)

	assert.NoError(t, err)
	assert.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.StepIndex)
	}
}

func TestPendingChangesSortedOldestFirst(t *testing.T) {
	store := NewStorage()
	base := time.Now()
	newer := runtime.PendingChange{Key: runtime.ChangeKey{RuleId: "b"}, RequestedAt: base.Add(time.Hour)}
	older := runtime.PendingChange{Key: runtime.ChangeKey{RuleId: "a"}, RequestedAt: base}
	assert.NoError(t, store.SavePendingChange(t.Context(), newer))
	assert.NoError(t, store.SavePendingChange(t.Context(), older))

	pending, err := store.FindPendingChanges(t.Context())
	assert.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Key.RuleId)

	assert.NoError(t, store.DeletePendingChange(t.Context(), runtime.ChangeKey{RuleId: "a"}))
	_, err = store.FindPendingChange(t.Context(), runtime.ChangeKey{RuleId: "a"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerdictsNewestFirstWithLimit(t *testing.T) {
	store := NewStorage()
	assert.NoError(t, store.SaveVerdict(t.Context(), runtime.Verdict{Id: "v1"}))
	assert.NoError(t, store.SaveVerdict(t.Context(), runtime.Verdict{Id: "v2"}))
	assert.NoError(t, store.SaveVerdict(t.Context(), runtime.Verdict{Id: "v3"}))

	verdicts, err := store.FindVerdicts(t.Context(), 2)

	assert.NoError(t, err)
	assert.Len(t, verdicts, 2)
	assert.Equal(t, "v3", verdicts[0].Id)
	assert.Equal(t, "v2", verdicts[1].Id)
}

func TestAutomationRecordsFilterByEntityAndType(t *testing.T) {
	store := NewStorage()
	assert.NoError(t, store.SaveAutomationRecord(t.Context(), runtime.AutomationRecord{Key: 1, EntityId: "m1", ActionType: runtime.RecordProcessStarted}))
	assert.NoError(t, store.SaveAutomationRecord(t.Context(), runtime.AutomationRecord{Key: 2, EntityId: "m1", ActionType: runtime.RecordStepExecuted}))
	assert.NoError(t, store.SaveAutomationRecord(t.Context(), runtime.AutomationRecord{Key: 3, EntityId: "m2", ActionType: runtime.RecordProcessStarted}))

	all, err := store.FindAutomationRecords(t.Context(), "m1", "")
	assert.NoError(t, err)
	assert.Len(t, all, 2)

	started, err := store.FindAutomationRecords(t.Context(), "m1", runtime.RecordProcessStarted)
	assert.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestLearningRecordRoundTrip(t *testing.T) {
	store := NewStorage()
	_, err := store.FindLearningRecord(t.Context(), "send_reminder")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, store.SaveLearningRecord(t.Context(), runtime.LearningRecord{ActionCode: "send_reminder", TotalTrials: 3}))

	record, err := store.FindLearningRecord(t.Context(), "send_reminder")
	assert.NoError(t, err)
	assert.Equal(t, 3, record.TotalTrials)
}
