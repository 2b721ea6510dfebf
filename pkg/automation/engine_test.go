package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/storage"
	"github.com/studiopulse/autopilot/pkg/storage/inmemory"
)

// testClock is a movable clock shared between a test and its engine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func retentionProcess() runtime.ProcessDefinition {
	return runtime.ProcessDefinition{
		Name: "retention_process",
		Steps: []runtime.Step{
			{Action: "send_reminder", Delay: 0},
			{Action: "call_attempt", Delay: 3 * 24 * time.Hour},
			{Action: "escalate_owner", Delay: 7 * 24 * time.Hour},
		},
		MaxAge: 14 * 24 * time.Hour,
	}
}

func newTestEngine(t *testing.T, defs ...runtime.ProcessDefinition) (*Engine, *inmemory.Storage, *testClock) {
	t.Helper()
	store := inmemory.NewStorage()
	clock := newTestClock()
	engine := NewEngine(
		EngineWithStorage(store),
		EngineWithDefinitions(defs...),
		EngineWithClock(clock.Now),
	)
	return engine, store, clock
}

func TestStartProcessExecutesImmediateFirstStep(t *testing.T) {
	engine, store, clock := newTestEngine(t, retentionProcess())

	// when
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{Id: "ev-1", OutcomeType: "missed_session"})
	assert.NoError(t, err)

	// then the zero-delay first step already ran and the cursor moved past it
	assert.Equal(t, runtime.InstanceStateActive, instance.State)
	assert.Equal(t, 1, instance.CurrentStepIndex)
	assert.Equal(t, []string{"send_reminder"}, instance.StepsCompleted)
	assert.Equal(t, clock.Now().Add(3*24*time.Hour), instance.NextStepDue)

	notifications, err := store.FindNotifications(t.Context(), "member-1")
	assert.NoError(t, err)
	assert.Len(t, notifications, 1)
	assert.Equal(t, "send_reminder", notifications[0].Type)
	assert.Equal(t, runtime.ChannelApp, notifications[0].Channel)
}

func TestStartProcessUnknownName(t *testing.T) {
	engine, _, _ := newTestEngine(t, retentionProcess())

	_, err := engine.StartProcess(t.Context(), "nonexistent", "member-1", runtime.TriggerEvent{})

	assert.ErrorIs(t, err, ErrUnknownProcess)
}

func TestStartProcessSteplessDefinition(t *testing.T) {
	// given a definition registered programmatically without any steps
	engine, store, _ := newTestEngine(t, runtime.ProcessDefinition{
		Name:   "empty_process",
		MaxAge: 24 * time.Hour,
	})

	_, err := engine.StartProcess(t.Context(), "empty_process", "member-1", runtime.TriggerEvent{})

	// then no instance is created
	assert.ErrorContains(t, err, "has no steps")
	instances, findErr := store.FindActiveProcessInstances(t.Context())
	assert.NoError(t, findErr)
	assert.Empty(t, instances)
}

func TestStartProcessDeduplicatesTriggerEvent(t *testing.T) {
	engine, store, _ := newTestEngine(t, retentionProcess())
	trigger := runtime.TriggerEvent{Id: "ev-dup", OutcomeType: "missed_session"}

	first, err := engine.StartProcess(t.Context(), "retention_process", "member-1", trigger)
	assert.NoError(t, err)

	// when the same trigger event arrives again
	second, err := engine.StartProcess(t.Context(), "retention_process", "member-1", trigger)
	assert.NoError(t, err)

	// then no duplicate instance is created
	assert.Equal(t, first.Key, second.Key)
	assert.Len(t, store.ProcessInstances, 1)
}

func TestStartProcessDeduplicatesAcrossRestart(t *testing.T) {
	// given an instance already persisted by a previous engine
	engine, store, clock := newTestEngine(t, retentionProcess())
	trigger := runtime.TriggerEvent{Id: "ev-restart"}
	first, err := engine.StartProcess(t.Context(), "retention_process", "member-1", trigger)
	assert.NoError(t, err)

	restarted := NewEngine(
		EngineWithStorage(store),
		EngineWithDefinitions(retentionProcess()),
		EngineWithClock(clock.Now),
	)

	// when the trigger replays against the fresh engine, the store dedupes it
	second, err := restarted.StartProcess(t.Context(), "retention_process", "member-1", trigger)
	assert.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
}

func TestCheckDueStepsWalksTheSchedule(t *testing.T) {
	engine, store, clock := newTestEngine(t, retentionProcess())
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{Id: "ev-1"})
	assert.NoError(t, err)
	startedAt := instance.StartedAt

	// nothing due right after start
	results, err := engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	assert.Empty(t, results)

	// day 3: the call attempt is due
	clock.Advance(3 * 24 * time.Hour)
	results, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "call_attempt", results[0].Action)
	assert.True(t, results[0].Success)

	// re-running the scan immediately finds nothing due
	results, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	assert.Empty(t, results)

	// day 10: the escalation is due, and the cursor passes the last step
	clock.Advance(7 * 24 * time.Hour)
	results, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "escalate_owner", results[0].Action)

	refreshed := store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateActive, refreshed.State)
	assert.Equal(t, 3, refreshed.CurrentStepIndex)
	assert.Equal(t, []string{"send_reminder", "call_attempt", "escalate_owner"}, refreshed.StepsCompleted)
	// past the last step the instance waits for its overall timeout
	assert.Equal(t, startedAt.Add(14*24*time.Hour), refreshed.NextStepDue)

	// day 15: no success signal arrived, the instance times out
	clock.Advance(5 * 24 * time.Hour)
	results, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.False(t, results[0].Success)

	refreshed = store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateTimeout, refreshed.State)
	assert.Equal(t, "timeout", refreshed.Outcome)
	assert.NotNil(t, refreshed.CompletedAt)

	// the timed-out instance never becomes due again
	clock.Advance(30 * 24 * time.Hour)
	results, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestTimeoutWinsOverRemainingSteps(t *testing.T) {
	// given a process whose timeout elapses before its second step
	def := runtime.ProcessDefinition{
		Name: "short_fuse",
		Steps: []runtime.Step{
			{Action: "send_reminder", Delay: 0},
			{Action: "call_attempt", Delay: 5 * 24 * time.Hour},
		},
		MaxAge: 2 * 24 * time.Hour,
	}
	engine, store, clock := newTestEngine(t, def)
	instance, err := engine.StartProcess(t.Context(), "short_fuse", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)

	// when the scan runs long after both boundaries passed
	clock.Advance(6 * 24 * time.Hour)
	results, err := engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)

	// then the instance timed out instead of executing the stale step
	assert.Len(t, results, 1)
	refreshed := store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateTimeout, refreshed.State)
	assert.NotContains(t, refreshed.StepsCompleted, "call_attempt")
}

func TestFailedActionAdvancesCursor(t *testing.T) {
	engine, store, clock := newTestEngine(t, retentionProcess())
	engine.actions.Register("call_attempt", func(ctx context.Context, store storage.Storage, actx ActionContext) (string, error) {
		return "", fmt.Errorf("phone gateway unavailable")
	})
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)

	// when the failing step executes
	clock.Advance(3 * 24 * time.Hour)
	result, err := engine.ExecuteNextStep(t.Context(), instance.Key)
	assert.NoError(t, err)

	// then the failure is a recorded outcome and the process moves on
	assert.False(t, result.Success)
	assert.Equal(t, "phone gateway unavailable", result.Err)

	refreshed := store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateActive, refreshed.State)
	assert.Equal(t, 2, refreshed.CurrentStepIndex)
	assert.Contains(t, refreshed.StepsCompleted, "call_attempt")
}

func TestExecuteNextStepOnTerminalInstance(t *testing.T) {
	engine, _, _ := newTestEngine(t, retentionProcess())
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)
	assert.NoError(t, engine.CompleteProcess(t.Context(), instance.Key, true))

	_, err = engine.ExecuteNextStep(t.Context(), instance.Key)

	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecuteNextStepExhaustsSteps(t *testing.T) {
	def := runtime.ProcessDefinition{
		Name:   "single_step",
		Steps:  []runtime.Step{{Action: "send_reminder", Delay: 0}},
		MaxAge: 14 * 24 * time.Hour,
	}
	engine, store, _ := newTestEngine(t, def)
	instance, err := engine.StartProcess(t.Context(), "single_step", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)
	assert.Equal(t, 1, instance.CurrentStepIndex)

	// when a step execution is forced past the end of the schedule
	result, err := engine.ExecuteNextStep(t.Context(), instance.Key)
	assert.NoError(t, err)

	// then the instance fails as exhausted
	assert.False(t, result.Success)
	refreshed := store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateFailed, refreshed.State)
	assert.Equal(t, "exhausted", refreshed.Outcome)
}

func TestCompleteProcess(t *testing.T) {
	engine, store, _ := newTestEngine(t, retentionProcess())
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)

	// when the member re-engages
	err = engine.CompleteProcess(t.Context(), instance.Key, true)
	assert.NoError(t, err)

	// then the instance is terminal with its history intact
	refreshed := store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateCompleted, refreshed.State)
	assert.Equal(t, "success", refreshed.Outcome)
	assert.Equal(t, []string{"send_reminder"}, refreshed.StepsCompleted)
	assert.NotNil(t, refreshed.CompletedAt)

	// completing twice is rejected
	err = engine.CompleteProcess(t.Context(), instance.Key, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteProcessFailure(t *testing.T) {
	engine, store, _ := newTestEngine(t, retentionProcess())
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)

	err = engine.CompleteProcess(t.Context(), instance.Key, false)
	assert.NoError(t, err)

	refreshed := store.ProcessInstances[instance.Key]
	assert.Equal(t, runtime.InstanceStateFailed, refreshed.State)
	assert.Equal(t, "failure", refreshed.Outcome)
}

func TestCompleteProcessUnknownInstance(t *testing.T) {
	engine, _, _ := newTestEngine(t, retentionProcess())

	err := engine.CompleteProcess(t.Context(), 42, true)

	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckDueStepsIsolatesInstanceFailures(t *testing.T) {
	// given one healthy and one orphaned instance (its definition is gone)
	engine, store, clock := newTestEngine(t, retentionProcess())
	healthy, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)

	orphan := runtime.ProcessInstance{
		Key:         9999,
		ProcessName: "deleted_process",
		EntityId:    "member-2",
		State:       runtime.InstanceStateActive,
		StartedAt:   clock.Now(),
		NextStepDue: clock.Now(),
	}
	assert.NoError(t, store.SaveProcessInstance(t.Context(), orphan))

	// when both become due
	clock.Advance(3 * 24 * time.Hour)
	results, err := engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)

	// then the healthy instance still progressed
	assert.Len(t, results, 2)
	refreshed := store.ProcessInstances[healthy.Key]
	assert.Equal(t, 2, refreshed.CurrentStepIndex)
}

func TestConcurrentExecuteNextStepRunsOnce(t *testing.T) {
	engine, store, clock := newTestEngine(t, retentionProcess())
	instance, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)
	clock.Advance(3 * 24 * time.Hour)

	// when two workers race on the same due instance
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.ExecuteNextStep(context.Background(), instance.Key)
		}()
	}
	wg.Wait()

	// then both executions were serialized and each advanced one step;
	// the cursor never skips or repeats an index
	refreshed := store.ProcessInstances[instance.Key]
	results, err := store.FindStepResults(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, refreshed.CurrentStepIndex, len(results))
	for i, r := range results {
		assert.Equal(t, i, r.StepIndex)
	}
}

func TestAutomationRecordsLedger(t *testing.T) {
	engine, store, clock := newTestEngine(t, retentionProcess())
	_, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{Id: "ev-1"})
	assert.NoError(t, err)
	clock.Advance(3 * 24 * time.Hour)
	_, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)

	started, err := store.FindAutomationRecords(t.Context(), "member-1", runtime.RecordProcessStarted)
	assert.NoError(t, err)
	assert.Len(t, started, 1)

	executed, err := store.FindAutomationRecords(t.Context(), "member-1", runtime.RecordStepExecuted)
	assert.NoError(t, err)
	assert.Len(t, executed, 2)
}

func TestEscalateOwnerActionWritesRecord(t *testing.T) {
	engine, store, clock := newTestEngine(t, retentionProcess())
	_, err := engine.StartProcess(t.Context(), "retention_process", "member-1", runtime.TriggerEvent{})
	assert.NoError(t, err)

	clock.Advance(3 * 24 * time.Hour)
	_, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)
	clock.Advance(7 * 24 * time.Hour)
	_, err = engine.CheckDueSteps(t.Context())
	assert.NoError(t, err)

	escalations, err := store.FindAutomationRecords(t.Context(), "member-1", runtime.RecordEscalation)
	assert.NoError(t, err)
	assert.Len(t, escalations, 1)
}

func TestChannelForAction(t *testing.T) {
	assert.Equal(t, runtime.ChannelApp, channelForAction("send_reminder"))
	assert.Equal(t, runtime.ChannelPhone, channelForAction("call_attempt"))
	assert.Equal(t, runtime.ChannelEscalation, channelForAction("escalate_owner"))
	// unknown codes fall back by prefix class
	assert.Equal(t, runtime.ChannelEscalation, channelForAction("escalate_billing"))
	assert.Equal(t, runtime.ChannelPhone, channelForAction("contact_partner"))
	assert.Equal(t, runtime.ChannelApp, channelForAction("something_else"))
}

func TestEngineErrorUnwraps(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.StartProcess(t.Context(), "ghost", "member-1", runtime.TriggerEvent{})

	var engineErr *EngineError
	assert.True(t, errors.As(err, &engineErr))
	assert.ErrorIs(t, err, ErrUnknownProcess)
}
