package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/flake"
	"github.com/studiopulse/autopilot/pkg/storage"
)

const (
	defaultScanWorkers   = 4
	triggerDedupeWindow  = 24 * time.Hour
	triggerDedupeEntries = 4096
)

// Engine runs named, versioned sequences of delayed steps per triggering
// entity, persists its own progress and escalates or times out
// deterministically. All state lives behind the storage interface; the engine
// itself only holds definitions, locks and counters.
type Engine struct {
	name          string
	definitions   map[string]runtime.ProcessDefinition
	persistence   storage.Storage
	actions       *ActionRegistry
	snowflake     *snowflake.Node
	logger        hclog.Logger
	tracer        trace.Tracer
	clock         func() time.Time
	running       *runningInstancesCache
	triggerDedupe *lru.LRU[string, int64]
	scanWorkers   int

	instancesStarted metrics.Int64Counter
	stepsExecuted    metrics.Int64Counter
	stepsFailed      metrics.Int64Counter
	timeouts         metrics.Int64Counter
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the automation engine.
func NewEngine(options ...EngineOption) *Engine {
	engine := &Engine{
		name:          fmt.Sprintf("Automation-Engine-%d", flake.Node().Generate().Int64()),
		definitions:   map[string]runtime.ProcessDefinition{},
		actions:       NewActionRegistry(),
		snowflake:     flake.Node(),
		logger:        hclog.Default().Named("automation-engine"),
		tracer:        otel.Tracer("automation-engine"),
		clock:         time.Now,
		running:       newRunningInstancesCache(),
		triggerDedupe: lru.NewLRU[string, int64](triggerDedupeEntries, nil, triggerDedupeWindow),
		scanWorkers:   defaultScanWorkers,
	}
	for _, option := range options {
		option(engine)
	}
	engine.initInstruments()
	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) { engine.persistence = persistence }
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) { engine.name = name }
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) { engine.logger = logger }
}

// EngineWithClock replaces the engine clock, used by tests to move time.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) { engine.clock = clock }
}

func EngineWithDefinitions(definitions ...runtime.ProcessDefinition) EngineOption {
	return func(engine *Engine) {
		for _, def := range definitions {
			engine.definitions[def.Name] = def
		}
	}
}

func EngineWithActionRegistry(actions *ActionRegistry) EngineOption {
	return func(engine *Engine) { engine.actions = actions }
}

func EngineWithScanWorkers(workers int) EngineOption {
	return func(engine *Engine) {
		if workers > 0 {
			engine.scanWorkers = workers
		}
	}
}

func (engine *Engine) initInstruments() {
	meter := otel.Meter("automation-engine")
	var err, errJoin error
	engine.instancesStarted, err = meter.Int64Counter("automation_instances_started_total", metrics.WithDescription("Process instances started"))
	errJoin = errors.Join(errJoin, err)
	engine.stepsExecuted, err = meter.Int64Counter("automation_steps_executed_total", metrics.WithDescription("Process steps executed"))
	errJoin = errors.Join(errJoin, err)
	engine.stepsFailed, err = meter.Int64Counter("automation_steps_failed_total", metrics.WithDescription("Process steps whose action failed"))
	errJoin = errors.Join(errJoin, err)
	engine.timeouts, err = meter.Int64Counter("automation_instance_timeouts_total", metrics.WithDescription("Process instances that hit their overall timeout"))
	errJoin = errors.Join(errJoin, err)
	if errJoin != nil {
		engine.logger.Error(fmt.Sprintf("failed to create engine instruments: %s", errJoin))
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Definition returns the registered definition for a process name.
func (engine *Engine) Definition(processName string) (runtime.ProcessDefinition, error) {
	def, ok := engine.definitions[processName]
	if !ok {
		return def, errors.Join(newEngineErrorf("no process definition registered for name=%s", processName), ErrUnknownProcess)
	}
	return def, nil
}

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// StartProcess creates a new instance of the named process against one target
// entity. Starting twice from the same trigger event returns the already
// running instance instead of a duplicate. When the first step carries no
// delay it is executed synchronously before returning.
func (engine *Engine) StartProcess(ctx context.Context, processName string, entityId string, trigger runtime.TriggerEvent) (*runtime.ProcessInstance, error) {
	def, err := engine.Definition(processName)
	if err != nil {
		return nil, err
	}
	if len(def.Steps) == 0 {
		return nil, newEngineErrorf("process definition %s has no steps", processName)
	}

	if trigger.Id != "" {
		if existing, ok := engine.dedupedInstance(ctx, trigger.Id); ok {
			return existing, nil
		}
	}

	now := engine.clock()
	instance := runtime.ProcessInstance{
		Key:              engine.generateKey(),
		ProcessName:      processName,
		EntityId:         entityId,
		TriggerEventId:   trigger.Id,
		CurrentStepIndex: 0,
		State:            runtime.InstanceStateActive,
		StepsCompleted:   []string{},
		StartedAt:        now,
		NextStepDue:      now.Add(def.Steps[0].Delay),
	}
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to persist new instance of %s", processName), err)
	}
	if trigger.Id != "" {
		engine.triggerDedupe.Add(trigger.Id, instance.Key)
	}
	engine.appendRecord(ctx, runtime.RecordProcessStarted, instance, map[string]any{
		"triggerEventId": trigger.Id,
		"outcomeType":    trigger.OutcomeType,
	})
	engine.instancesStarted.Add(ctx, 1, metrics.WithAttributes(attribute.String("process", processName)))
	engine.logger.Debug(fmt.Sprintf("started process %s instance %d for entity %s", processName, instance.Key, entityId))

	if def.Steps[0].Delay == 0 {
		if _, err := engine.ExecuteNextStep(ctx, instance.Key); err != nil {
			return nil, errors.Join(newEngineErrorf("failed to execute immediate first step of instance %d", instance.Key), err)
		}
		refreshed, err := engine.persistence.FindProcessInstanceByKey(ctx, instance.Key)
		if err != nil {
			return nil, err
		}
		instance = refreshed
	}
	return &instance, nil
}

// dedupedInstance returns the instance previously started by the trigger
// event, consulting the in-memory window first and the store second.
func (engine *Engine) dedupedInstance(ctx context.Context, triggerEventId string) (*runtime.ProcessInstance, bool) {
	if key, ok := engine.triggerDedupe.Get(triggerEventId); ok {
		if instance, err := engine.persistence.FindProcessInstanceByKey(ctx, key); err == nil {
			return &instance, true
		}
	}
	instance, err := engine.persistence.FindProcessInstanceByTriggerEvent(ctx, triggerEventId)
	if err != nil {
		return nil, false
	}
	engine.triggerDedupe.Add(triggerEventId, instance.Key)
	return &instance, true
}

// ExecuteNextStep executes the step at the instance cursor and advances the
// cursor by exactly one, success or not. A failed action is recorded in the
// StepResult, never propagated; the instance continues to its next step.
// Returns ErrInvalidState for terminal instances, so a stale call against a
// timed-out instance never double-executes a step.
func (engine *Engine) ExecuteNextStep(ctx context.Context, instanceKey int64) (runtime.StepResult, error) {
	engine.running.lockInstance(instanceKey)
	defer engine.running.unlockInstance(instanceKey)

	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
	if err != nil {
		return runtime.StepResult{}, errors.Join(newEngineErrorf("failed to find instance with key: %d", instanceKey), err)
	}
	if instance.State != runtime.InstanceStateActive {
		return runtime.StepResult{}, errors.Join(
			newEngineErrorf("instance %d is %s, no further steps may execute", instanceKey, instance.State), ErrInvalidState)
	}
	def, err := engine.Definition(instance.ProcessName)
	if err != nil {
		return runtime.StepResult{}, err
	}

	now := engine.clock()
	if instance.CurrentStepIndex >= len(def.Steps) {
		// no terminal success signal arrived before the steps ran out
		instance.State = runtime.InstanceStateFailed
		instance.Outcome = "exhausted"
		instance.CompletedAt = &now
		if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
			return runtime.StepResult{}, errors.Join(newEngineErrorf("failed to persist exhausted instance %d", instanceKey), err)
		}
		engine.appendRecord(ctx, runtime.RecordProcessCompleted, instance, map[string]any{"outcome": "exhausted"})
		result := runtime.StepResult{
			InstanceKey: instanceKey,
			StepIndex:   instance.CurrentStepIndex,
			Success:     false,
			ExecutedAt:  now,
			Err:         "steps exhausted",
		}
		if err := engine.persistence.SaveStepResult(ctx, result); err != nil {
			return result, errors.Join(newEngineErrorf("failed to persist exhausted step result for instance %d", instanceKey), err)
		}
		return result, nil
	}

	step := def.Steps[instance.CurrentStepIndex]
	result := engine.executeStep(ctx, &instance, step)

	instance.StepsCompleted = append(instance.StepsCompleted, step.Action)
	instance.CurrentStepIndex++
	if instance.CurrentStepIndex >= len(def.Steps) {
		// timeout boundary: detect that no terminal success signal arrived
		instance.NextStepDue = instance.StartedAt.Add(def.MaxAge)
	} else {
		instance.NextStepDue = now.Add(def.Steps[instance.CurrentStepIndex].Delay)
	}

	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return result, errors.Join(newEngineErrorf("failed to persist instance %d after step %d", instanceKey, result.StepIndex), err)
	}
	if err := engine.persistence.SaveStepResult(ctx, result); err != nil {
		return result, errors.Join(newEngineErrorf("failed to persist step result for instance %d", instanceKey), err)
	}
	engine.appendRecord(ctx, runtime.RecordStepExecuted, instance, map[string]any{
		"stepIndex": result.StepIndex,
		"action":    result.Action,
		"success":   result.Success,
		"error":     result.Err,
	})
	return result, nil
}

// executeStep invokes the step's action and folds any failure into the
// returned StepResult.
func (engine *Engine) executeStep(ctx context.Context, instance *runtime.ProcessInstance, step runtime.Step) runtime.StepResult {
	now := engine.clock()
	spanCtx, span := engine.tracer.Start(ctx, fmt.Sprintf("step:%s", step.Action))
	defer span.End()

	actx := ActionContext{
		InstanceKey: instance.Key,
		ProcessName: instance.ProcessName,
		EntityId:    instance.EntityId,
		Action:      step.Action,
		Channel:     channelForAction(step.Action),
		StepIndex:   instance.CurrentStepIndex,
		Now:         now,
	}
	result := runtime.StepResult{
		InstanceKey: instance.Key,
		StepIndex:   instance.CurrentStepIndex,
		Action:      step.Action,
		ExecutedAt:  now,
	}
	note, err := engine.actions.Resolve(step.Action)(spanCtx, engine.persistence, actx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		engine.logger.Warn(fmt.Sprintf("action %s failed for instance %d: %s", step.Action, instance.Key, err))
		engine.stepsFailed.Add(ctx, 1, metrics.WithAttributes(attribute.String("action", step.Action)))
		result.Err = err.Error()
		return result
	}
	engine.stepsExecuted.Add(ctx, 1, metrics.WithAttributes(attribute.String("action", step.Action)))
	result.Success = true
	result.Note = note
	return result
}

// CompleteProcess terminates an active instance with an explicit outcome. All
// prior metadata and history is preserved.
func (engine *Engine) CompleteProcess(ctx context.Context, instanceKey int64, success bool) error {
	engine.running.lockInstance(instanceKey)
	defer engine.running.unlockInstance(instanceKey)

	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find instance with key: %d", instanceKey), err)
	}
	if instance.State != runtime.InstanceStateActive {
		return errors.Join(newEngineErrorf("instance %d is already %s", instanceKey, instance.State), ErrInvalidState)
	}
	now := engine.clock()
	if success {
		instance.State = runtime.InstanceStateCompleted
		instance.Outcome = "success"
	} else {
		instance.State = runtime.InstanceStateFailed
		instance.Outcome = "failure"
	}
	instance.CompletedAt = &now
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return errors.Join(newEngineErrorf("failed to persist completion of instance %d", instanceKey), err)
	}
	engine.appendRecord(ctx, runtime.RecordProcessCompleted, instance, map[string]any{"outcome": instance.Outcome})
	return nil
}

// FindProcessInstance searches for a given instanceKey
// and returns the corresponding instance, or storage.ErrNotFound.
func (engine *Engine) FindProcessInstance(ctx context.Context, instanceKey int64) (runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
}

func (engine *Engine) appendRecord(ctx context.Context, actionType runtime.RecordActionType, instance runtime.ProcessInstance, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["processName"] = instance.ProcessName
	metadata["instanceKey"] = instance.Key
	metadata["state"] = string(instance.State)
	record := runtime.AutomationRecord{
		Key:        engine.generateKey(),
		ActionType: actionType,
		EntityType: "entity",
		EntityId:   instance.EntityId,
		Metadata:   metadata,
		CreatedAt:  engine.clock(),
	}
	if err := engine.persistence.SaveAutomationRecord(ctx, record); err != nil {
		// the ledger entry is best effort, the instance state is the source of truth
		engine.logger.Error(fmt.Sprintf("failed to append %s record for instance %d: %s", actionType, instance.Key, err))
	}
}
