package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	metrics "go.opentelemetry.io/otel/metric"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
)

// CheckDueSteps is the periodic driver of the state machine. It loads every
// active instance whose next step is due and executes it, timing out
// instances past their overall deadline first. Instances are processed by a
// bounded worker pool; one instance's failure or latency never blocks the
// others, and a storage blip on one instance leaves it due for the next scan.
//
// The scan is idempotent: re-running it before any delay newly elapses finds
// nothing due, because every execution advances NextStepDue before returning.
func (engine *Engine) CheckDueSteps(ctx context.Context) ([]runtime.StepResult, error) {
	now := engine.clock()
	active, err := engine.persistence.FindActiveProcessInstances(ctx)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load active instances"), err)
	}

	due := make([]runtime.ProcessInstance, 0, len(active))
	for _, instance := range active {
		if !instance.NextStepDue.After(now) {
			due = append(due, instance)
		}
	}
	if len(due) == 0 {
		return []runtime.StepResult{}, nil
	}

	var (
		mu      sync.Mutex
		results []runtime.StepResult
		wg      sync.WaitGroup
	)
	work := make(chan runtime.ProcessInstance)
	workers := engine.scanWorkers
	if workers > len(due) {
		workers = len(due)
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for instance := range work {
				result := engine.processDueInstance(ctx, instance, now)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
		}()
	}
	for _, instance := range due {
		work <- instance
	}
	close(work)
	wg.Wait()
	return results, nil
}

// processDueInstance runs one due instance in isolation, folding every
// failure into a StepResult so the scan continues.
func (engine *Engine) processDueInstance(ctx context.Context, instance runtime.ProcessInstance, now time.Time) runtime.StepResult {
	def, err := engine.Definition(instance.ProcessName)
	if err == nil && now.After(instance.StartedAt.Add(def.MaxAge)) {
		if result, err := engine.timeoutInstance(ctx, instance.Key); err == nil {
			return result
		} else {
			engine.logger.Error(fmt.Sprintf("failed to time out instance %d: %s", instance.Key, err))
			return runtime.StepResult{InstanceKey: instance.Key, StepIndex: instance.CurrentStepIndex, ExecutedAt: now, Err: err.Error()}
		}
	}

	result, err := engine.ExecuteNextStep(ctx, instance.Key)
	if err != nil {
		// the instance stays due and is retried on the next scan cycle
		engine.logger.Error(fmt.Sprintf("failed to execute due step of instance %d: %s", instance.Key, err))
		return runtime.StepResult{InstanceKey: instance.Key, StepIndex: instance.CurrentStepIndex, ExecutedAt: now, Err: err.Error()}
	}
	return result
}

// timeoutInstance moves an active instance into the terminal timeout state.
// The state is re-checked under the instance lock, so a concurrent writer
// cannot race the transition.
func (engine *Engine) timeoutInstance(ctx context.Context, instanceKey int64) (runtime.StepResult, error) {
	engine.running.lockInstance(instanceKey)
	defer engine.running.unlockInstance(instanceKey)

	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
	if err != nil {
		return runtime.StepResult{}, err
	}
	if instance.State != runtime.InstanceStateActive {
		return runtime.StepResult{}, errors.Join(
			newEngineErrorf("instance %d is already %s", instanceKey, instance.State), ErrInvalidState)
	}
	now := engine.clock()
	instance.State = runtime.InstanceStateTimeout
	instance.Outcome = "timeout"
	instance.CompletedAt = &now
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return runtime.StepResult{}, errors.Join(newEngineErrorf("failed to persist timeout of instance %d", instanceKey), err)
	}
	engine.appendRecord(ctx, runtime.RecordProcessTimeout, instance, nil)
	engine.timeouts.Add(ctx, 1, metrics.WithAttributes(attribute.String("process", instance.ProcessName)))
	result := runtime.StepResult{
		InstanceKey: instanceKey,
		StepIndex:   instance.CurrentStepIndex,
		Success:     false,
		ExecutedAt:  now,
		Err:         "process timed out",
	}
	if err := engine.persistence.SaveStepResult(ctx, result); err != nil {
		return result, errors.Join(newEngineErrorf("failed to persist timeout result for instance %d", instanceKey), err)
	}
	return result, nil
}

// Scanner invokes CheckDueSteps on a fixed interval. The engine makes no
// assumption about how the scan is driven; this is the default in-process
// driver.
type Scanner struct {
	engine        *Engine
	interval      time.Duration
	logger        hclog.Logger
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
}

func NewScanner(engine *Engine, interval time.Duration) *Scanner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		engine:        engine,
		interval:      interval,
		logger:        hclog.Default().Named("due-step-scanner"),
		ctx:           ctx,
		ctxCancelFunc: cancel,
	}
}

func (s *Scanner) Start() {
	go s.run()
}

func (s *Scanner) Stop() {
	s.ctxCancelFunc()
}

func (s *Scanner) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			results, err := s.engine.CheckDueSteps(s.ctx)
			if err != nil {
				s.logger.Error(fmt.Sprintf("due-step scan failed: %s", err))
				continue
			}
			if len(results) > 0 {
				s.logger.Info(fmt.Sprintf("due-step scan executed %d step(s)", len(results)))
			}
		}
	}
}
