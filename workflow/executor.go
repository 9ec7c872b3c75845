package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/go-errors/errors"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/rules"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
)

// StepExecutor walks the step graph of one execution depth-first, recording
// a WorkflowStepExecution per attempted step.
type StepExecutor struct {
	store    storage.Storage
	generate generator.Generator
	opts     options

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// run is the state of one execution being walked.
type run struct {
	id     string
	wf     types.WorkflowDefinition
	graph  *Graph
	logger *slog.Logger
}

// NewStepExecutor creates a StepExecutor. A nil store falls back to memory storage.
func NewStepExecutor(generate generator.Generator, store storage.Storage, opts ...Option) (*StepExecutor, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	return &StepExecutor{store: store, generate: generate, opts: newOptions(opts)}, nil
}

// Run drives the pending execution executionID through wf, a snapshot of the
// definition taken when the execution was created.
//
// The pending to running transition is a compare-and-swap; an execution that
// is no longer pending yields ErrInvalidTransition and is left untouched. Step
// failures are recorded on the execution and do not make Run fail: a nil
// error means the execution reached a terminal status.
func (x *StepExecutor) Run(ctx context.Context, executionID string, wf types.WorkflowDefinition) error {
	exec, err := x.store.UpdateExecution(ctx, executionID, func(e *types.WorkflowExecution) error {
		if e.Status != types.ExecutionPending {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, e.ID, e.Status)
		}
		e.Status = types.ExecutionRunning
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
		}
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	x.track(exec.ID, cancel)
	defer func() {
		x.untrack(exec.ID)
		cancel(nil)
	}()

	ctx, span := x.opts.tracer.Start(ctx, "ExecuteWorkflow", trace.WithAttributes(
		attribute.String(ExecutionIDKey, exec.ID),
		attribute.String(WorkflowIDKey, wf.ID),
	))
	defer span.End()

	r := &run{
		id:     exec.ID,
		wf:     wf,
		logger: x.opts.logger.With(ExecutionIDKey, exec.ID, WorkflowIDKey, wf.ID),
	}

	x.opts.metrics.activeExecutions.Inc()
	defer x.opts.metrics.activeExecutions.Dec()

	r.logger.InfoContext(ctx, "execution started")
	x.publish(ctx, r, events.ExecutionStarted, nil)

	runErr := x.walk(ctx, r, exec.Data)
	if runErr != nil && !errors.Is(runErr, ErrExecutionCancelled) {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return x.finish(ctx, r, runErr)
}

func (x *StepExecutor) track(id string, cancel context.CancelCauseFunc) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.running == nil {
		x.running = make(map[string]context.CancelCauseFunc)
	}
	x.running[id] = cancel
}

func (x *StepExecutor) untrack(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.running, id)
}

// Interrupt cancels the context of the step currently running for execution
// id, if this executor is running it. Adapters that honour their context
// return early; the step is recorded as failed and the run stops as
// cancelled. It reports whether a run was found.
func (x *StepExecutor) Interrupt(id string) bool {
	x.mu.Lock()
	cancel, ok := x.running[id]
	x.mu.Unlock()
	if ok {
		cancel(ErrExecutionCancelled)
	}
	return ok
}

// interrupted maps an error caused by Interrupt to ErrExecutionCancelled.
func interrupted(ctx context.Context, err error) error {
	if err != nil && errors.Is(context.Cause(ctx), ErrExecutionCancelled) && !errors.Is(err, ErrExecutionCancelled) {
		return fmt.Errorf("%w: %v", ErrExecutionCancelled, err)
	}
	return err
}

func (x *StepExecutor) walk(ctx context.Context, r *run, data map[string]interface{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("execution %s panicked: %v", r.id, rec)
			r.logger.ErrorContext(ctx, "execution panicked", "error", err,
				"stack", string(goerrors.Wrap(rec, 2).Stack()))
		}
	}()

	g, err := NewGraph(r.wf.Steps)
	if err != nil {
		return err
	}
	if err := g.DetectCycle(); err != nil {
		return err
	}
	entry, err := g.Entry()
	if err != nil {
		return err
	}
	r.graph = g

	if data == nil {
		data = make(map[string]interface{})
	}
	return x.visit(ctx, r, entry, data)
}

// visit executes step i and then each of its successors in nextSteps order,
// passing this step's output as their input.
func (x *StepExecutor) visit(ctx context.Context, r *run, i int, input map[string]interface{}) error {
	output, err := x.executeStep(ctx, r, r.graph.Step(i), input)
	if err != nil {
		return err
	}
	for _, j := range r.graph.Next(i) {
		if err := x.visit(ctx, r, j, output); err != nil {
			return err
		}
	}
	return nil
}

func (x *StepExecutor) executeStep(ctx context.Context, r *run, step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, interrupted(ctx, err)
	}

	id, err := newID(x.generate, "step")
	if err != nil {
		return nil, err
	}
	record := types.WorkflowStepExecution{
		ID:        id,
		StepID:    step.ID,
		Status:    types.StepRunning,
		StartedAt: x.opts.clock.Now(),
		Input:     types.CopyData(input),
	}

	// Appending the record doubles as the cancellation check: nothing starts
	// once the stored execution has left the running state.
	_, err = x.store.UpdateExecution(ctx, r.id, func(e *types.WorkflowExecution) error {
		switch e.Status {
		case types.ExecutionRunning:
		case types.ExecutionCancelled:
			return ErrExecutionCancelled
		default:
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, e.ID, e.Status)
		}
		e.Steps = append(e.Steps, record)
		return nil
	})
	if err != nil {
		return nil, interrupted(ctx, err)
	}

	logger := r.logger.With(StepIDKey, step.ID, StepTypeKey, string(step.Type))
	ctx, span := x.opts.tracer.Start(ctx, "ExecuteStep", trace.WithAttributes(
		attribute.String(StepIDKey, step.ID),
		attribute.String(StepTypeKey, string(step.Type)),
	))
	defer span.End()

	logger.DebugContext(ctx, "executing step")
	output, retries, stepErr := x.runWithRetry(ctx, logger, step, input)
	stepErr = interrupted(ctx, stepErr)
	completedAt := x.opts.clock.Now()
	x.opts.metrics.stepDuration.WithLabelValues(string(step.Type)).Observe(completedAt.Sub(record.StartedAt).Seconds())

	_, err = x.store.UpdateExecution(context.WithoutCancel(ctx), r.id, func(e *types.WorkflowExecution) error {
		for i := range e.Steps {
			if e.Steps[i].ID != record.ID {
				continue
			}
			s := &e.Steps[i]
			s.CompletedAt = &completedAt
			s.RetryCount = retries
			if stepErr != nil {
				s.Status = types.StepFailed
				s.Error = stepErr.Error()
			} else {
				s.Status = types.StepCompleted
				s.Output = types.CopyData(output)
				e.Data = types.CopyData(output)
			}
			return nil
		}
		return fmt.Errorf("step record %s missing from execution %s", record.ID, e.ID)
	})

	if stepErr != nil {
		x.opts.metrics.stepsTotal.WithLabelValues(string(step.Type), string(types.StepFailed)).Inc()
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		logger.ErrorContext(ctx, "step failed", "error", stepErr, "retries", retries)
		x.publishStep(ctx, r, events.StepFailed, step.ID, map[string]interface{}{"error": stepErr.Error()})
		return nil, stepErr
	}
	if err != nil {
		return nil, fmt.Errorf("recording step %s: %w", step.ID, err)
	}

	x.opts.metrics.stepsTotal.WithLabelValues(string(step.Type), string(types.StepCompleted)).Inc()
	logger.DebugContext(ctx, "step completed", DurationKey, completedAt.Sub(record.StartedAt).Milliseconds())
	x.publishStep(ctx, r, events.StepCompleted, step.ID, map[string]interface{}{"retries": retries})
	return output, nil
}

// runWithRetry attempts step under its retry policy. Only adapter failures
// and timeouts are retried. It returns the number of retries performed.
func (x *StepExecutor) runWithRetry(ctx context.Context, logger *slog.Logger, step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, int, error) {
	policy := step.Retry
	if policy == nil {
		policy = x.opts.stepRetry
	}
	if policy == nil || policy.MaxAttempts <= 1 {
		out, err := x.attempt(ctx, step, input)
		return out, 0, err
	}

	attempts := 0
	operation := func() (map[string]interface{}, error) {
		attempts++
		out, err := x.attempt(ctx, step, input)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, d time.Duration) {
		x.opts.metrics.stepRetries.Inc()
		logger.WarnContext(ctx, "retrying step", AttemptKey, attempts+1, "delay", d, "error", err)
	}

	b := backoff.WithContext(policy.NewBackOff(x.opts.clock), ctx)
	out, err := backoff.RetryNotifyWithData(operation, b, notify)
	return out, attempts - 1, err
}

// attempt runs step once, bounded by its timeout.
func (x *StepExecutor) attempt(ctx context.Context, step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, error) {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = x.opts.stepTimeout
	}
	if timeout <= 0 {
		return x.dispatch(ctx, step, input)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := x.dispatch(ctx, step, input)
		done <- result{out, err}
	}()

	timedOut := func() error {
		return fmt.Errorf("%w: step %s exceeded %s", ErrStepTimeout, step.ID, timeout)
	}

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}
		return nil, ctx.Err()
	}
}

// dispatch runs the variant behaviour of step.
func (x *StepExecutor) dispatch(ctx context.Context, step types.WorkflowStep, input map[string]interface{}) (out map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %s panicked: %v", step.ID, rec)
			x.opts.logger.ErrorContext(ctx, "step panicked", StepIDKey, step.ID, "error", err,
				"stack", string(goerrors.Wrap(rec, 2).Stack()))
		}
	}()

	switch step.Type {
	case types.StepTypeTrigger:
		return x.runTrigger(ctx, step, input)
	case types.StepTypeAction:
		return x.runAction(ctx, step, input)
	case types.StepTypeCondition:
		return x.runCondition(step, input)
	case types.StepTypeTransform:
		return x.runTransform(ctx, step, input)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, step.Type)
	}
}

func (x *StepExecutor) runTrigger(ctx context.Context, step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, error) {
	out := types.CopyData(input)
	if t := step.Trigger; t != nil && t.Service != "" {
		a, err := x.opts.adapters.Resolve(t.Service)
		if err != nil {
			return nil, err
		}
		payload, err := a.ExecuteTrigger(ctx, t.TriggerID, types.CopyData(t.Config))
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrAdapter, t.Service, t.TriggerID, err)
		}
		for k, v := range payload {
			out[k] = v
		}
	}
	out["triggerExecuted"] = true
	out["timestamp"] = x.timestamp()
	return out, nil
}

func (x *StepExecutor) runAction(ctx context.Context, step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, error) {
	act := step.Action
	if act == nil {
		return nil, fmt.Errorf("%w: step %s has no action configuration", ErrValidation, step.ID)
	}
	a, err := x.opts.adapters.Resolve(act.Service)
	if err != nil {
		return nil, err
	}
	result, err := a.ExecuteAction(ctx, act.ActionID, types.CopyData(act.Config), types.CopyData(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrAdapter, act.Service, act.ActionID, err)
	}

	out := types.CopyData(input)
	for k, v := range result {
		out[k] = v
	}
	return out, nil
}

func (x *StepExecutor) runCondition(step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, error) {
	c := step.Condition
	if c == nil {
		return nil, fmt.Errorf("%w: step %s has no condition", ErrValidation, step.ID)
	}
	value, found := rules.Lookup(input, c.Field)
	result, err := rules.Compare(c.Operator, value, found, c.Value)
	if err != nil {
		return nil, err
	}

	out := types.CopyData(input)
	out["conditionResult"] = result
	out["condition"] = map[string]interface{}{
		"field":    c.Field,
		"operator": c.Operator,
		"value":    c.Value,
	}
	out["timestamp"] = x.timestamp()
	return out, nil
}

func (x *StepExecutor) runTransform(ctx context.Context, step types.WorkflowStep, input map[string]interface{}) (map[string]interface{}, error) {
	t := step.Transform
	if t == nil {
		return nil, fmt.Errorf("%w: step %s has no transformation", ErrValidation, step.ID)
	}
	p, err := x.opts.transforms.Get(t.Transformation)
	if err != nil {
		return nil, err
	}
	produced, err := p.Transform(ctx, types.CopyData(t.Params), types.CopyData(input))
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", t.Transformation, err)
	}

	out := types.CopyData(input)
	for k, v := range produced {
		out[k] = v
	}
	out["timestamp"] = x.timestamp()
	return out, nil
}

// finish records the terminal status. A cancel request that won the race
// against completion is kept.
func (x *StepExecutor) finish(ctx context.Context, r *run, runErr error) error {
	ctx = context.WithoutCancel(ctx)

	if errors.Is(runErr, ErrExecutionCancelled) {
		x.opts.metrics.executionsTotal.WithLabelValues(string(types.ExecutionCancelled)).Inc()
		r.logger.InfoContext(ctx, "execution stopped after cancellation")
		return nil
	}

	status := types.ExecutionCompleted
	if runErr != nil {
		status = types.ExecutionFailed
	}
	completedAt := x.opts.clock.Now()

	_, err := x.store.UpdateExecution(ctx, r.id, func(e *types.WorkflowExecution) error {
		if e.Status != types.ExecutionRunning {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, e.ID, e.Status)
		}
		e.Status = status
		e.CompletedAt = &completedAt
		if runErr != nil {
			e.Error = runErr.Error()
		}
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		r.logger.InfoContext(ctx, "execution left running state before completion", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording final status of execution %s: %w", r.id, err)
	}

	x.opts.metrics.executionsTotal.WithLabelValues(string(status)).Inc()
	if runErr != nil {
		r.logger.ErrorContext(ctx, "execution failed", "error", runErr)
		x.publish(ctx, r, events.ExecutionFailed, map[string]interface{}{"error": runErr.Error()})
		return nil
	}
	r.logger.InfoContext(ctx, "execution completed")
	x.publish(ctx, r, events.ExecutionCompleted, nil)
	return nil
}

func (x *StepExecutor) publish(ctx context.Context, r *run, eventType string, data map[string]interface{}) {
	x.publishStep(ctx, r, eventType, "", data)
}

func (x *StepExecutor) publishStep(ctx context.Context, r *run, eventType, stepID string, data map[string]interface{}) {
	publishEvent(ctx, x.opts.bus, r.logger, events.Event{
		Type:        eventType,
		ExecutionID: r.id,
		WorkflowID:  r.wf.ID,
		StepID:      stepID,
		Time:        x.opts.clock.Now(),
		Data:        data,
	})
}

func (x *StepExecutor) timestamp() string {
	return x.opts.clock.Now().UTC().Format(time.RFC3339Nano)
}

// publishEvent publishes to bus when one is configured. Events without
// subscribers are dropped silently.
func publishEvent(ctx context.Context, bus *events.EventBus, logger *slog.Logger, event events.Event) {
	if bus == nil {
		return
	}
	err := bus.Publish(context.WithoutCancel(ctx), event)
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		logger.WarnContext(ctx, "could not publish event", "event.type", event.Type, "error", err)
	}
}

// newID formats the next generated id with a readable prefix.
func newID(generate generator.Generator, prefix string) (string, error) {
	id, err := generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return fmt.Sprintf("%s_%d", prefix, id), nil
}
