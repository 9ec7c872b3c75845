package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
)

// Dispatcher hands a created execution to whatever drives it to completion.
// Implementations must not mutate the job.
type Dispatcher interface {
	DispatchExecution(ctx context.Context, job types.ExecutionJob) error
}

// WorkflowEngine manages workflow definitions and starts their executions.
type WorkflowEngine struct {
	store      storage.Storage
	generate   generator.Generator
	executor   *StepExecutor
	cache      *ttlcache.Cache[string, types.WorkflowDefinition]
	opts       options
	mu         sync.RWMutex
	dispatcher Dispatcher
	local      sync.WaitGroup
}

// NewWorkflowEngine creates a new WorkflowEngine instance with the given generator and storage.
// Executions run on local goroutines until SetDispatcher installs a queue.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	o := newOptions(opts)
	e := &WorkflowEngine{
		store:    store,
		generate: generate,
		executor: &StepExecutor{store: store, generate: generate, opts: o},
		opts:     o,
	}
	if o.cacheTTL > 0 {
		e.cache = ttlcache.New(
			ttlcache.WithTTL[string, types.WorkflowDefinition](o.cacheTTL),
		)
	}
	return e, nil
}

// Executor returns the StepExecutor sharing this engine's storage and options.
func (e *WorkflowEngine) Executor() *StepExecutor {
	return e.executor
}

// SetDispatcher replaces the dispatcher used by ExecuteWorkflow and RetryExecution.
func (e *WorkflowEngine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

// SubscribeEvent subscribes an event handler to a specific event type. It is
// a no-op when the engine has no event bus.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) {
	if e.opts.bus != nil {
		e.opts.bus.Subscribe(eventType, handler)
	}
}

// CreateWorkflow validates and stores a new definition. An empty ID is
// generated; counters and timestamps are reset.
func (e *WorkflowEngine) CreateWorkflow(ctx context.Context, wf types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if err := Validate(wf); err != nil {
		return nil, err
	}

	wf = wf.Clone()
	if wf.ID == "" {
		id, err := newID(e.generate, "wf")
		if err != nil {
			return nil, err
		}
		wf.ID = id
	}

	now := e.opts.clock.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.ExecutionCount = 0
	wf.LastExecutedAt = nil

	if err := e.store.CreateWorkflow(ctx, wf); errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: workflow %s already exists", ErrValidation, wf.ID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	e.cacheSet(wf)

	e.opts.logger.InfoContext(ctx, "created workflow", WorkflowIDKey, wf.ID)
	return &wf, nil
}

// CreateSampleWorkflow stores the Slack to Gmail sample workflow for ownerID.
func (e *WorkflowEngine) CreateSampleWorkflow(ctx context.Context, ownerID string) (*types.WorkflowDefinition, error) {
	return e.CreateWorkflow(ctx, SampleWorkflow(ownerID))
}

// GetWorkflow retrieves a workflow by ID.
func (e *WorkflowEngine) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	if e.cache != nil {
		if item := e.cache.Get(id); item != nil {
			wf := item.Value().Clone()
			return &wf, nil
		}
	}

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	e.cacheSet(wf)
	return &wf, nil
}

// ListWorkflows returns the workflows owned by ownerID.
func (e *WorkflowEngine) ListWorkflows(ctx context.Context, ownerID string) ([]types.WorkflowDefinition, error) {
	return e.store.ListWorkflows(ctx, ownerID)
}

// UpdateWorkflow merges u into the stored definition and bumps UpdatedAt.
// The merged definition must validate.
func (e *WorkflowEngine) UpdateWorkflow(ctx context.Context, id string, u types.WorkflowUpdate) (*types.WorkflowDefinition, error) {
	now := e.opts.clock.Now()
	wf, err := e.store.UpdateWorkflow(ctx, id, func(wf *types.WorkflowDefinition) error {
		u.Apply(wf)
		if err := Validate(*wf); err != nil {
			return err
		}
		wf.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.cacheDelete(id)
		return nil, notFound(err, "workflow", id)
	}
	e.cacheSet(wf)

	e.opts.logger.InfoContext(ctx, "updated workflow", WorkflowIDKey, id)
	return &wf, nil
}

// DeleteWorkflow removes a definition. Its executions are kept.
func (e *WorkflowEngine) DeleteWorkflow(ctx context.Context, id string) error {
	e.cacheDelete(id)
	if err := e.store.DeleteWorkflow(ctx, id); err != nil {
		return notFound(err, "workflow", id)
	}
	e.opts.logger.InfoContext(ctx, "deleted workflow", WorkflowIDKey, id)
	return nil
}

// ExecuteWorkflow creates a pending execution of workflow id and hands it to
// the dispatcher. It returns without waiting for the run; poll GetExecution
// to observe completion. Unknown and inactive workflows create no execution.
func (e *WorkflowEngine) ExecuteWorkflow(ctx context.Context, id string, triggerData map[string]interface{}) (*types.WorkflowExecution, error) {
	return e.execute(ctx, id, triggerData, "")
}

func (e *WorkflowEngine) execute(ctx context.Context, id string, triggerData map[string]interface{}, retryOf string) (*types.WorkflowExecution, error) {
	execID, err := newID(e.generate, "exec")
	if err != nil {
		return nil, err
	}

	now := e.opts.clock.Now()
	wf, err := e.store.UpdateWorkflow(ctx, id, func(wf *types.WorkflowDefinition) error {
		if !wf.IsActive {
			return fmt.Errorf("%w: %s", ErrInactiveWorkflow, wf.ID)
		}
		wf.ExecutionCount++
		wf.LastExecutedAt = &now
		return nil
	})
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	e.cacheSet(wf)

	data := types.CopyData(triggerData)
	if data == nil {
		data = make(map[string]interface{})
	}
	exec := types.WorkflowExecution{
		ID:          execID,
		WorkflowID:  wf.ID,
		Status:      types.ExecutionPending,
		StartedAt:   now,
		Steps:       []types.WorkflowStepExecution{},
		Data:        data,
		TriggerData: types.CopyData(triggerData),
		RetryOf:     retryOf,
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	job := types.ExecutionJob{ExecutionID: exec.ID, Workflow: wf, Timestamp: now}
	if err := e.dispatch(ctx, job); err != nil {
		e.failPending(ctx, exec.ID, fmt.Errorf("dispatch failed: %w", err))
		return nil, fmt.Errorf("dispatching execution %s: %w", exec.ID, err)
	}

	e.opts.logger.InfoContext(ctx, "started workflow execution", ExecutionIDKey, exec.ID, WorkflowIDKey, wf.ID)
	return &exec, nil
}

func (e *WorkflowEngine) dispatch(ctx context.Context, job types.ExecutionJob) error {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		return d.DispatchExecution(ctx, job)
	}

	e.local.Add(1)
	go func() {
		defer e.local.Done()
		if err := e.executor.Run(context.Background(), job.ExecutionID, job.Workflow); err != nil {
			e.opts.logger.Error("execution run failed", ExecutionIDKey, job.ExecutionID, "error", err)
		}
	}()
	return nil
}

// FailExecution marks a pending or running execution failed with cause. It
// is used when the execution can no longer be driven, e.g. after its job was
// dead-lettered.
func (e *WorkflowEngine) FailExecution(ctx context.Context, id string, cause error) error {
	now := e.opts.clock.Now()
	exec, err := e.store.UpdateExecution(ctx, id, func(exec *types.WorkflowExecution) error {
		if exec.Status.IsTerminal() {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, exec.ID, exec.Status)
		}
		exec.Status = types.ExecutionFailed
		exec.Error = cause.Error()
		exec.CompletedAt = &now
		return nil
	})
	if err != nil {
		return notFound(err, "execution", id)
	}
	publishEvent(ctx, e.opts.bus, e.opts.logger, events.Event{
		Type:        events.ExecutionFailed,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Time:        now,
		Data:        map[string]interface{}{"error": exec.Error},
	})
	return nil
}

func (e *WorkflowEngine) failPending(ctx context.Context, id string, cause error) {
	if err := e.FailExecution(context.WithoutCancel(ctx), id, cause); err != nil {
		e.opts.logger.ErrorContext(ctx, "could not mark execution failed", ExecutionIDKey, id, "error", err)
	}
}

// GetExecution retrieves an execution by ID. It never modifies stored state.
func (e *WorkflowEngine) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return &exec, nil
}

// ListExecutions returns the executions of workflowID ordered by start time.
func (e *WorkflowEngine) ListExecutions(ctx context.Context, workflowID string) ([]types.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, workflowID)
}

// ListOwnerExecutions returns the executions of every workflow owned by
// ownerID ordered by start time.
func (e *WorkflowEngine) ListOwnerExecutions(ctx context.Context, ownerID string) ([]types.WorkflowExecution, error) {
	wfs, err := e.store.ListWorkflows(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var out []types.WorkflowExecution
	for _, wf := range wfs {
		execs, err := e.store.ListExecutions(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, execs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// CancelExecution moves a pending or running execution to cancelled. A
// running execution stops before its next step; when it runs in this process
// the context of its current step is cancelled as well.
func (e *WorkflowEngine) CancelExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	now := e.opts.clock.Now()
	exec, err := e.store.UpdateExecution(ctx, id, func(exec *types.WorkflowExecution) error {
		if exec.Status.IsTerminal() {
			return fmt.Errorf("%w: execution %s is already %s", ErrInvalidTransition, exec.ID, exec.Status)
		}
		exec.Status = types.ExecutionCancelled
		exec.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, notFound(err, "execution", id)
	}

	interrupted := e.executor.Interrupt(id)
	e.opts.logger.InfoContext(ctx, "cancelled execution", ExecutionIDKey, id, "interrupted", interrupted)
	publishEvent(ctx, e.opts.bus, e.opts.logger, events.Event{
		Type:        events.ExecutionCancelled,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Time:        now,
	})
	return &exec, nil
}

// RetryExecution starts a new execution of the same workflow with the trigger
// data of a failed or cancelled execution.
func (e *WorkflowEngine) RetryExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	prev, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	if prev.Status != types.ExecutionFailed && prev.Status != types.ExecutionCancelled {
		return nil, fmt.Errorf("%w: execution %s is %s, only failed or cancelled executions can be retried",
			ErrInvalidTransition, prev.ID, prev.Status)
	}
	return e.execute(ctx, prev.WorkflowID, prev.TriggerData, prev.ID)
}

// PurgeExecutions removes terminal executions that completed more than
// olderThan ago and returns how many were removed.
func (e *WorkflowEngine) PurgeExecutions(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := e.store.ClearCompleted(ctx, e.opts.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.opts.logger.InfoContext(ctx, "purged executions", "count", n)
	}
	return n, nil
}

// Stop waits for executions running on local goroutines to finish.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.local.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *WorkflowEngine) cacheSet(wf types.WorkflowDefinition) {
	if e.cache != nil {
		e.cache.Set(wf.ID, wf.Clone(), ttlcache.DefaultTTL)
	}
}

func (e *WorkflowEngine) cacheDelete(id string) {
	if e.cache != nil {
		e.cache.Delete(id)
	}
}

// notFound maps storage misses onto ErrNotFound and passes other errors through.
func notFound(err error, kind, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return err
}
