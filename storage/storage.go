package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/automation-engine/types"
)

// Errors
var (
	ErrNotFound          = errors.New("not found")
	ErrWorkflowNotFound  = fmt.Errorf("workflow %w", ErrNotFound)
	ErrExecutionNotFound = fmt.Errorf("execution %w", ErrNotFound)
	// ErrConflict is returned when an optimistic update could not be applied
	// after repeated concurrent modifications.
	ErrConflict = errors.New("concurrent modification")
	// ErrAlreadyExists is returned by CreateWorkflow when the ID is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// WorkflowMutator mutates a workflow in place inside an atomic update.
// Returning an error aborts the update and nothing is written.
type WorkflowMutator func(wf *types.WorkflowDefinition) error

// ExecutionMutator mutates an execution in place inside an atomic update.
// Returning an error aborts the update and nothing is written.
type ExecutionMutator func(exec *types.WorkflowExecution) error

// Storage defines the interface for persisting and retrieving workflows and executions.
// Update methods apply the mutator as a single read-modify-write on the entity, so a
// status check inside the mutator acts as a compare-and-swap.
type Storage interface {
	// SaveWorkflow creates or replaces a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error

	// CreateWorkflow stores wf only if no workflow with its ID exists, and
	// returns ErrAlreadyExists otherwise.
	CreateWorkflow(ctx context.Context, wf types.WorkflowDefinition) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (types.WorkflowDefinition, error)

	// ListWorkflows returns the workflows owned by ownerID ordered by creation time.
	ListWorkflows(ctx context.Context, ownerID string) ([]types.WorkflowDefinition, error)

	// UpdateWorkflow atomically applies fn to the stored workflow.
	UpdateWorkflow(ctx context.Context, id string, fn WorkflowMutator) (types.WorkflowDefinition, error)

	// DeleteWorkflow removes a workflow. Executions of it are kept.
	DeleteWorkflow(ctx context.Context, id string) error

	// SaveExecution creates or replaces an execution.
	SaveExecution(ctx context.Context, exec types.WorkflowExecution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error)

	// ListExecutions returns the executions of a workflow ordered by start time.
	ListExecutions(ctx context.Context, workflowID string) ([]types.WorkflowExecution, error)

	// UpdateExecution atomically applies fn to the stored execution.
	UpdateExecution(ctx context.Context, id string, fn ExecutionMutator) (types.WorkflowExecution, error)

	// ClearCompleted removes terminal executions that completed before the given time
	// and returns how many were removed.
	ClearCompleted(ctx context.Context, before time.Time) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// expired reports whether exec is terminal and finished before the cutoff.
func expired(exec types.WorkflowExecution, before time.Time) bool {
	if !exec.Status.IsTerminal() {
		return false
	}
	if exec.CompletedAt == nil {
		return exec.StartedAt.Before(before)
	}
	return exec.CompletedAt.Before(before)
}
