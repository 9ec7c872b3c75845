package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/automation-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Entities are deep-copied on the way in and out so callers never share state
// with the store.
type MemoryStorage struct {
	workflows  map[string]types.WorkflowDefinition
	executions map[string]types.WorkflowExecution
	mu         sync.RWMutex
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows:  make(map[string]types.WorkflowDefinition),
		executions: make(map[string]types.WorkflowExecution),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, clone func(T) T, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf.Clone()
		return nil
	})
}

// CreateWorkflow inserts a workflow unless its ID is taken.
func (s *MemoryStorage) CreateWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workflows[wf.ID]; ok {
			return fmt.Errorf("workflow %w: id=%s", ErrAlreadyExists, wf.ID)
		}
		s.workflows[wf.ID] = wf.Clone()
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.workflows, id, types.WorkflowDefinition.Clone, ErrWorkflowNotFound)
}

// ListWorkflows returns the workflows of an owner.
func (s *MemoryStorage) ListWorkflows(ctx context.Context, ownerID string) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		result := make([]types.WorkflowDefinition, 0)
		for _, wf := range s.workflows {
			if wf.OwnerID == ownerID {
				result = append(result, wf.Clone())
			}
		}
		sortWorkflows(result)
		return result, nil
	})
}

// UpdateWorkflow applies fn to a workflow under the write lock.
func (s *MemoryStorage) UpdateWorkflow(ctx context.Context, id string, fn WorkflowMutator) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		wf, ok := s.workflows[id]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		wf = wf.Clone()
		if err := fn(&wf); err != nil {
			return types.WorkflowDefinition{}, err
		}
		s.workflows[id] = wf.Clone()
		return wf, nil
	})
}

// DeleteWorkflow removes a workflow from memory.
func (s *MemoryStorage) DeleteWorkflow(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workflows[id]; !ok {
			return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		delete(s.workflows, id)
		return nil
	})
}

// SaveExecution saves an execution to memory.
func (s *MemoryStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.executions[exec.ID] = exec.Clone()
		return nil
	})
}

// GetExecution retrieves an execution from memory.
func (s *MemoryStorage) GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error) {
	return getItem(ctx, &s.mu, s.executions, id, types.WorkflowExecution.Clone, ErrExecutionNotFound)
}

// ListExecutions returns the executions of a workflow.
func (s *MemoryStorage) ListExecutions(ctx context.Context, workflowID string) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		result := make([]types.WorkflowExecution, 0)
		for _, exec := range s.executions {
			if exec.WorkflowID == workflowID {
				result = append(result, exec.Clone())
			}
		}
		sortExecutions(result)
		return result, nil
	})
}

// UpdateExecution applies fn to an execution under the write lock.
func (s *MemoryStorage) UpdateExecution(ctx context.Context, id string, fn ExecutionMutator) (types.WorkflowExecution, error) {
	return withContext(ctx, func() (types.WorkflowExecution, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		exec, ok := s.executions[id]
		if !ok {
			return types.WorkflowExecution{}, fmt.Errorf("%w: id=%s", ErrExecutionNotFound, id)
		}
		exec = exec.Clone()
		if err := fn(&exec); err != nil {
			return types.WorkflowExecution{}, err
		}
		s.executions[id] = exec.Clone()
		return exec, nil
	})
}

// ClearCompleted removes terminal executions finished before the cutoff.
func (s *MemoryStorage) ClearCompleted(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, exec := range s.executions {
			if expired(exec, before) {
				delete(s.executions, id)
				removed++
			}
		}
		return removed, nil
	})
}

func sortWorkflows(wfs []types.WorkflowDefinition) {
	sort.SliceStable(wfs, func(i, j int) bool {
		if wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].ID < wfs[j].ID
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}

func sortExecutions(execs []types.WorkflowExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
}
