package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionFunc performs one action.
type ActionFunc func(ctx context.Context, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)

// TriggerFunc fetches the payload of one trigger.
type TriggerFunc func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error)

// FuncAdapter is an IntegrationAdapter assembled from plain functions. It is
// useful for in-process services, demos and tests.
type FuncAdapter struct {
	Base

	mu       sync.RWMutex
	actions  map[string]ActionFunc
	triggers map[string]TriggerFunc
}

var _ IntegrationAdapter = (*FuncAdapter)(nil)

// NewFuncAdapter creates an adapter for service with no capabilities.
func NewFuncAdapter(service string) *FuncAdapter {
	return &FuncAdapter{
		Base:     Base{ServiceName: service},
		actions:  make(map[string]ActionFunc),
		triggers: make(map[string]TriggerFunc),
	}
}

// OnAction registers fn as the handler of actionID.
func (a *FuncAdapter) OnAction(actionID string, fn ActionFunc) *FuncAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions[actionID] = fn
	return a
}

// OnTrigger registers fn as the handler of triggerID.
func (a *FuncAdapter) OnTrigger(triggerID string, fn TriggerFunc) *FuncAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers[triggerID] = fn
	return a
}

// GetTriggers lists the registered triggers.
func (a *FuncAdapter) GetTriggers(_ context.Context) ([]TriggerInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	infos := make([]TriggerInfo, 0, len(a.triggers))
	for id := range a.triggers {
		infos = append(infos, a.Trigger(id, id, ""))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// GetActions lists the registered actions.
func (a *FuncAdapter) GetActions(_ context.Context) ([]ActionInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	infos := make([]ActionInfo, 0, len(a.actions))
	for id := range a.actions {
		infos = append(infos, a.Action(id, id, ""))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// ExecuteTrigger runs the handler registered for triggerID.
func (a *FuncAdapter) ExecuteTrigger(ctx context.Context, triggerID string, config map[string]interface{}) (map[string]interface{}, error) {
	a.mu.RLock()
	fn, ok := a.triggers[triggerID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: unknown trigger %q", a.ServiceName, triggerID)
	}
	return fn(ctx, config)
}

// ExecuteAction runs the handler registered for actionID.
func (a *FuncAdapter) ExecuteAction(ctx context.Context, actionID string, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	a.mu.RLock()
	fn, ok := a.actions[actionID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: unknown action %q", a.ServiceName, actionID)
	}
	return fn(ctx, config, input)
}
