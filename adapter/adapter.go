package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownService is returned when no adapter is registered for a service name.
var ErrUnknownService = errors.New("UnknownServiceError")

// TriggerInfo describes a trigger an adapter can fire.
type TriggerInfo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Service     string                 `json:"service"`
	Config      map[string]interface{} `json:"config,omitempty"`
	WebhookURL  string                 `json:"webhook_url,omitempty"`
}

// ActionInput describes one input accepted by an action.
type ActionInput struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"` // "string", "number", "boolean", "object", "array"
	Required     bool        `json:"required"`
	Description  string      `json:"description"`
	DefaultValue interface{} `json:"default_value,omitempty"`
}

// ActionInfo describes an action an adapter can perform.
type ActionInfo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Service     string                 `json:"service"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Inputs      []ActionInput          `json:"inputs,omitempty"`
}

// IntegrationAdapter is the capability contract of one third-party service.
// Execute methods may block on network I/O and must honour ctx.
type IntegrationAdapter interface {
	Name() string
	GetTriggers(ctx context.Context) ([]TriggerInfo, error)
	GetActions(ctx context.Context) ([]ActionInfo, error)
	ExecuteTrigger(ctx context.Context, triggerID string, config map[string]interface{}) (map[string]interface{}, error)
	ExecuteAction(ctx context.Context, actionID string, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)
	ValidateConfig(ctx context.Context, config map[string]interface{}) bool
	TestConnection(ctx context.Context, config map[string]interface{}) bool
}

// Base provides default ValidateConfig and TestConnection behaviour and
// descriptor helpers for adapters embedding it.
type Base struct {
	ServiceName string
}

// Name returns the service name.
func (b Base) Name() string {
	return b.ServiceName
}

// ValidateConfig accepts any non-nil config.
func (b Base) ValidateConfig(_ context.Context, config map[string]interface{}) bool {
	return config != nil
}

// TestConnection reports whether config validates. Adapters with a real
// endpoint should override it.
func (b Base) TestConnection(ctx context.Context, config map[string]interface{}) bool {
	return b.ValidateConfig(ctx, config)
}

// Trigger builds a TriggerInfo for this service.
func (b Base) Trigger(id, name, description string) TriggerInfo {
	return TriggerInfo{ID: id, Name: name, Description: description, Service: b.ServiceName}
}

// Action builds an ActionInfo for this service.
func (b Base) Action(id, name, description string, inputs ...ActionInput) ActionInfo {
	return ActionInfo{ID: id, Name: name, Description: description, Service: b.ServiceName, Inputs: inputs}
}

// Registry resolves service names to adapters.
type Registry struct {
	adapters map[string]IntegrationAdapter
	mu       sync.RWMutex
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...IntegrationAdapter) *Registry {
	r := &Registry{adapters: make(map[string]IntegrationAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a IntegrationAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve returns the adapter registered for service.
func (r *Registry) Resolve(service string) (IntegrationAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return a, nil
}

// Services lists registered service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
