// Package transform holds the named transformation providers used by
// transform steps. Providers are looked up by name in a Registry so analytic
// backends can replace the built-in heuristics.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownTransformation is returned when no provider is registered under a name.
var ErrUnknownTransformation = errors.New("UnknownTransformationError")

// Built-in provider names.
const (
	Summarize       = "summarize"
	ExtractKeywords = "extract_keywords"
	Classify        = "classify"
)

// Provider transforms the accumulated data of an execution. It returns only the
// fields it produces; the caller merges them into the propagated payload.
type Provider interface {
	Transform(ctx context.Context, params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)
}

// ProviderFunc is a function adapter for Provider.
type ProviderFunc func(ctx context.Context, params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)

// Transform implements the Provider interface.
func (f ProviderFunc) Transform(ctx context.Context, params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, params, input)
}

// Registry maps transformation names to providers.
type Registry struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewDefaultRegistry creates a registry with the heuristic summarize,
// extract_keywords and classify providers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Summarize, SummarizeProvider{DefaultMaxLength: 200})
	r.Register(ExtractKeywords, KeywordProvider{Limit: 10, MinLength: 4, StopWords: DefaultStopWords})
	r.Register(Classify, DefaultClassifier())
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransformation, name)
	}
	return p, nil
}

// stringify renders a payload as compact JSON with sorted keys. HTML
// characters are kept literal so lengths and tokens follow the payload text.
func stringify(data map[string]interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return fmt.Sprint(data)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
