package workflow

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/songzhibin97/automation-engine/adapter"
	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/transform"
	"github.com/songzhibin97/automation-engine/types"
)

type options struct {
	logger      *slog.Logger
	clock       clock.Clock
	tracer      trace.Tracer
	bus         *events.EventBus
	adapters    *adapter.Registry
	transforms  *transform.Registry
	metrics     *Metrics
	stepTimeout time.Duration
	stepRetry   *types.RetryPolicy
	cacheTTL    time.Duration
}

// Option configures a WorkflowEngine or StepExecutor.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTracer sets the tracer used for execution and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithEventBus publishes execution lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithAdapters sets the registry resolving services of trigger and action steps.
func WithAdapters(r *adapter.Registry) Option {
	return func(o *options) {
		o.adapters = r
	}
}

// WithTransforms sets the registry resolving transformation providers.
func WithTransforms(r *transform.Registry) Option {
	return func(o *options) {
		o.transforms = r
	}
}

// WithMetrics records executor metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDefaultStepTimeout bounds every step without its own timeout.
// Zero disables the default.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(o *options) {
		o.stepTimeout = d
	}
}

// WithDefaultStepRetry applies policy to every step without its own retry policy.
func WithDefaultStepRetry(policy types.RetryPolicy) Option {
	return func(o *options) {
		o.stepRetry = &policy
	}
}

// WithDefinitionCacheTTL sets how long workflow definitions stay in the
// engine's read cache. Zero disables the cache.
func WithDefinitionCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.cacheTTL = ttl
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		clock:    clock.New(),
		tracer:   noop.NewTracerProvider().Tracer("automation-engine"),
		cacheTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.adapters == nil {
		o.adapters = adapter.NewRegistry()
	}
	if o.transforms == nil {
		o.transforms = transform.NewDefaultRegistry()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}
