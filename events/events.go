package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Execution lifecycle event types.
const (
	ExecutionStarted   = "execution_started"
	StepCompleted      = "step_completed"
	StepFailed         = "step_failed"
	ExecutionCompleted = "execution_completed"
	ExecutionFailed    = "execution_failed"
	ExecutionCancelled = "execution_cancelled"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// Event is a state change of one execution. StepID is set for step events.
type Event struct {
	Type        string
	ExecutionID string
	WorkflowID  string
	StepID      string
	Time        time.Time
	Data        map[string]interface{}
}

// Terminal reports whether the event ends its execution.
func (e Event) Terminal() bool {
	switch e.Type {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus delivers execution events to subscribers on a single dispatch
// goroutine. Handlers of one event run concurrently; the next event is not
// dispatched before they all return, so every subscriber observes the events
// of an execution in publish order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler

	eventCh        chan Event
	handlerTimeout time.Duration
	errHandler     func(event Event, err error)
	logger         *slog.Logger

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler replaces the default handler-error logging.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// WithHandlerTimeout bounds each handler call. Zero means no bound.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.handlerTimeout = d
	}
}

// NewEventBus starts a bus with a buffer of 100 events.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]EventHandler),
		eventCh:  make(chan Event, 100),
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.dispatchLoop()

	return eb
}

// Subscribe subscribes a handler to an event type, or to AllEvents.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// HasSubscribers reports whether an event of eventType would reach a handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[AllEvents]) > 0
}

func (eb *EventBus) subscribers(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	hs := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[AllEvents]))
	hs = append(hs, eb.handlers[eventType]...)
	return append(hs, eb.handlers[AllEvents]...)
}

// Publish queues event for delivery without blocking. It fails when ctx is
// done, the bus is stopped, nothing subscribes to the event or the buffer
// is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return fmt.Errorf("%w: %s", ErrNoHandler, event.Type)
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop delivers the buffered events and then stops the dispatch goroutine.
// It is safe to call more than once.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) dispatchLoop() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.subscribers(event.Type)

		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(h EventHandler) {
				defer wg.Done()
				if err := eb.deliver(h, event); err != nil {
					eb.errHandler(event, err)
				}
			}(h)
		}
		wg.Wait()
	}
}

// deliver calls h, converting a panic into an error.
func (eb *EventBus) deliver(h EventHandler, event Event) (err error) {
	ctx := context.Background()
	if eb.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eb.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		"event.type", event.Type,
		"execution.id", event.ExecutionID,
		"error", err)
}
