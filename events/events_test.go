package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(StepCompleted, &mockHandler{})

	if !eb.HasSubscribers(StepCompleted) {
		t.Fatal("Expected handlers for step_completed, but none found")
	}
	if eb.HasSubscribers(StepFailed) {
		t.Fatal("Expected no handlers for step_failed")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	eb.SubscribeFunc(ExecutionCompleted, func(ctx context.Context, event Event) error {
		defer wg.Done()
		if event.Type != ExecutionCompleted {
			t.Errorf("Expected event type %q, got %q", ExecutionCompleted, event.Type)
		}
		if event.ExecutionID != "exec_1" {
			t.Errorf("Expected execution ID exec_1, got %s", event.ExecutionID)
		}
		return nil
	})

	err := eb.Publish(context.Background(), Event{
		Type:        ExecutionCompleted,
		ExecutionID: "exec_1",
		Data:        map[string]interface{}{"key": "value"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishWithoutHandler(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: ExecutionStarted})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_ChannelFull(t *testing.T) {
	block := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(block)
		eb.Stop()
	}()

	eb.SubscribeFunc(StepFailed, func(ctx context.Context, event Event) error {
		<-block
		return nil
	})

	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := eb.Publish(context.Background(), Event{Type: StepFailed}); errors.Is(err, ErrChannelFull) {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("Expected ErrChannelFull once the buffer is exhausted")
	}
}

func TestEventBus_Stop(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe(ExecutionFailed, &mockHandler{})
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: ExecutionFailed})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}

	// Stopping twice must not panic.
	eb.Stop()
}

func TestEventBus_ErrorHandler(t *testing.T) {
	var customErrorCalled bool
	var customErrorMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)

	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		defer wg.Done()
		customErrorMu.Lock()
		customErrorCalled = true
		customErrorMu.Unlock()
	}))
	defer eb.Stop()

	eb.Subscribe(ExecutionCancelled, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	if err := eb.Publish(context.Background(), Event{Type: ExecutionCancelled}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("Custom error handler was not called")
	}
	customErrorMu.Lock()
	defer customErrorMu.Unlock()
	if !customErrorCalled {
		t.Fatal("Custom error handler was not called")
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(ExecutionStarted, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: ExecutionStarted})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

func TestEventBus_AllEvents(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	got := make(chan Event, 3)
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		got <- event
		return nil
	})

	if !eb.HasSubscribers(StepFailed) {
		t.Fatal("Expected a wildcard subscriber to count for every type")
	}

	for _, typ := range []string{ExecutionStarted, StepCompleted, ExecutionCompleted} {
		if err := eb.Publish(context.Background(), Event{Type: typ, ExecutionID: "exec_1"}); err != nil {
			t.Fatalf("Publish %s failed: %v", typ, err)
		}
	}

	// Events of one execution arrive in publish order.
	for _, want := range []string{ExecutionStarted, StepCompleted, ExecutionCompleted} {
		select {
		case e := <-got:
			if e.Type != want {
				t.Fatalf("Expected %s, got %s", want, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for %s", want)
		}
	}
}

func TestEventBus_HandlerPanic(t *testing.T) {
	errs := make(chan error, 1)
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		errs <- err
	}))
	defer eb.Stop()

	eb.SubscribeFunc(StepFailed, func(ctx context.Context, event Event) error {
		panic("boom")
	})

	if err := eb.Publish(context.Background(), Event{Type: StepFailed}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil || err.Error() != "event handler panicked: boom" {
			t.Fatalf("Unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Panic was not reported")
	}
}

func TestEventBus_HandlerTimeout(t *testing.T) {
	errs := make(chan error, 1)
	eb := NewEventBus(
		WithHandlerTimeout(20*time.Millisecond),
		WithErrorHandler(func(event Event, err error) { errs <- err }),
	)
	defer eb.Stop()

	eb.SubscribeFunc(ExecutionFailed, func(ctx context.Context, event Event) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := eb.Publish(context.Background(), Event{Type: ExecutionFailed}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handler was not bounded by the timeout")
	}
}

func TestEvent_Terminal(t *testing.T) {
	for typ, want := range map[string]bool{
		ExecutionStarted:   false,
		StepCompleted:      false,
		StepFailed:         false,
		ExecutionCompleted: true,
		ExecutionFailed:    true,
		ExecutionCancelled: true,
	} {
		if got := (Event{Type: typ}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", typ, got, want)
		}
	}
}

// Helper types and functions

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
