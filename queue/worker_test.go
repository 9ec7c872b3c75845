package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type testTask struct {
	ID int
}

// fakeTaskWorker hands out a fixed list of tasks and records how they were
// settled.
type fakeTaskWorker struct {
	mu      sync.Mutex
	tasks   []*testTask
	getErr  error
	execute func(ctx context.Context, t *testTask) error

	extends   atomic.Int32
	running   atomic.Int32
	maxActive atomic.Int32

	completed map[int]error
	done      chan struct{}
	want      int
}

func newFakeTaskWorker(n int) *fakeTaskWorker {
	tw := &fakeTaskWorker{completed: make(map[int]error), done: make(chan struct{}), want: n}
	for i := 0; i < n; i++ {
		tw.tasks = append(tw.tasks, &testTask{ID: i})
	}
	return tw
}

func (tw *fakeTaskWorker) Get(ctx context.Context) (*testTask, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.getErr != nil {
		return nil, tw.getErr
	}
	if len(tw.tasks) == 0 {
		return nil, nil
	}
	t := tw.tasks[0]
	tw.tasks = tw.tasks[1:]
	return t, nil
}

func (tw *fakeTaskWorker) Extend(ctx context.Context, t *testTask) error {
	tw.extends.Add(1)
	return nil
}

func (tw *fakeTaskWorker) Execute(ctx context.Context, t *testTask) error {
	n := tw.running.Add(1)
	defer tw.running.Add(-1)
	for {
		m := tw.maxActive.Load()
		if n <= m || tw.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if tw.execute != nil {
		return tw.execute(ctx, t)
	}
	return nil
}

func (tw *fakeTaskWorker) Complete(ctx context.Context, t *testTask, err error) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.completed[t.ID] = err
	if len(tw.completed) == tw.want {
		close(tw.done)
	}
	return nil
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}
}

func TestWorkerProcessesAllTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	tw := newFakeTaskWorker(10)
	tw.execute = func(_ context.Context, task *testTask) error {
		if task.ID%2 == 1 {
			return errors.New("odd")
		}
		return nil
	}
	w := NewWorker[testTask](tw, nil, WorkerOptions{Pollers: 2, MaxParallelTasks: 3, PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	waitDone(t, tw.done)
	cancel()
	w.WaitForCompletion()

	tw.mu.Lock()
	defer tw.mu.Unlock()
	require.Len(t, tw.completed, 10)
	for id, err := range tw.completed {
		if id%2 == 1 {
			assert.EqualError(t, err, "odd")
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestWorkerRespectsMaxParallelTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	tw := newFakeTaskWorker(8)
	tw.execute = func(context.Context, *testTask) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	w := NewWorker[testTask](tw, nil, WorkerOptions{Pollers: 4, MaxParallelTasks: 2, PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	waitDone(t, tw.done)
	cancel()
	w.WaitForCompletion()

	assert.LessOrEqual(t, tw.maxActive.Load(), int32(2))
}

func TestWorkerHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	tw := newFakeTaskWorker(1)
	tw.execute = func(context.Context, *testTask) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}
	w := NewWorker[testTask](tw, nil, WorkerOptions{
		Pollers:           1,
		HeartbeatInterval: 10 * time.Millisecond,
		PollingInterval:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	waitDone(t, tw.done)
	cancel()
	w.WaitForCompletion()

	assert.Greater(t, tw.extends.Load(), int32(0))
}

func TestWorkerFinishesRunningTasksOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	var finished atomic.Bool
	tw := newFakeTaskWorker(1)
	tw.execute = func(ctx context.Context, _ *testTask) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	}
	w := NewWorker[testTask](tw, nil, WorkerOptions{Pollers: 1, PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	<-started
	cancel()
	w.WaitForCompletion()

	assert.True(t, finished.Load(), "task context must outlive the poll context")
	waitDone(t, tw.done)
}

func TestWorkerKeepsPollingAfterErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	tw := newFakeTaskWorker(1)
	tw.getErr = errors.New("broker down")
	w := NewWorker[testTask](tw, nil, WorkerOptions{Pollers: 1, PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	tw.mu.Lock()
	tw.getErr = nil
	tw.mu.Unlock()

	waitDone(t, tw.done)
	cancel()
	w.WaitForCompletion()
}
