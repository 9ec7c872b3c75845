package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TaskWorker fetches and processes one kind of task.
type TaskWorker[Task any] interface {
	Get(ctx context.Context) (*Task, error)
	Extend(ctx context.Context, task *Task) error
	Execute(ctx context.Context, task *Task) error
	// Complete settles task after Execute returned err.
	Complete(ctx context.Context, task *Task, err error) error
}

type WorkerOptions struct {
	Pollers int

	MaxParallelTasks int

	HeartbeatInterval time.Duration

	PollingInterval time.Duration

	PollTimeout time.Duration
}

// Worker polls a TaskWorker with a fixed number of pollers and runs tasks
// concurrently up to MaxParallelTasks. A poller only fetches a task once a
// slot is free, so fetched tasks never wait in memory.
type Worker[Task any] struct {
	options WorkerOptions

	tw TaskWorker[Task]

	logger *slog.Logger

	slots chan struct{}

	pollersWg sync.WaitGroup
	tasksWg   sync.WaitGroup
}

func NewWorker[Task any](tw TaskWorker[Task], logger *slog.Logger, options WorkerOptions) *Worker[Task] {
	if options.Pollers <= 0 {
		options.Pollers = 1
	}
	if options.PollingInterval <= 0 {
		options.PollingInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	var slots chan struct{}
	if options.MaxParallelTasks > 0 {
		slots = make(chan struct{}, options.MaxParallelTasks)
	}

	return &Worker[Task]{
		options: options,
		tw:      tw,
		logger:  logger,
		slots:   slots,
	}
}

// Start launches the pollers. They stop when ctx is cancelled; tasks already
// running are allowed to finish.
func (w *Worker[Task]) Start(ctx context.Context) {
	w.pollersWg.Add(w.options.Pollers)

	for i := 0; i < w.options.Pollers; i++ {
		go w.poller(ctx)
	}
}

// WaitForCompletion blocks until all pollers have stopped and all running
// tasks have been settled.
func (w *Worker[Task]) WaitForCompletion() {
	w.pollersWg.Wait()
	w.tasksWg.Wait()
}

func (w *Worker[Task]) reserve(ctx context.Context) error {
	if w.slots == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.slots <- struct{}{}:
		return nil
	}
}

func (w *Worker[Task]) release() {
	if w.slots == nil {
		return
	}

	<-w.slots
}

func (w *Worker[Task]) poller(ctx context.Context) {
	defer w.pollersWg.Done()

	ticker := time.NewTicker(w.options.PollingInterval)
	defer ticker.Stop()

	for {
		if err := w.reserve(ctx); err != nil {
			return
		}

		task, err := w.poll(ctx, w.options.PollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "error polling task", "error", err)
			}
		} else if task != nil {
			w.tasksWg.Add(1)
			go func() {
				defer w.tasksWg.Done()
				defer w.release()

				// Keep running when the poll context is cancelled.
				w.handle(context.WithoutCancel(ctx), task)
			}()
			continue // check for new tasks right away
		}
		w.release()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker[Task]) handle(ctx context.Context, t *Task) {
	stopHeartbeat := func() {}
	if w.options.HeartbeatInterval > 0 {
		heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			w.heartbeatTask(heartbeatCtx, t)
		}()
		stopHeartbeat = func() {
			cancelHeartbeat()
			<-done
		}
	}

	err := w.tw.Execute(ctx, t)

	// No lease renewal may land after the task is settled.
	stopHeartbeat()

	if err := w.tw.Complete(ctx, t, err); err != nil {
		w.logger.ErrorContext(ctx, "could not complete task", "error", err)
	}
}

func (w *Worker[Task]) heartbeatTask(ctx context.Context, task *Task) {
	t := time.NewTicker(w.options.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.tw.Extend(ctx, task); err != nil {
				w.logger.ErrorContext(ctx, "could not heartbeat task", "error", err)
			}
		}
	}
}

func (w *Worker[Task]) poll(ctx context.Context, timeout time.Duration) (*Task, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, err := w.tw.Get(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}

		return nil, err
	}

	return task, nil
}
