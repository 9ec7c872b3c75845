package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type delayedJob struct {
	job *Job
	due time.Time
}

type memQueue struct {
	pending    []*Job
	processing map[string]*Job
	delayed    []delayedJob
	dead       []*Job
}

// MemoryBroker is an in-process Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	maxPending int
	changed    chan struct{}
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a broker. A positive maxPending bounds the number of
// pending and delayed jobs per queue.
func NewMemoryBroker(maxPending int) *MemoryBroker {
	return &MemoryBroker{
		queues:     make(map[string]*memQueue),
		maxPending: maxPending,
		changed:    make(chan struct{}),
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{processing: make(map[string]*Job)}
		b.queues[name] = q
	}
	return q
}

// signal wakes every waiting Dequeue. Callers hold b.mu.
func (b *MemoryBroker) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// promote moves due delayed jobs to the pending list in due order.
func (q *memQueue) promote(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })
	n := 0
	for n < len(q.delayed) && !q.delayed[n].due.After(now) {
		q.pending = append(q.pending, q.delayed[n].job)
		n++
	}
	q.delayed = q.delayed[n:]
}

// Enqueue appends job to queue.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	if b.maxPending > 0 && len(q.pending)+len(q.delayed) >= b.maxPending {
		return fmt.Errorf("%w: %s has %d pending jobs", ErrQueueFull, queue, b.maxPending)
	}
	q.pending = append(q.pending, &job)
	b.signal()
	return nil
}

// Dequeue pops the oldest ready job, waiting up to timeout for one.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		b.mu.Lock()
		q := b.queue(queue)
		q.promote(now)
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.processing[job.ID] = job
			b.mu.Unlock()
			out := *job
			return &out, nil
		}
		wait := deadline.Sub(now)
		if len(q.delayed) > 0 {
			if untilDue := q.delayed[0].due.Sub(now); untilDue < wait {
				wait = untilDue
			}
		}
		changed := b.changed
		b.mu.Unlock()

		if !now.Before(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Extend is a no-op: in-process leases never expire.
func (b *MemoryBroker) Extend(ctx context.Context, queue string, job *Job) error {
	return nil
}

// Complete forgets job.
func (b *MemoryBroker) Complete(ctx context.Context, queue string, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue(queue).processing, job.ID)
	return nil
}

// Retry schedules job to become ready after delay.
func (b *MemoryBroker) Retry(ctx context.Context, queue string, job *Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	delete(q.processing, job.ID)
	j := *job
	q.delayed = append(q.delayed, delayedJob{job: &j, due: time.Now().Add(delay)})
	b.signal()
	return nil
}

// DeadLetter parks job on the dead-letter list.
func (b *MemoryBroker) DeadLetter(ctx context.Context, queue string, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	delete(q.processing, job.ID)
	j := *job
	q.dead = append(q.dead, &j)
	return nil
}

// Stats reports the queue's job counts.
func (b *MemoryBroker) Stats(ctx context.Context, queue string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return Stats{
		Pending:    int64(len(q.pending)),
		Processing: int64(len(q.processing)),
		Delayed:    int64(len(q.delayed)),
		Dead:       int64(len(q.dead)),
	}, nil
}

// DeadJobs returns copies of the dead-lettered jobs of queue.
func (b *MemoryBroker) DeadJobs(queue string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	out := make([]Job, len(q.dead))
	for i, j := range q.dead {
		out[i] = *j
	}
	return out
}
