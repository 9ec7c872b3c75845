package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when a queue has reached its
	// pending limit.
	ErrQueueFull = errors.New("queue is full")
	// ErrPermanent marks a job failure that must not be retried.
	ErrPermanent = errors.New("permanent job failure")
	// ErrWorkerLost is the failure recorded on an execution that was still
	// running when its job was delivered again, meaning the worker that
	// started it stopped renewing its lease.
	ErrWorkerLost = errors.New("worker lost")
)

// Job is one unit of work on a queue.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Stats counts the jobs of one queue by state.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

// Broker stores jobs and hands them out FIFO per queue with at-least-once
// delivery: a dequeued job stays in the processing state until it is
// completed, rescheduled or dead-lettered.
type Broker interface {
	// Enqueue appends job to queue.
	Enqueue(ctx context.Context, queue string, job Job) error

	// Dequeue moves the oldest ready job to processing. It waits up to
	// timeout and returns nil, nil when no job became ready.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error)

	// Extend renews the processing lease of job.
	Extend(ctx context.Context, queue string, job *Job) error

	// Complete acknowledges job and forgets it.
	Complete(ctx context.Context, queue string, job *Job) error

	// Retry makes job ready again after delay.
	Retry(ctx context.Context, queue string, job *Job, delay time.Duration) error

	// DeadLetter parks job on the queue's dead-letter list.
	DeadLetter(ctx context.Context, queue string, job *Job) error

	// Stats reports the queue's job counts.
	Stats(ctx context.Context, queue string) (Stats, error)
}

// Recoverer is implemented by brokers whose processing leases can expire.
// Recover returns the ids of jobs that were made ready again.
type Recoverer interface {
	Recover(ctx context.Context, queue string) ([]string, error)
}
