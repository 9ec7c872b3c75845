package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/songzhibin97/automation-engine/rules"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

// Job types. Each job type is served from the queue of the same name.
const (
	JobTypeTriggerIntake = "trigger-intake"
	JobTypeExecution     = "execution"
)

// Engine is the part of the workflow engine the queue service drives.
type Engine interface {
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)
	ExecuteWorkflow(ctx context.Context, id string, triggerData map[string]interface{}) (*types.WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error)
	FailExecution(ctx context.Context, id string, cause error) error
}

// Runner drives one pending execution to a terminal state.
type Runner interface {
	Run(ctx context.Context, executionID string, wf types.WorkflowDefinition) error
}

type Options struct {
	// IntakeWorkers and ExecutionWorkers are the number of pollers per queue.
	IntakeWorkers    int
	ExecutionWorkers int

	// MaxParallelTasks bounds the jobs in flight per queue. Zero is unbounded.
	MaxParallelTasks int

	HeartbeatInterval time.Duration
	PollingInterval   time.Duration
	PollTimeout       time.Duration

	// RecoverInterval is how often expired leases are reclaimed on brokers
	// that support it.
	RecoverInterval time.Duration

	// Retry holds the retry policy per job type. Job types without an entry
	// use DefaultRetryPolicy.
	Retry map[string]types.RetryPolicy

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *Metrics

	// Evaluator evaluates declared trigger filters.
	Evaluator rules.Evaluator

	// OnDeadLetter is called after a job exhausted its attempts. When nil,
	// dead-lettered execution jobs fail their execution.
	OnDeadLetter func(ctx context.Context, job Job, err error)
}

var DefaultRetryPolicy = types.RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: time.Second,
	MaxInterval:     time.Minute,
	Multiplier:      2,
}

var DefaultOptions = Options{
	IntakeWorkers:     1,
	ExecutionWorkers:  2,
	MaxParallelTasks:  10,
	HeartbeatInterval: 10 * time.Second,
	PollingInterval:   200 * time.Millisecond,
	PollTimeout:       5 * time.Second,
	RecoverInterval:   30 * time.Second,
}

type handlerFunc func(ctx context.Context, job *Job) error

// Service runs the trigger-intake and execution queues. Intake jobs are
// matched against the workflow's declared triggers and turned into
// executions; execution jobs drive the runner. Failed jobs are retried with
// exponential backoff per job type and dead-lettered once attempts run out.
type Service struct {
	broker Broker
	engine Engine
	runner Runner
	opts   Options

	handlers map[string]handlerFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers []*Worker[Job]
	bgWg    sync.WaitGroup
}

var _ workflow.Dispatcher = (*Service)(nil)

func NewService(broker Broker, engine Engine, runner Runner, opts Options) (*Service, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("automation-engine/queue")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = rules.NewExprEvaluator()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultOptions.PollTimeout
	}

	s := &Service{
		broker: broker,
		engine: engine,
		runner: runner,
		opts:   opts,
	}
	if s.opts.OnDeadLetter == nil {
		s.opts.OnDeadLetter = s.failDeadExecution
	}
	s.handlers = map[string]handlerFunc{
		JobTypeTriggerIntake: s.handleTrigger,
		JobTypeExecution:     s.handleExecution,
	}
	return s, nil
}

// Enqueue marshals payload into a new job of jobType and returns its id.
func (s *Service) Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error) {
	if _, ok := s.handlers[jobType]; !ok {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("could not marshal %s payload: %w", jobType, err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}
	if err := s.broker.Enqueue(ctx, jobType, job); err != nil {
		return "", err
	}

	s.opts.Metrics.enqueued.WithLabelValues(jobType).Inc()
	s.opts.Logger.DebugContext(ctx, "enqueued job", workflow.JobIDKey, job.ID, workflow.JobTypeKey, jobType)
	return job.ID, nil
}

// EnqueueTrigger submits an inbound trigger event for workflow
// tj.WorkflowID.
func (s *Service) EnqueueTrigger(ctx context.Context, tj types.TriggerJob) (string, error) {
	if tj.WorkflowID == "" {
		return "", fmt.Errorf("%w: trigger job without workflow id", workflow.ErrValidation)
	}
	if tj.Timestamp.IsZero() {
		tj.Timestamp = time.Now()
	}
	return s.Enqueue(ctx, JobTypeTriggerIntake, tj)
}

// DispatchExecution submits a pending execution to the execution queue.
func (s *Service) DispatchExecution(ctx context.Context, ej types.ExecutionJob) error {
	_, err := s.Enqueue(ctx, JobTypeExecution, ej)
	return err
}

// Start launches the workers of both queues and, when the broker supports
// it, the lease recovery loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("queue service already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	pollers := map[string]int{
		JobTypeTriggerIntake: s.opts.IntakeWorkers,
		JobTypeExecution:     s.opts.ExecutionWorkers,
	}
	for _, queue := range []string{JobTypeTriggerIntake, JobTypeExecution} {
		w := NewWorker[Job](&jobWorker{s: s, queue: queue}, s.opts.Logger, WorkerOptions{
			Pollers:           pollers[queue],
			MaxParallelTasks:  s.opts.MaxParallelTasks,
			HeartbeatInterval: s.opts.HeartbeatInterval,
			PollingInterval:   s.opts.PollingInterval,
			PollTimeout:       s.opts.PollTimeout,
		})
		w.Start(ctx)
		s.workers = append(s.workers, w)
	}

	if r, ok := s.broker.(Recoverer); ok && s.opts.RecoverInterval > 0 {
		s.bgWg.Add(1)
		go func() {
			defer s.bgWg.Done()
			s.recoverLoop(ctx, r)
		}()
	}

	s.opts.Logger.InfoContext(ctx, "queue service started",
		"intake_workers", pollers[JobTypeTriggerIntake],
		"execution_workers", pollers[JobTypeExecution])
	return nil
}

// Stop stops polling and waits for in-flight jobs to be settled or ctx to
// expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	workers := s.workers
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.WaitForCompletion()
		}
		s.bgWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the job counts of both queues keyed by queue name.
func (s *Service) Stats(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats, 2)
	for _, queue := range []string{JobTypeTriggerIntake, JobTypeExecution} {
		st, err := s.broker.Stats(ctx, queue)
		if err != nil {
			return nil, err
		}
		out[queue] = st
	}
	return out, nil
}

func (s *Service) recoverLoop(ctx context.Context, r Recoverer) {
	t := time.NewTicker(s.opts.RecoverInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, queue := range []string{JobTypeTriggerIntake, JobTypeExecution} {
				ids, err := r.Recover(ctx, queue)
				if err != nil {
					if ctx.Err() == nil {
						s.opts.Logger.ErrorContext(ctx, "could not recover jobs", "queue", queue, "error", err)
					}
					continue
				}
				if len(ids) > 0 {
					s.opts.Metrics.recovered.WithLabelValues(queue).Add(float64(len(ids)))
					s.opts.Logger.WarnContext(ctx, "recovered abandoned jobs", "queue", queue, "count", len(ids))
				}
			}
		}
	}
}

// execute runs the handler of job, turning panics into permanent failures.
func (s *Service) execute(ctx context.Context, job *Job) (err error) {
	h, ok := s.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: unknown job type %q", ErrPermanent, job.Type)
	}

	ctx, span := s.opts.Tracer.Start(ctx, "HandleJob", trace.WithAttributes(
		attribute.String(workflow.JobIDKey, job.ID),
		attribute.String(workflow.JobTypeKey, job.Type),
		attribute.Int(workflow.AttemptKey, job.Attempt),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: job %s panicked: %v", ErrPermanent, job.ID, r)
			s.opts.Logger.ErrorContext(ctx, "job handler panicked", workflow.JobIDKey, job.ID,
				"stack", string(goerrors.Wrap(r, 2).Stack()))
			if job.Type == JobTypeExecution {
				s.failExecutionJob(ctx, *job, err)
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return h(ctx, job)
}

// settle acknowledges, reschedules or dead-letters job after a delivery.
func (s *Service) settle(ctx context.Context, queue string, job *Job, err error) error {
	logger := s.opts.Logger.With(workflow.JobIDKey, job.ID, workflow.JobTypeKey, job.Type, workflow.AttemptKey, job.Attempt)
	processed := s.opts.Metrics.processed

	if err == nil {
		processed.WithLabelValues(queue, outcomeCompleted).Inc()
		return s.broker.Complete(ctx, queue, job)
	}

	if errors.Is(err, ErrPermanent) {
		logger.ErrorContext(ctx, "dropping job after permanent failure", "error", err)
		processed.WithLabelValues(queue, outcomeDropped).Inc()
		return s.broker.Complete(ctx, queue, job)
	}

	job.Attempt++
	job.LastError = err.Error()

	if delay, ok := s.retryPolicy(job.Type).Delay(job.Attempt); ok {
		logger.WarnContext(ctx, "job failed, retrying", "error", err, "delay", delay)
		processed.WithLabelValues(queue, outcomeRetried).Inc()
		return s.broker.Retry(ctx, queue, job, delay)
	}

	logger.ErrorContext(ctx, "job exhausted its attempts", "error", err)
	processed.WithLabelValues(queue, outcomeDeadLettered).Inc()
	if derr := s.broker.DeadLetter(ctx, queue, job); derr != nil {
		return derr
	}
	s.opts.OnDeadLetter(ctx, *job, err)
	return nil
}

func (s *Service) retryPolicy(jobType string) types.RetryPolicy {
	if p, ok := s.opts.Retry[jobType]; ok {
		return p
	}
	return DefaultRetryPolicy
}

func (s *Service) failDeadExecution(ctx context.Context, job Job, err error) {
	if job.Type != JobTypeExecution {
		return
	}
	s.failExecutionJob(ctx, job, fmt.Errorf("execution job dead-lettered after %d attempts: %w", job.Attempt, err))
}

// failExecutionJob marks the execution carried by job failed, unless it
// already reached a terminal state.
func (s *Service) failExecutionJob(ctx context.Context, job Job, cause error) {
	var ej types.ExecutionJob
	if err := json.Unmarshal(job.Payload, &ej); err != nil {
		return
	}
	err := s.engine.FailExecution(context.WithoutCancel(ctx), ej.ExecutionID, cause)
	if err != nil && !errors.Is(err, workflow.ErrInvalidTransition) && !errors.Is(err, workflow.ErrNotFound) {
		s.opts.Logger.ErrorContext(ctx, "could not mark execution failed",
			workflow.ExecutionIDKey, ej.ExecutionID, "error", err)
	}
}

func (s *Service) handleTrigger(ctx context.Context, job *Job) error {
	var tj types.TriggerJob
	if err := json.Unmarshal(job.Payload, &tj); err != nil {
		return fmt.Errorf("%w: decoding trigger job: %v", ErrPermanent, err)
	}

	wf, err := s.engine.GetWorkflow(ctx, tj.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return err
	}
	if !wf.IsActive {
		return fmt.Errorf("%w: %w: %s", ErrPermanent, workflow.ErrInactiveWorkflow, wf.ID)
	}

	matched, err := s.matchTrigger(*wf, tj)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if !matched {
		s.opts.Logger.InfoContext(ctx, "trigger event matched no declared trigger",
			workflow.WorkflowIDKey, wf.ID, workflow.JobIDKey, job.ID)
		return nil
	}

	exec, err := s.engine.ExecuteWorkflow(ctx, wf.ID, tj.TriggerData)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) || errors.Is(err, workflow.ErrInactiveWorkflow) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return err
	}

	s.opts.Logger.DebugContext(ctx, "trigger accepted",
		workflow.WorkflowIDKey, wf.ID, workflow.ExecutionIDKey, exec.ID, workflow.JobIDKey, job.ID)
	return nil
}

// matchTrigger reports whether tj fires wf. A workflow without declared
// triggers accepts every event. Otherwise some declaration must agree on
// the service and trigger id the event names and its filter, if any, must
// hold on the trigger data.
func (s *Service) matchTrigger(wf types.WorkflowDefinition, tj types.TriggerJob) (bool, error) {
	if len(wf.Triggers) == 0 {
		return true, nil
	}

	var firstErr error
	for _, decl := range wf.Triggers {
		if tj.Service != "" && decl.Service != tj.Service {
			continue
		}
		if tj.TriggerID != "" && decl.TriggerID != tj.TriggerID {
			continue
		}
		if decl.Filter == "" {
			return true, nil
		}
		ok, err := s.opts.Evaluator.Evaluate(decl.Filter, tj.TriggerData)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: trigger %s filter: %v", workflow.ErrValidation, decl.ID, err)
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

func (s *Service) handleExecution(ctx context.Context, job *Job) error {
	var ej types.ExecutionJob
	if err := json.Unmarshal(job.Payload, &ej); err != nil {
		return fmt.Errorf("%w: decoding execution job: %v", ErrPermanent, err)
	}

	err := s.runner.Run(ctx, ej.ExecutionID, ej.Workflow)
	if err == nil {
		return nil
	}
	if errors.Is(err, workflow.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if errors.Is(err, workflow.ErrInvalidTransition) {
		return s.abandoned(ctx, ej.ExecutionID, err)
	}

	// A run that got past pending can not be restarted; fail it instead of
	// leaving it running.
	exec, gerr := s.engine.GetExecution(ctx, ej.ExecutionID)
	if gerr != nil {
		return err
	}
	switch {
	case exec.Status == types.ExecutionPending:
		return err
	case exec.Status.IsTerminal():
		return nil
	default:
		if ferr := s.engine.FailExecution(context.WithoutCancel(ctx), exec.ID, err); ferr != nil &&
			!errors.Is(ferr, workflow.ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
}

// abandoned settles a delivery whose execution had already left pending.
// A job is only delivered again once the previous holder stopped renewing
// its lease, so an execution still running belongs to a lost worker and is
// failed. Terminal executions need nothing.
func (s *Service) abandoned(ctx context.Context, executionID string, runErr error) error {
	exec, err := s.engine.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrPermanent, runErr)
		}
		return err
	}
	switch exec.Status {
	case types.ExecutionPending:
		return runErr
	case types.ExecutionRunning:
	default:
		return fmt.Errorf("%w: %v", ErrPermanent, runErr)
	}

	cause := fmt.Errorf("%w: execution %s was still running when its job was redelivered", ErrWorkerLost, executionID)
	if err := s.engine.FailExecution(context.WithoutCancel(ctx), executionID, cause); err != nil &&
		!errors.Is(err, workflow.ErrInvalidTransition) {
		return err
	}
	s.opts.Logger.WarnContext(ctx, "failed execution abandoned by a lost worker", workflow.ExecutionIDKey, executionID)
	return fmt.Errorf("%w: %v", ErrPermanent, cause)
}

// jobWorker adapts one queue of the service to the generic worker.
type jobWorker struct {
	s     *Service
	queue string
}

var _ TaskWorker[Job] = (*jobWorker)(nil)

func (w *jobWorker) Get(ctx context.Context) (*Job, error) {
	timeout := w.s.opts.PollTimeout
	if deadline, ok := ctx.Deadline(); ok {
		// Leave room for a blocking broker call to return before ctx expires.
		timeout = time.Until(deadline) - 500*time.Millisecond
	}
	if timeout < 0 {
		timeout = 0
	}
	return w.s.broker.Dequeue(ctx, w.queue, timeout)
}

func (w *jobWorker) Extend(ctx context.Context, job *Job) error {
	return w.s.broker.Extend(ctx, w.queue, job)
}

func (w *jobWorker) Execute(ctx context.Context, job *Job) error {
	start := time.Now()
	defer func() {
		w.s.opts.Metrics.jobDuration.WithLabelValues(w.queue).Observe(time.Since(start).Seconds())
	}()
	return w.s.execute(ctx, job)
}

func (w *jobWorker) Complete(ctx context.Context, job *Job, err error) error {
	return w.s.settle(ctx, w.queue, job, err)
}
