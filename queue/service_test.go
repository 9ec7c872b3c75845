package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

type sequenceGenerator struct {
	id atomic.Uint64
}

func (g *sequenceGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

func testOptions() Options {
	opts := DefaultOptions
	opts.PollingInterval = 5 * time.Millisecond
	opts.PollTimeout = 50 * time.Millisecond
	opts.HeartbeatInterval = 0
	opts.Retry = map[string]types.RetryPolicy{
		JobTypeTriggerIntake: {MaxAttempts: 2, InitialInterval: 5 * time.Millisecond},
		JobTypeExecution:     {MaxAttempts: 3, InitialInterval: 5 * time.Millisecond},
	}
	return opts
}

// newTestService wires a real engine to a service on a memory broker.
func newTestService(t *testing.T, opts Options) (*Service, *workflow.WorkflowEngine, *MemoryBroker) {
	t.Helper()
	engine, err := workflow.NewWorkflowEngine(&sequenceGenerator{}, storage.NewMemoryStorage())
	require.NoError(t, err)

	broker := NewMemoryBroker(0)
	svc, err := NewService(broker, engine, engine.Executor(), opts)
	require.NoError(t, err)
	engine.SetDispatcher(svc)

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Stop(ctx))
	})
	return svc, engine, broker
}

func createWorkflow(t *testing.T, engine *workflow.WorkflowEngine, wf types.WorkflowDefinition) *types.WorkflowDefinition {
	t.Helper()
	created, err := engine.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)
	return created
}

func simpleWorkflow(triggers ...types.TriggerDeclaration) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		Name:     "queued",
		OwnerID:  "user_1",
		IsActive: true,
		Triggers: triggers,
		Steps: []types.WorkflowStep{
			{ID: "t", Type: types.StepTypeTrigger, NextSteps: []string{"c"}, Trigger: &types.TriggerStep{}},
			{ID: "c", Type: types.StepTypeCondition, Condition: &types.Condition{Field: "status", Operator: "equals", Value: "urgent"}},
		},
	}
}

func waitForStatus(t *testing.T, engine *workflow.WorkflowEngine, id string, want types.ExecutionStatus) *types.WorkflowExecution {
	t.Helper()
	var exec *types.WorkflowExecution
	require.Eventually(t, func() bool {
		var err error
		exec, err = engine.GetExecution(context.Background(), id)
		return err == nil && exec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, want)
	return exec
}

func TestServiceRunsDispatchedExecutions(t *testing.T) {
	_, engine, broker := newTestService(t, testOptions())
	wf := createWorkflow(t, engine, simpleWorkflow())

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, map[string]interface{}{"status": "urgent"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPending, exec.Status)

	final := waitForStatus(t, engine, exec.ID, types.ExecutionCompleted)
	require.Len(t, final.Steps, 2)
	assert.Equal(t, true, final.Data["conditionResult"])

	require.Eventually(t, func() bool {
		st, _ := broker.Stats(context.Background(), JobTypeExecution)
		return st == Stats{}
	}, time.Second, 5*time.Millisecond)
}

func TestServiceTriggerIntake(t *testing.T) {
	svc, engine, _ := newTestService(t, testOptions())
	ctx := context.Background()

	wf := createWorkflow(t, engine, simpleWorkflow(types.TriggerDeclaration{
		ID: "webhook", Service: "slack", TriggerID: "new_message", Filter: `channel == "#general"`,
	}))

	// Filter does not hold.
	_, err := svc.EnqueueTrigger(ctx, types.TriggerJob{WorkflowID: wf.ID, Service: "slack", TriggerData: map[string]interface{}{"channel": "#random"}})
	require.NoError(t, err)
	// Different service.
	_, err = svc.EnqueueTrigger(ctx, types.TriggerJob{WorkflowID: wf.ID, Service: "gmail", TriggerData: map[string]interface{}{"channel": "#general"}})
	require.NoError(t, err)
	// Matches.
	jobID, err := svc.EnqueueTrigger(ctx, types.TriggerJob{
		WorkflowID: wf.ID, Service: "slack", TriggerID: "new_message",
		TriggerData: map[string]interface{}{"channel": "#general", "status": "urgent"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	var execs []types.WorkflowExecution
	require.Eventually(t, func() bool {
		execs, err = engine.ListExecutions(ctx, wf.ID)
		return err == nil && len(execs) == 1 && execs[0].Status == types.ExecutionCompleted
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "#general", execs[0].TriggerData["channel"])

	require.Eventually(t, func() bool {
		stats, err := svc.Stats(ctx)
		return err == nil && stats[JobTypeTriggerIntake] == Stats{}
	}, time.Second, 5*time.Millisecond)

	execs, err = engine.ListExecutions(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "non-matching events must not start executions")
}

func TestServiceTriggerForUnknownWorkflowIsDropped(t *testing.T) {
	svc, _, broker := newTestService(t, testOptions())
	ctx := context.Background()

	_, err := svc.EnqueueTrigger(ctx, types.TriggerJob{WorkflowID: "wf_missing"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := broker.Stats(ctx, JobTypeTriggerIntake)
		return st == Stats{}
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, broker.DeadJobs(JobTypeTriggerIntake), "permanent failures are not retried")
}

func TestServiceEnqueueValidation(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())

	_, err := svc.Enqueue(context.Background(), "webhook", struct{}{})
	assert.Error(t, err)

	_, err = svc.EnqueueTrigger(context.Background(), types.TriggerJob{})
	assert.ErrorIs(t, err, workflow.ErrValidation)
}

func TestServiceBackpressure(t *testing.T) {
	engine, err := workflow.NewWorkflowEngine(&sequenceGenerator{}, storage.NewMemoryStorage())
	require.NoError(t, err)
	svc, err := NewService(NewMemoryBroker(1), engine, engine.Executor(), testOptions())
	require.NoError(t, err)
	engine.SetDispatcher(svc)

	wf := createWorkflow(t, engine, simpleWorkflow())
	ctx := context.Background()

	first, err := engine.ExecuteWorkflow(ctx, wf.ID, nil)
	require.NoError(t, err)

	_, err = engine.ExecuteWorkflow(ctx, wf.ID, nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	execs, err := engine.ListExecutions(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		if e.ID == first.ID {
			assert.Equal(t, types.ExecutionPending, e.Status)
		} else {
			assert.Equal(t, types.ExecutionFailed, e.Status, "rejected execution must not stay pending")
		}
	}
}

// fakeEngine and fakeRunner let tests control job failures.
type fakeEngine struct {
	mu     sync.Mutex
	status types.ExecutionStatus
	failed map[string]string
}

func (f *fakeEngine) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return nil, fmt.Errorf("%w: workflow %s", workflow.ErrNotFound, id)
}

func (f *fakeEngine) ExecuteWorkflow(ctx context.Context, id string, _ map[string]interface{}) (*types.WorkflowExecution, error) {
	return nil, fmt.Errorf("%w: workflow %s", workflow.ErrNotFound, id)
}

func (f *fakeEngine) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.WorkflowExecution{ID: id, Status: f.status}, nil
}

func (f *fakeEngine) FailExecution(ctx context.Context, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = cause.Error()
	return nil
}

func (f *fakeEngine) failure(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.failed[id]
	return msg, ok
}

type fakeRunner struct {
	calls atomic.Int32
	run   func(id string) error
}

func (r *fakeRunner) Run(_ context.Context, id string, _ types.WorkflowDefinition) error {
	r.calls.Add(1)
	return r.run(id)
}

func startFakeService(t *testing.T, engine *fakeEngine, runner *fakeRunner, reg prometheus.Registerer) (*Service, *MemoryBroker, *Metrics) {
	t.Helper()
	broker := NewMemoryBroker(0)
	opts := testOptions()
	opts.Metrics = NewMetrics(reg)
	svc, err := NewService(broker, engine, runner, opts)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Stop(ctx))
	})
	return svc, broker, opts.Metrics
}

func TestServiceRetriesThenDeadLetters(t *testing.T) {
	engine := &fakeEngine{status: types.ExecutionPending, failed: map[string]string{}}
	runner := &fakeRunner{run: func(string) error { return errors.New("store unavailable") }}
	svc, broker, m := startFakeService(t, engine, runner, prometheus.NewRegistry())

	require.NoError(t, svc.DispatchExecution(context.Background(), types.ExecutionJob{ExecutionID: "exec_1"}))

	require.Eventually(t, func() bool {
		return len(broker.DeadJobs(JobTypeExecution)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 3, runner.calls.Load())
	dead := broker.DeadJobs(JobTypeExecution)[0]
	assert.Equal(t, 3, dead.Attempt)
	assert.Equal(t, "store unavailable", dead.LastError)

	require.Eventually(t, func() bool {
		_, ok := engine.failure("exec_1")
		return ok
	}, time.Second, 5*time.Millisecond)
	msg, _ := engine.failure("exec_1")
	assert.Contains(t, msg, "dead-lettered after 3 attempts")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.processed.WithLabelValues(JobTypeExecution, outcomeRetried)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues(JobTypeExecution, outcomeDeadLettered)))
}

func TestServiceFailsRunningExecutionWithoutRetry(t *testing.T) {
	engine := &fakeEngine{status: types.ExecutionRunning, failed: map[string]string{}}
	runner := &fakeRunner{run: func(string) error { return errors.New("lost write") }}
	svc, broker, _ := startFakeService(t, engine, runner, nil)

	require.NoError(t, svc.DispatchExecution(context.Background(), types.ExecutionJob{ExecutionID: "exec_2"}))

	require.Eventually(t, func() bool {
		_, ok := engine.failure("exec_2")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, _ := broker.Stats(context.Background(), JobTypeExecution)
		return st == Stats{}
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, runner.calls.Load())
	msg, _ := engine.failure("exec_2")
	assert.Equal(t, "lost write", msg)
}

func TestServiceRecoversPanickingJobs(t *testing.T) {
	engine := &fakeEngine{status: types.ExecutionRunning, failed: map[string]string{}}
	runner := &fakeRunner{run: func(string) error { panic("nil pointer") }}
	svc, broker, m := startFakeService(t, engine, runner, prometheus.NewRegistry())

	require.NoError(t, svc.DispatchExecution(context.Background(), types.ExecutionJob{ExecutionID: "exec_3"}))

	require.Eventually(t, func() bool {
		st, _ := broker.Stats(context.Background(), JobTypeExecution)
		_, failed := engine.failure("exec_3")
		return failed && st == Stats{}
	}, 5*time.Second, 5*time.Millisecond)

	msg, _ := engine.failure("exec_3")
	assert.Contains(t, msg, "panicked: nil pointer")
	assert.EqualValues(t, 1, runner.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues(JobTypeExecution, outcomeDropped)))
}

func TestServiceRedeliveredExecutions(t *testing.T) {
	tests := []struct {
		status     types.ExecutionStatus
		wantFailed bool
	}{
		{types.ExecutionCompleted, false},
		{types.ExecutionCancelled, false},
		{types.ExecutionFailed, false},
		// The worker that started it is gone; nothing else would ever move it.
		{types.ExecutionRunning, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			engine := &fakeEngine{status: tt.status, failed: map[string]string{}}
			runner := &fakeRunner{run: func(id string) error {
				return fmt.Errorf("%w: execution %s is %s", workflow.ErrInvalidTransition, id, tt.status)
			}}
			svc, broker, _ := startFakeService(t, engine, runner, nil)

			require.NoError(t, svc.DispatchExecution(context.Background(), types.ExecutionJob{ExecutionID: "exec_4"}))

			require.Eventually(t, func() bool {
				st, _ := broker.Stats(context.Background(), JobTypeExecution)
				return runner.calls.Load() == 1 && st == Stats{}
			}, 5*time.Second, 5*time.Millisecond)

			msg, failed := engine.failure("exec_4")
			assert.Equal(t, tt.wantFailed, failed)
			if tt.wantFailed {
				assert.Contains(t, msg, "worker lost")
			}
			assert.Empty(t, broker.DeadJobs(JobTypeExecution))
			assert.Equal(t, int32(1), runner.calls.Load(), "the job must not be retried")
		})
	}
}

func TestServiceFailsExecutionOfLostWorker(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine, err := workflow.NewWorkflowEngine(&sequenceGenerator{}, store)
	require.NoError(t, err)
	svc, err := NewService(NewMemoryBroker(0), engine, engine.Executor(), testOptions())
	require.NoError(t, err)
	engine.SetDispatcher(svc)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Stop(ctx))
	})

	ctx := context.Background()
	wf := createWorkflow(t, engine, simpleWorkflow())
	// Left behind by a worker that moved it to running and died.
	require.NoError(t, store.SaveExecution(ctx, types.WorkflowExecution{
		ID: "exec_lost", WorkflowID: wf.ID, Status: types.ExecutionRunning, StartedAt: time.Now(),
	}))

	require.NoError(t, svc.DispatchExecution(ctx, types.ExecutionJob{ExecutionID: "exec_lost", Workflow: *wf}))

	final := waitForStatus(t, engine, "exec_lost", types.ExecutionFailed)
	assert.Contains(t, final.Error, "worker lost")
	assert.NotNil(t, final.CompletedAt)
}

func TestMatchTrigger(t *testing.T) {
	svc, err := NewService(NewMemoryBroker(0), &fakeEngine{}, &fakeRunner{}, Options{})
	require.NoError(t, err)

	decls := []types.TriggerDeclaration{
		{ID: "a", Service: "slack", TriggerID: "new_message", Filter: `channel == "#general"`},
		{ID: "b", Service: "gmail", TriggerID: "new_email"},
	}

	tests := []struct {
		name    string
		decls   []types.TriggerDeclaration
		job     types.TriggerJob
		want    bool
		wantErr bool
	}{
		{"no declarations accept everything", nil, types.TriggerJob{Service: "x"}, true, false},
		{"filter holds", decls, types.TriggerJob{Service: "slack", TriggerData: map[string]interface{}{"channel": "#general"}}, true, false},
		{"filter fails", decls, types.TriggerJob{Service: "slack", TriggerData: map[string]interface{}{"channel": "#ops"}}, false, false},
		{"declaration without filter", decls, types.TriggerJob{Service: "gmail", TriggerID: "new_email"}, true, false},
		{"trigger id mismatch", decls, types.TriggerJob{Service: "gmail", TriggerID: "label_added"}, false, false},
		{"unnamed event matches any declaration", decls, types.TriggerJob{}, true, false},
		{"broken filter", []types.TriggerDeclaration{{ID: "x", Filter: "channel ==="}}, types.TriggerJob{}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.matchTrigger(types.WorkflowDefinition{Triggers: tt.decls}, tt.job)
			if tt.wantErr {
				assert.ErrorIs(t, err, workflow.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
