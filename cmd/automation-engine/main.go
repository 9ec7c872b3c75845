package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/automation-engine/config"
	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/queue"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "automation-engine",
		Short:        "Run automation workflows and their queue workers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")

	load := func() (*config.Config, error) {
		return config.Load(cfgPath)
	}
	root.AddCommand(
		newWorkerCmd(load),
		newRunCmd(load),
		newTriggerCmd(load),
		newStatsCmd(load),
		newSampleCmd(),
	)
	return root
}

// stack is the engine wired to its storage, queue and observability.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	bus      *events.EventBus
	engine   *workflow.WorkflowEngine
	service  *queue.Service

	redis *redis.Client
	tp    *sdktrace.TracerProvider
}

func newStack(cfg *config.Config, logOut io.Writer) (*stack, error) {
	s := &stack{
		cfg:      cfg,
		logger:   cfg.NewLogger(logOut),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.bus = events.NewEventBus(events.WithLogger(s.logger))

	var tracer trace.Tracer
	if cfg.Tracing.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(logOut))
		if err != nil {
			return nil, fmt.Errorf("could not create trace exporter: %w", err)
		}
		s.tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		tracer = s.tp.Tracer("automation-engine")
	}

	var (
		store  storage.Storage
		broker queue.Broker
	)
	switch cfg.Storage.Driver {
	case "redis":
		client, err := storage.NewRedisClient(cfg.RedisOptions())
		if err != nil {
			s.close(context.Background())
			return nil, err
		}
		s.redis = client
		store = storage.NewRedisStorageWithClient(client)
		broker = queue.NewRedisBroker(client, queue.RedisOptions{
			LeaseTimeout: cfg.Queue.LeaseTimeout,
			MaxPending:   cfg.Queue.MaxPending,
		})
	default:
		store = storage.NewMemoryStorage()
		broker = queue.NewMemoryBroker(int(cfg.Queue.MaxPending))
	}

	opts := []workflow.Option{
		workflow.WithLogger(s.logger),
		workflow.WithEventBus(s.bus),
		workflow.WithAdapters(demoAdapters(s.logger)),
		workflow.WithMetrics(workflow.NewMetrics(s.registry)),
		workflow.WithDefaultStepTimeout(cfg.Executor.DefaultStepTimeout),
		workflow.WithDefaultStepRetry(cfg.Executor.StepRetry),
		workflow.WithDefinitionCacheTTL(cfg.Engine.DefinitionCacheTTL),
	}
	if tracer != nil {
		opts = append(opts, workflow.WithTracer(tracer))
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), uint16(cfg.Engine.MachineID))
	engine, err := workflow.NewWorkflowEngine(snowflake, store, opts...)
	if err != nil {
		s.close(context.Background())
		return nil, err
	}
	s.engine = engine

	svc, err := queue.NewService(broker, engine, engine.Executor(), queue.Options{
		IntakeWorkers:     cfg.Queue.IntakeWorkers,
		ExecutionWorkers:  cfg.Queue.ExecutionWorkers,
		MaxParallelTasks:  cfg.Queue.MaxParallelTasks,
		HeartbeatInterval: cfg.Queue.LeaseTimeout / 3,
		PollingInterval:   cfg.Queue.PollInterval,
		PollTimeout:       cfg.Queue.BlockTimeout,
		RecoverInterval:   cfg.Queue.LeaseTimeout,
		Retry: map[string]types.RetryPolicy{
			queue.JobTypeTriggerIntake: cfg.Queue.Retry.Intake,
			queue.JobTypeExecution:     cfg.Queue.Retry.Execution,
		},
		Logger:  s.logger,
		Tracer:  tracer,
		Metrics: queue.NewMetrics(s.registry),
	})
	if err != nil {
		s.close(context.Background())
		return nil, err
	}
	s.service = svc
	engine.SetDispatcher(svc)
	return s, nil
}

// close stops the queue workers, waits for executions and releases
// connections. Every step runs even when an earlier one fails.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.service != nil {
		errs = append(errs, s.service.Stop(ctx))
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Stop(ctx))
	}
	if s.bus != nil {
		s.bus.Stop()
	}
	if s.tp != nil {
		errs = append(errs, s.tp.Shutdown(ctx))
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}
