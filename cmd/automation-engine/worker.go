package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/config"
)

func newWorkerCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		metricsAddr   string
		purgeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the trigger-intake and execution queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			s, err := newStack(cfg, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := s.service.Start(ctx); err != nil {
				return err
			}

			var srv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.logger.Error("metrics server failed", "error", err)
					}
				}()
			}

			if cfg.Engine.ExecutionRetention > 0 && purgeInterval > 0 {
				go purgeLoop(ctx, s, cfg.Engine.ExecutionRetention, purgeInterval)
			}

			s.logger.InfoContext(ctx, "worker running", "storage", cfg.Storage.Driver)
			<-ctx.Done()
			s.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			var errs []error
			if srv != nil {
				errs = append(errs, srv.Shutdown(shutdownCtx))
			}
			errs = append(errs, s.close(shutdownCtx))
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().DurationVar(&purgeInterval, "purge-interval", time.Hour, "how often finished executions past retention are purged")
	return cmd
}

func purgeLoop(ctx context.Context, s *stack, retention, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.engine.PurgeExecutions(ctx, retention); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "could not purge executions", "error", err)
			}
		}
	}
}
