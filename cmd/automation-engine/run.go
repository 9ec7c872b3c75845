package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/config"
	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		file    string
		data    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow definition once in-process and print the execution record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// A one-shot run never touches shared infrastructure.
			cfg.Storage.Driver = "memory"

			var wf types.WorkflowDefinition
			if file == "" {
				wf = workflow.SampleWorkflow("cli")
			} else if wf, err = workflow.LoadDefinition(file); err != nil {
				return err
			}

			triggerData := map[string]interface{}{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &triggerData); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}

			s, err := newStack(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			finished := make(chan string, 1)
			s.bus.SubscribeFunc(events.AllEvents, func(_ context.Context, ev events.Event) error {
				if !ev.Terminal() {
					return nil
				}
				select {
				case finished <- ev.ExecutionID:
				default:
				}
				return nil
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := s.service.Start(ctx); err != nil {
				return err
			}

			created, err := s.engine.CreateWorkflow(ctx, wf)
			if err != nil {
				return err
			}
			exec, err := s.engine.ExecuteWorkflow(ctx, created.ID, triggerData)
			if err != nil {
				return err
			}

			select {
			case <-finished:
			case <-ctx.Done():
				return fmt.Errorf("execution %s did not finish: %w", exec.ID, ctx.Err())
			}

			final, err := s.engine.GetExecution(context.Background(), exec.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(final); err != nil {
				return err
			}
			if final.Status != types.ExecutionCompleted {
				return fmt.Errorf("execution %s %s: %s", final.ID, final.Status, final.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML workflow definition; the sample workflow when empty")
	cmd.Flags().StringVar(&data, "data", "", "trigger payload as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the execution")
	return cmd
}
