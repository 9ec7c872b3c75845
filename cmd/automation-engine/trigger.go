package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/config"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

var errNeedsRedis = errors.New("this command needs storage.driver=redis to reach running workers")

func newTriggerCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		tj   types.TriggerJob
		data string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Submit an inbound trigger event to the trigger-intake queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "redis" {
				return errNeedsRedis
			}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &tj.TriggerData); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}

			s, err := newStack(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			jobID, err := s.service.EnqueueTrigger(cmd.Context(), tj)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tj.WorkflowID, "workflow", "w", "", "workflow id")
	cmd.Flags().StringVar(&tj.Service, "service", "", "service that raised the event")
	cmd.Flags().StringVar(&tj.TriggerID, "trigger", "", "trigger id within the service")
	cmd.Flags().StringVar(&data, "data", "", "trigger payload as a JSON object")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func newStatsCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "redis" {
				return errNeedsRedis
			}

			s, err := newStack(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			stats, err := s.service.Stats(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newSampleCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Print the sample Slack to Gmail workflow as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := workflow.MarshalDefinition(workflow.SampleWorkflow(owner))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "user_1", "owner id of the workflow")
	return cmd
}
