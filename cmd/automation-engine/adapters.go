package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/songzhibin97/automation-engine/adapter"
)

// demoAdapters registers in-process stand-ins for the Slack and Gmail
// services used by the sample workflow. They log instead of calling out.
func demoAdapters(logger *slog.Logger) *adapter.Registry {
	slack := adapter.NewFuncAdapter("slack").
		OnTrigger("new_message", func(_ context.Context, config map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"channel": config["channel"]}, nil
		}).
		OnAction("post_message", func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
			logger.InfoContext(ctx, "slack message posted", "channel", config["channel"])
			return map[string]interface{}{"posted": true}, nil
		})

	gmail := adapter.NewFuncAdapter("gmail").
		OnAction("send_email", func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
			to, _ := config["to"].(string)
			if to == "" {
				return nil, fmt.Errorf("send_email: missing recipient")
			}
			logger.InfoContext(ctx, "email sent", "to", to, "subject", config["subject"], "summary", input["summary"])
			return map[string]interface{}{"messageId": uuid.NewString(), "sent": true}, nil
		})

	return adapter.NewRegistry(slack, gmail)
}
