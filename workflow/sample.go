package workflow

import (
	"github.com/songzhibin97/automation-engine/transform"
	"github.com/songzhibin97/automation-engine/types"
)

// SampleWorkflow returns an active Slack to Gmail notification workflow:
// a new Slack message is summarized and mailed to an administrator.
func SampleWorkflow(ownerID string) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		Name:        "Slack to Gmail Notification",
		Description: "Send a Gmail notification when a new message is posted in Slack",
		OwnerID:     ownerID,
		Steps: []types.WorkflowStep{
			{
				ID:        "trigger_slack_message",
				Type:      types.StepTypeTrigger,
				Name:      "New Slack Message",
				NextSteps: []string{"transform_message"},
				Trigger: &types.TriggerStep{
					Service:   "slack",
					TriggerID: "new_message",
					Config:    map[string]interface{}{"channel": "#general"},
				},
			},
			{
				ID:        "transform_message",
				Type:      types.StepTypeTransform,
				Name:      "Transform Message",
				NextSteps: []string{"send_gmail"},
				Transform: &types.TransformStep{
					Transformation: transform.Summarize,
					Params:         map[string]interface{}{"maxLength": 200},
				},
			},
			{
				ID:   "send_gmail",
				Type: types.StepTypeAction,
				Name: "Send Gmail Notification",
				Action: &types.ActionStep{
					Service:  "gmail",
					ActionID: "send_email",
					Config: map[string]interface{}{
						"to":      "admin@company.com",
						"subject": "New Slack Message: {{channel}}",
					},
				},
			},
		},
		Triggers: []types.TriggerDeclaration{
			{
				ID:        "slack_webhook",
				Service:   "slack",
				TriggerID: "new_message",
				Config:    map[string]interface{}{"channel": "#general"},
				Filter:    `channel == "#general"`,
			},
		},
		IsActive: true,
	}
}
