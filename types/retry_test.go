package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{0, 0, false},
		{1, 100 * time.Millisecond, true},
		{2, 200 * time.Millisecond, true},
		{3, 300 * time.Millisecond, true},
		{4, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.Delay(tt.attempt)
		assert.Equal(t, tt.ok, ok, "attempt %d", tt.attempt)
		if tt.ok {
			assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	d, ok := RetryPolicy{}.Delay(1)
	assert.True(t, ok)
	assert.Equal(t, DefaultInitialInterval, d)
}

func TestCloneIsDeep(t *testing.T) {
	wf := WorkflowDefinition{
		ID: "wf_1",
		Steps: []WorkflowStep{{
			ID:        "a",
			Type:      StepTypeAction,
			NextSteps: []string{"b"},
			Action:    &ActionStep{Service: "gmail", ActionID: "send", Config: map[string]interface{}{"to": "x"}},
		}},
	}
	c := wf.Clone()
	c.Steps[0].NextSteps[0] = "z"
	c.Steps[0].Action.Config["to"] = "y"

	assert.Equal(t, "b", wf.Steps[0].NextSteps[0])
	assert.Equal(t, "x", wf.Steps[0].Action.Config["to"])

	data := map[string]interface{}{"nested": map[string]interface{}{"k": []interface{}{1}}}
	cp := CopyData(data)
	cp["nested"].(map[string]interface{})["k"].([]interface{})[0] = 2
	assert.Equal(t, 1, data["nested"].(map[string]interface{})["k"].([]interface{})[0])
}
