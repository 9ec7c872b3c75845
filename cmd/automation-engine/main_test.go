package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunSampleWorkflow(t *testing.T) {
	out, err := execute(t, "run", "--data", `{"text":"deploy finished without errors"}`)
	require.NoError(t, err, out)

	var exec types.WorkflowExecution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	require.Len(t, exec.Steps, 3)
	assert.Equal(t, "send_gmail", exec.Steps[2].StepID)
	assert.Equal(t, true, exec.Data["sent"])
}

func TestRunDefinitionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: broken mail
owner_id: user_1
is_active: true
steps:
  - id: start
    type: trigger
    next_steps: [mail]
  - id: mail
    type: action
    action:
      service: gmail
      action_id: send_email
`), 0o600))

	out, err := execute(t, "run", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, "missing recipient")
}

func TestSampleCommand(t *testing.T) {
	out, err := execute(t, "sample", "--owner", "ada")
	require.NoError(t, err)
	assert.Contains(t, out, "owner_id: ada")
	assert.Contains(t, out, "service: gmail")
}

func TestTriggerNeedsRedis(t *testing.T) {
	_, err := execute(t, "trigger", "-w", "wf_1")
	assert.ErrorIs(t, err, errNeedsRedis)
}
