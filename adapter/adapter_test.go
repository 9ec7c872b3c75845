package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	slack := NewFuncAdapter("slack")
	gmail := NewFuncAdapter("gmail")
	r := NewRegistry(slack, gmail)

	got, err := r.Resolve("slack")
	require.NoError(t, err)
	assert.Same(t, slack, got)

	_, err = r.Resolve("foo")
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.Equal(t, "UnknownServiceError: foo", err.Error())

	assert.Equal(t, []string{"gmail", "slack"}, r.Services())
}

func TestFuncAdapter(t *testing.T) {
	ctx := context.Background()
	a := NewFuncAdapter("gmail").
		OnAction("send_email", func(_ context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"sent_to": config["to"], "subject": input["subject"]}, nil
		}).
		OnTrigger("new_email", func(_ context.Context, config map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"from": "ada@example.com"}, nil
		})

	out, err := a.ExecuteAction(ctx, "send_email", map[string]interface{}{"to": "bob"}, map[string]interface{}{"subject": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "bob", out["sent_to"])
	assert.Equal(t, "hi", out["subject"])

	_, err = a.ExecuteAction(ctx, "delete_all", nil, nil)
	assert.Error(t, err)

	payload, err := a.ExecuteTrigger(ctx, "new_email", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", payload["from"])

	actions, err := a.GetActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "gmail", actions[0].Service)

	triggers, err := a.GetTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "new_email", triggers[0].ID)

	assert.True(t, a.ValidateConfig(ctx, map[string]interface{}{}))
	assert.False(t, a.ValidateConfig(ctx, nil))
	assert.True(t, a.TestConnection(ctx, map[string]interface{}{}))
}
