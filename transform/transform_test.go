package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	p := SummarizeProvider{DefaultMaxLength: 200}
	ctx := context.Background()

	t.Run("truncates with ellipsis", func(t *testing.T) {
		out, err := p.Transform(ctx, map[string]interface{}{"maxLength": 10}, map[string]interface{}{"text": "012345678901234"})
		require.NoError(t, err)
		assert.Equal(t, `{"text":"0`+Ellipsis, out["summary"])
		assert.Len(t, []rune(out["summary"].(string)), 10+len(Ellipsis))
		assert.Equal(t, 26, out["originalLength"])
	})

	t.Run("short payload is untouched", func(t *testing.T) {
		out, err := p.Transform(ctx, map[string]interface{}{"maxLength": 100}, map[string]interface{}{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, out["summary"])
	})

	t.Run("exact length is not truncated", func(t *testing.T) {
		out, err := p.Transform(ctx, map[string]interface{}{"maxLength": 7.0}, map[string]interface{}{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, out["summary"])
	})

	t.Run("default max length", func(t *testing.T) {
		long := make([]byte, 500)
		for i := range long {
			long[i] = 'x'
		}
		out, err := p.Transform(ctx, nil, map[string]interface{}{"text": string(long)})
		require.NoError(t, err)
		assert.Len(t, out["summary"], 200+len(Ellipsis))
	})
}

func TestExtractKeywords(t *testing.T) {
	p := KeywordProvider{Limit: 3, MinLength: 4, StopWords: DefaultStopWords}

	out, err := p.Transform(context.Background(), nil, map[string]interface{}{
		"text": "Deploy deploy DEPLOY server server with this cat alpha",
	})
	require.NoError(t, err)
	// "text" is a key and appears first with count 1; "deploy" and "server" outrank it.
	assert.Equal(t, []interface{}{"deploy", "server", "text"}, out["keywords"])
}

func TestStringifyKeepsHTML(t *testing.T) {
	input := map[string]interface{}{"body": "<deploy> & <server>"}
	assert.Equal(t, `{"body":"<deploy> & <server>"}`, stringify(input))

	sum := SummarizeProvider{DefaultMaxLength: 200}
	out, err := sum.Transform(context.Background(), map[string]interface{}{"maxLength": 15}, input)
	require.NoError(t, err)
	assert.Equal(t, `{"body":"<deplo`+Ellipsis, out["summary"])
	assert.Equal(t, 30, out["originalLength"])

	kw := KeywordProvider{Limit: 10, MinLength: 4}
	out, err = kw.Transform(context.Background(), nil, input)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"body", "deploy", "server"}, out["keywords"])
}

func TestExtractKeywordsDefaultLimit(t *testing.T) {
	p := KeywordProvider{Limit: 10, MinLength: 4}
	words := map[string]interface{}{}
	for _, w := range []string{"aaaa", "bbbb", "cccc", "dddd", "eeee", "ffff", "gggg", "hhhh", "iiii", "jjjj", "kkkk", "llll"} {
		words[w] = 1
	}
	out, err := p.Transform(context.Background(), nil, words)
	require.NoError(t, err)
	assert.Len(t, out["keywords"], 10)
}

func TestClassify(t *testing.T) {
	c := DefaultClassifier()
	ctx := context.Background()

	tests := []struct {
		input map[string]interface{}
		want  string
	}{
		{map[string]interface{}{"text": "This is URGENT"}, "urgent"},
		{map[string]interface{}{"text": "build failed"}, "error"},
		{map[string]interface{}{"text": "job completed"}, "success"},
		{map[string]interface{}{"text": "hello"}, "general"},
		{map[string]interface{}{"text": "important error"}, "urgent"},
	}
	for _, tt := range tests {
		out, err := c.Transform(ctx, nil, tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.want, out["category"])
		assert.Equal(t, 0.85, out["confidence"])
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	for _, name := range []string{Summarize, ExtractKeywords, Classify} {
		_, err := r.Get(name)
		assert.NoError(t, err, name)
	}

	_, err := r.Get("sentiment")
	assert.ErrorIs(t, err, ErrUnknownTransformation)

	r.Register("sentiment", ProviderFunc(func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sentiment": "positive"}, nil
	}))
	p, err := r.Get("sentiment")
	require.NoError(t, err)
	out, err := p.Transform(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "positive", out["sentiment"])
}
