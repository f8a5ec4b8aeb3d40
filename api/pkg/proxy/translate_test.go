package proxy

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/surfboard/api/pkg/types"
)

func TestTranslateChatCompletion(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model: "llama3:8b",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "hello"},
		},
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   4096,
		Stream:      true,
	}

	out := TranslateChatCompletion(req)

	assert.Equal(t, "llama3:8b", out.Model)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "You are a helpful assistant.", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)

	require.NotNil(t, out.Options)
	assert.InDelta(t, 0.7, out.Options["temperature"], 0.001)
	assert.InDelta(t, 0.9, out.Options["top_p"], 0.001)
	assert.Equal(t, 4096, out.Options["num_ctx"])

	assert.True(t, types.Streaming(out.Stream))
	assert.Equal(t, 4096, types.ContextLength(out.Options))
}

func TestTranslateChatCompletionMinimal(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model: "llama3:8b",
		Messages: []openai.ChatCompletionMessage{
			{Role: "user", Content: "hello"},
		},
	}

	out := TranslateChatCompletion(req)

	assert.Nil(t, out.Options)
	require.NotNil(t, out.Stream)
	assert.False(t, *out.Stream)
	assert.Equal(t, 0, types.ContextLength(out.Options))
}
