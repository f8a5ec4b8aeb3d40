package proxy

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/helixml/surfboard/api/pkg/types"
)

// TranslateChatCompletion maps an OpenAI chat completion request onto the
// Ollama chat surface. Sampling parameters move into options; max_tokens
// sizes the context window since that is what drives GPU memory here.
func TranslateChatCompletion(req *openai.ChatCompletionRequest) *types.OllamaChatRequest {
	messages := make([]types.OllamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, types.OllamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	options := map[string]interface{}{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP != 0 {
		options["top_p"] = req.TopP
	}
	if req.MaxTokens != 0 {
		options["num_ctx"] = req.MaxTokens
	}
	if len(options) == 0 {
		options = nil
	}

	stream := req.Stream
	return &types.OllamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Options:  options,
		Stream:   &stream,
	}
}
