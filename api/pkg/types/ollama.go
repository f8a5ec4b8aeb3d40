package types

import "encoding/json"

// Ollama wire types. The gateway never interprets generation output; it
// only needs the fields that drive routing (model, stream, options) and
// otherwise forwards bodies verbatim.

type OllamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type OllamaGenerateRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt"`
	Suffix    string                 `json:"suffix,omitempty"`
	Images    []string               `json:"images,omitempty"`
	Format    json.RawMessage        `json:"format,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	System    string                 `json:"system,omitempty"`
	Template  string                 `json:"template,omitempty"`
	Context   []int                  `json:"context,omitempty"`
	Stream    *bool                  `json:"stream,omitempty"`
	Raw       bool                   `json:"raw,omitempty"`
	KeepAlive json.RawMessage        `json:"keep_alive,omitempty"`
}

type OllamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []OllamaMessage        `json:"messages"`
	Format    json.RawMessage        `json:"format,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	Stream    *bool                  `json:"stream,omitempty"`
	KeepAlive json.RawMessage        `json:"keep_alive,omitempty"`
}

// Streaming reports the effective stream flag. Ollama defaults to
// streaming when the field is absent.
func Streaming(stream *bool) bool {
	if stream == nil {
		return true
	}
	return *stream
}

// ContextLength extracts options.num_ctx if the client supplied one.
func ContextLength(options map[string]interface{}) int {
	if options == nil {
		return 0
	}
	switch v := options["num_ctx"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
