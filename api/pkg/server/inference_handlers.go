package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	openai "github.com/sashabaranov/go-openai"

	"github.com/helixml/surfboard/api/pkg/proxy"
	"github.com/helixml/surfboard/api/pkg/types"
)

func (s *Server) ollamaGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.OllamaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		writeErrResponse(w, "model is required", http.StatusBadRequest)
		return
	}

	if err := s.proxy.Generate(w, r, &req, getRequestUser(r)); err != nil {
		writeError(w, err)
	}
}

func (s *Server) ollamaChat(w http.ResponseWriter, r *http.Request) {
	var req types.OllamaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		writeErrResponse(w, "model is required", http.StatusBadRequest)
		return
	}

	if err := s.proxy.Chat(w, r, &req, getRequestUser(r)); err != nil {
		writeError(w, err)
	}
}

// openaiChatCompletions accepts the OpenAI chat surface and serves it
// through the Ollama chat path.
func (s *Server) openaiChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		writeErrResponse(w, "model is required", http.StatusBadRequest)
		return
	}

	ollamaReq := proxy.TranslateChatCompletion(&req)
	if err := s.proxy.Chat(w, r, ollamaReq, getRequestUser(r)); err != nil {
		writeError(w, err)
	}
}

func (s *Server) ollamaPassthrough(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if err := s.proxy.Passthrough(w, r, path, getRequestUser(r)); err != nil {
		writeError(w, err)
	}
}
