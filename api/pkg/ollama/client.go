// Package ollama talks to the inference server on a worker. The
// scheduler only needs one operation from it: forcing a model into GPU
// memory before traffic is dispatched.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const warmTimeout = 120 * time.Second

type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: warmTimeout,
		},
	}
}

// WarmModel loads a model on the worker by issuing a minimal,
// non-streaming generate call. Ollama loads the model as a side effect
// of serving it; there is no dedicated load endpoint.
//
// TODO: switch to POSTing /api/generate with an empty prompt once the
// fleet is on an Ollama version that treats it as a pure load request.
func (c *Client) WarmModel(ctx context.Context, addr string, model string, contextLength int) error {
	options := map[string]interface{}{}
	if contextLength > 0 {
		options["num_ctx"] = contextLength
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":   model,
		"prompt":  "test",
		"stream":  false,
		"options": options,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal warm request: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/generate", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create warm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model warm request to %s failed: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model warm on %s returned %d: %s", addr, resp.StatusCode, string(respBody))
	}

	log.Info().
		Str("addr", addr).
		Str("model", model).
		Dur("duration", time.Since(started)).
		Msg("model warmed")
	return nil
}
