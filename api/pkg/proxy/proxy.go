// Package proxy routes inference traffic onto the worker fleet. It owns
// the request pipeline: per-user serialization, worker selection with
// wake-up and model warm-up, and the actual forwarding of bodies between
// client and worker.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/config"
	"github.com/helixml/surfboard/api/pkg/scheduler"
	"github.com/helixml/surfboard/api/pkg/system"
	"github.com/helixml/surfboard/api/pkg/types"
)

const (
	// inferenceTimeout bounds one full generation round trip.
	inferenceTimeout = 300 * time.Second
	// passthroughTimeout bounds administrative calls like /api/tags.
	passthroughTimeout = 60 * time.Second

	reservationAttempts = 3
	reservationBackoff  = 500 * time.Millisecond
	startingPollEvery   = 2 * time.Second

	// passthroughModel marks placements made without knowing the model,
	// where the body is forwarded unparsed.
	passthroughModel = "unknown"
)

type Proxy struct {
	cfg        config.Scheduler
	registry   *scheduler.Registry
	controller *scheduler.Controller
	locker     *scheduler.UserLocker

	inferenceClient   *http.Client
	passthroughClient *http.Client
}

func New(cfg config.Scheduler, registry *scheduler.Registry, controller *scheduler.Controller, locker *scheduler.UserLocker) *Proxy {
	return &Proxy{
		cfg:               cfg,
		registry:          registry,
		controller:        controller,
		locker:            locker,
		inferenceClient:   &http.Client{Timeout: inferenceTimeout},
		passthroughClient: &http.Client{Timeout: passthroughTimeout},
	}
}

// Generate handles /api/generate: place the model, then forward.
func (p *Proxy) Generate(w http.ResponseWriter, r *http.Request, req *types.OllamaGenerateRequest, user *types.User) error {
	return p.serve(w, r, user, req.Model, types.ContextLength(req.Options), types.Streaming(req.Stream), "/api/generate", req)
}

// Chat handles /api/chat and, via translation, /v1/chat/completions.
func (p *Proxy) Chat(w http.ResponseWriter, r *http.Request, req *types.OllamaChatRequest, user *types.User) error {
	return p.serve(w, r, user, req.Model, types.ContextLength(req.Options), types.Streaming(req.Stream), "/api/chat", req)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, user *types.User, model string, contextLength int, streaming bool, path string, body interface{}) error {
	requestID := system.GenerateRequestID()
	logger := log.With().
		Str("request_id", requestID).
		Str("user", user.Name).
		Str("model", model).
		Logger()

	release, err := p.locker.Acquire(r.Context(), user.Name)
	if err != nil {
		if errors.Is(err, scheduler.ErrUserBusy) {
			return system.NewHTTPError429(fmt.Sprintf(
				"Your previous request is still processing. Please wait for it to complete before sending a new request. (Timeout: %ds)",
				int(p.cfg.UserLockTimeout.Seconds())))
		}
		return err
	}
	defer release()

	worker, err := p.selectAndPrepare(r.Context(), user.Name, model, contextLength, p.cfg.ReservationTTL)
	if err != nil {
		return err
	}

	handle, err := p.registry.StartRequest(worker, user.Name)
	if err != nil {
		logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("worker refused request after reservation")
		return system.NewHTTPError503("No GPUs available. Please try again later.")
	}
	defer handle.Release()

	logger.Info().Str("worker_id", worker.ID).Bool("streaming", streaming).Msg("dispatching inference request")
	return p.forward(r.Context(), w, p.inferenceClient, worker, path, body, streaming)
}

// selectAndPrepare runs placement until it holds a reservation on a
// worker that is up and has the model warm. Losing a reservation race
// retries the whole selection; genuine capacity or startup failures do
// not.
func (p *Proxy) selectAndPrepare(ctx context.Context, userID, model string, contextLength int, ttl time.Duration) (*scheduler.Worker, error) {
	worker, err := retry.DoWithData(func() (*scheduler.Worker, error) {
		decision := p.registry.PlanPlacement(model, p.cfg.StartupTimeout)
		if decision.Worker == nil {
			return nil, retry.Unrecoverable(system.NewHTTPError503("No GPUs available. Please try again later."))
		}
		worker := decision.Worker

		// Another request may have just started this worker; wait for the
		// resume it is riding on instead of kicking off our own.
		if worker.State() == types.WorkerStateStarting {
			if err := p.waitForStartup(ctx, worker); err != nil {
				return nil, retry.Unrecoverable(err)
			}
		}

		if !worker.TryReserve(userID, model, ttl) {
			return nil, fmt.Errorf("worker %s reserved by another request", worker.ID)
		}

		if decision.NeedsResume {
			if err := p.controller.Resume(ctx, worker); err != nil {
				worker.ClearReservation()
				log.Error().Err(err).Str("worker_id", worker.ID).Msg("worker resume failed")
				return nil, retry.Unrecoverable(system.NewHTTPError503("Failed to start GPU"))
			}
		}

		if model != passthroughModel {
			if err := p.controller.EnsureModelLoaded(ctx, worker, model, contextLength); err != nil {
				log.Error().Err(err).Str("worker_id", worker.ID).Str("model", model).Msg("model load failed")
				return nil, retry.Unrecoverable(system.NewHTTPError503(fmt.Sprintf("Failed to load model on node %s: %s", worker.Name, err)))
			}
		}

		return worker, nil
	},
		retry.Context(ctx),
		retry.Attempts(reservationAttempts),
		retry.Delay(reservationBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, placementFailed(err)
	}
	return worker, nil
}

// placementFailed normalizes selection errors for the wire. An error
// that is not already an HTTPError means the retry budget was spent
// losing reservation races, which the caller sees as no capacity.
func placementFailed(err error) error {
	var httpErr *system.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	return system.NewHTTPError503("No GPUs available. Please try again later.")
}

// waitForStartup polls a worker that is mid-resume until it reaches an
// active state or the startup timeout runs out.
func (p *Proxy) waitForStartup(ctx context.Context, worker *scheduler.Worker) error {
	deadline := time.Now().Add(p.cfg.StartupTimeout)
	for {
		if worker.State().Active() {
			return nil
		}
		if time.Now().After(deadline) {
			log.Error().
				Str("worker_id", worker.ID).
				Dur("timeout", p.cfg.StartupTimeout).
				Msg("worker did not become ready")
			return system.NewHTTPError503(fmt.Sprintf("GPU startup timeout after %ds", int(p.cfg.StartupTimeout.Seconds())))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startingPollEvery):
		}
	}
}

// forward sends the request body to the worker and relays the response.
// For streaming responses each upstream chunk is flushed to the client
// as it arrives.
func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, client *http.Client, worker *scheduler.Worker, path string, body interface{}, streaming bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return system.NewHTTPError400(fmt.Sprintf("invalid request body: %s", err))
	}

	url := fmt.Sprintf("http://%s%s", worker.Addr(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return system.NewHTTPError500(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("worker_id", worker.ID).Str("path", path).Msg("inference request failed")
		return system.NewHTTPError500(fmt.Sprintf("Inference request to worker %s failed: %s", worker.Name, err))
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)

	if !streaming {
		if _, err := io.Copy(w, resp.Body); err != nil {
			// Headers and part of the body are already out; nothing
			// useful can be written to the client at this point.
			log.Warn().Err(err).Str("worker_id", worker.ID).Msg("copy of worker response interrupted")
		}
		return nil
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Client went away mid-stream; the deferred release still
				// frees the slot.
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			log.Warn().Err(readErr).Str("worker_id", worker.ID).Msg("stream from worker interrupted")
			return nil
		}
	}
}

// Passthrough forwards any other /api/* call to an available worker. The
// body is not interpreted, so placement runs without a model and the
// shorter fallback reservation is used.
func (p *Proxy) Passthrough(w http.ResponseWriter, r *http.Request, path string, user *types.User) error {
	worker, err := p.selectAndPrepare(r.Context(), user.Name, passthroughModel, 0, p.cfg.FallbackReservationTTL)
	if err != nil {
		return err
	}

	handle, err := p.registry.StartRequest(worker, user.Name)
	if err != nil {
		return system.NewHTTPError503("No GPUs available. Please try again later.")
	}
	defer handle.Release()

	var body io.Reader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = r.Body
	}

	url := fmt.Sprintf("http://%s/api/%s", worker.Addr(), path)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, body)
	if err != nil {
		return system.NewHTTPError500(err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debug().
		Str("worker_id", worker.ID).
		Str("method", r.Method).
		Str("path", path).
		Msg("forwarding passthrough request")

	resp, err := p.passthroughClient.Do(req)
	if err != nil {
		return system.NewHTTPError503(fmt.Sprintf("Request to worker %s failed: %s", worker.Name, err))
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn().Err(err).Str("worker_id", worker.ID).Msg("copy of worker response interrupted")
	}
	return nil
}
