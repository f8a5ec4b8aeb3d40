// Package server is the HTTP surface of the gateway: the operator
// endpoints for fleet visibility and control, and the inference routes
// that hand off to the proxy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/auth"
	"github.com/helixml/surfboard/api/pkg/cloud"
	"github.com/helixml/surfboard/api/pkg/config"
	"github.com/helixml/surfboard/api/pkg/proxy"
	"github.com/helixml/surfboard/api/pkg/scheduler"
	"github.com/helixml/surfboard/api/pkg/system"
)

type Server struct {
	cfg        config.ServerConfig
	registry   *scheduler.Registry
	controller *scheduler.Controller
	proxy      *proxy.Proxy
	cloud      cloud.API
	keyStore   *auth.KeyStore

	authMiddleware *authMiddleware
	router         *mux.Router
}

func NewServer(
	cfg config.ServerConfig,
	registry *scheduler.Registry,
	controller *scheduler.Controller,
	inferenceProxy *proxy.Proxy,
	cloudAPI cloud.API,
	keyStore *auth.KeyStore,
) (*Server, error) {
	if cfg.WebServer.Host == "" {
		return nil, fmt.Errorf("server host is required")
	}
	if cfg.WebServer.Port == 0 {
		return nil, fmt.Errorf("server port is required")
	}

	s := &Server{
		cfg:            cfg,
		registry:       registry,
		controller:     controller,
		proxy:          inferenceProxy,
		cloud:          cloudAPI,
		keyStore:       keyStore,
		authMiddleware: newAuthMiddleware(keyStore),
	}
	s.router = s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	withAuth := s.authMiddleware.auth

	router.HandleFunc("/gpu/discover", withAuth(s.discoverGPUs)).Methods(http.MethodGet)
	router.HandleFunc("/gpu/stats", withAuth(s.getGPUStats)).Methods(http.MethodGet)
	router.HandleFunc("/gpu/{id}/status", withAuth(s.getGPUStatus)).Methods(http.MethodGet)
	router.HandleFunc("/gpu/{id}/resume", withAuth(s.resumeGPU)).Methods(http.MethodPost)
	router.HandleFunc("/gpu/{id}/pause", withAuth(s.pauseGPU)).Methods(http.MethodPost)

	router.HandleFunc("/api/generate", withAuth(s.ollamaGenerate)).Methods(http.MethodPost)
	router.HandleFunc("/api/chat", withAuth(s.ollamaChat)).Methods(http.MethodPost)
	router.HandleFunc("/v1/chat/completions", withAuth(s.openaiChatCompletions)).Methods(http.MethodPost)

	// Everything else under /api/ goes straight to a worker.
	router.HandleFunc("/api/{path:.*}", withAuth(s.ollamaPassthrough)).
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)

	return router
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port),
		// No write or read timeouts: inference streaming can run for
		// minutes. ReadHeaderTimeout is kept to prevent slowloris attacks.
		WriteTimeout:      0,
		ReadTimeout:       0,
		ReadHeaderTimeout: time.Second * 60,
		IdleTimeout:       time.Minute * 60,
		Handler:           s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("starting API server")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, map[string]string{
		"status":  "healthy",
		"service": "llm-gpu-controller",
	}, http.StatusOK)
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Err(err).Msg("error writing response")
	}
}

func writeErrResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(&detailResponse{Detail: message})
}

// writeError maps a pipeline error onto the wire. Anything that is not
// an HTTPError is an internal failure.
func writeError(w http.ResponseWriter, err error) {
	var httpErr *system.HTTPError
	if errors.As(err, &httpErr) {
		writeErrResponse(w, httpErr.Message, httpErr.StatusCode)
		return
	}
	log.Error().Err(err).Msg("request failed")
	writeErrResponse(w, fmt.Sprintf("Internal server error: %s", err), http.StatusInternalServerError)
}
