package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/live-stt-client/internal/capture"
	"github.com/lexiqai/live-stt-client/internal/observability"
	"github.com/lexiqai/live-stt-client/internal/session"
)

// newObservabilityMux serves health, readiness and Prometheus metrics for a
// running session
func newObservabilityMux(ctrl *session.Controller, source capture.Source) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler())

	transportCheck := func(ctx context.Context) (bool, error) {
		if ctrl.IsConnected() {
			return true, nil
		}
		return false, fmt.Errorf("channel not open (session %s)", ctrl.Status())
	}

	captureCheck := func(ctx context.Context) (bool, error) {
		availability := source.Availability()
		if !availability.Available {
			return false, errors.New(availability.Reason)
		}
		return true, nil
	}

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"transport": transportCheck,
		"capture":   captureCheck,
	}))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func startObservabilityServer(addr string, ctrl *session.Controller, source capture.Source) *http.Server {
	logger := observability.WithComponent("http")

	server := &http.Server{
		Addr:         addr,
		Handler:      newObservabilityMux(ctrl, source),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Prometheus metrics enabled at /metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The session keeps running without its observability endpoints
			logger.Error().Err(err).Msg("Observability server failed to start")
		}
	}()

	return server
}

func shutdownObservabilityServer(server *http.Server) {
	logger := observability.WithComponent("http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Observability server forced to shutdown")
	}
}
