package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds each component check on /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system/stats", s.handleSystemStats)

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", s.handleListAutomations)
			r.Post("/", s.handleCreateAutomation)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAutomation)
				r.Put("/", s.handleUpdateAutomation)
				r.Delete("/", s.handleDeleteAutomation)
				r.Post("/enable", s.handleEnableAutomation)
				r.Post("/disable", s.handleDisableAutomation)
				r.Post("/trigger", s.handleTriggerAutomation)
				r.Get("/executions", s.handleListExecutions)
			})
		})
		r.Get("/executions/{id}", s.handleGetExecution)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
			r.Get("/{id}/state", s.handleGetDeviceState)
			r.Post("/{id}/commands", s.handleDeviceCommand)
		})

		r.Get("/audit", s.handleListAuditLogs)
	})

	wsPath := s.cfg.WebSocket.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	return r
}

// handleHealth reports overall and per-component health. Any failing
// component turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.health))
	status := "ok"
	for name, checker := range s.health {
		if checker == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := checker.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
