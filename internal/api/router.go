package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get(s.wsPath(), s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/audit", s.handleListAuditLogs)
		r.Get("/system", s.handleSystem)

		r.Route("/device/{id}", func(r chi.Router) {
			r.Get("/status", s.handleDeviceStatus)
			r.Get("/telemetry", s.handleDeviceTelemetry)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Post("/on", s.handlePowerOn)
				r.Post("/off", s.handlePowerOff)
				r.Post("/toggle", s.handleToggle)
			})
		})

		r.With(s.authMiddleware).Post("/reload", s.handleReload)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}
