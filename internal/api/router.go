// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP surface from the handler groups.
type Router struct {
	middleware *Middleware

	issues    *IssueHandlers
	rules     *RuleHandlers
	channels  *ChannelHandlers
	tasks     *TaskHandlers
	detectors *DetectorHandlers
	health    *HealthHandlers

	// wsHandler serves the live feed upgrade. Optional.
	wsHandler http.HandlerFunc
}

// NewRouter creates a router from its handler groups.
func NewRouter(
	mw *Middleware,
	issues *IssueHandlers,
	rules *RuleHandlers,
	channels *ChannelHandlers,
	tasks *TaskHandlers,
	detectors *DetectorHandlers,
	health *HealthHandlers,
	wsHandler http.HandlerFunc,
) *Router {
	return &Router{
		middleware: mw,
		issues:     issues,
		rules:      rules,
		channels:   channels,
		tasks:      tasks,
		detectors:  detectors,
		health:     health,
		wsHandler:  wsHandler,
	}
}

// chiPathValue bridges Chi URL params to r.PathValue().
func chiPathValue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		if rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				if i < len(rctx.URLParams.Values) {
					r.SetPathValue(key, rctx.URLParams.Values[i])
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Setup configures all HTTP routes.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.middleware.CORS())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(SecurityHeaders())
		r.Get("/", rt.health.Health)
		r.Get("/live", rt.health.Live)
		r.Get("/ready", rt.health.Ready)
	})

	r.Route("/api/v1/issues", func(r chi.Router) {
		r.Use(rt.middleware.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(chiPathValue)
		r.Use(PrometheusMetrics("/api/v1/issues"))

		r.Get("/", rt.issues.List)
		r.Get("/{id}", rt.issues.Get)

		r.Group(func(r chi.Router) {
			r.Use(rt.middleware.RateLimitWrite())
			r.Post("/{id}/viewed", rt.issues.MarkViewed)
			r.Delete("/{id}/viewed", rt.issues.UnmarkViewed)
			r.Post("/{id}/ignore", rt.issues.Ignore)
			r.Post("/{id}/resolve", rt.issues.Resolve)
			r.Post("/{id}/ignore-rule", rt.issues.CreateIgnoreRule)
		})
	})

	r.Route("/api/v1/ignore-rules", func(r chi.Router) {
		r.Use(rt.middleware.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(chiPathValue)
		r.Use(PrometheusMetrics("/api/v1/ignore-rules"))

		r.Get("/", rt.rules.List)
		r.Get("/{id}", rt.rules.Get)

		r.Group(func(r chi.Router) {
			r.Use(rt.middleware.RateLimitWrite())
			r.Post("/", rt.rules.Create)
			r.Post("/{id}/active", rt.rules.SetActive)
			r.Delete("/{id}", rt.rules.Delete)
		})
	})

	r.Route("/api/v1/channels", func(r chi.Router) {
		r.Use(rt.middleware.RateLimitWrite())
		r.Use(SecurityHeaders())
		r.Use(chiPathValue)
		r.Use(PrometheusMetrics("/api/v1/channels"))

		r.Get("/", rt.channels.List)
		r.Put("/{name}", rt.channels.Configure)
		r.Post("/{name}/test", rt.channels.Test)
	})

	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Use(rt.middleware.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(chiPathValue)
		r.Use(PrometheusMetrics("/api/v1/tasks"))

		r.Get("/", rt.tasks.List)
		r.Get("/stats", rt.tasks.Stats)
		r.Get("/{id}", rt.tasks.Get)
		r.With(rt.middleware.RateLimitWrite()).Post("/{id}/retry", rt.tasks.Retry)
	})

	r.Route("/api/v1/detectors", func(r chi.Router) {
		r.Use(rt.middleware.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(chiPathValue)
		r.Use(PrometheusMetrics("/api/v1/detectors"))

		r.Get("/", rt.detectors.List)
		r.Group(func(r chi.Router) {
			r.Use(rt.middleware.RateLimitWrite())
			r.Put("/{name}", rt.detectors.Configure)
			r.Post("/{name}/enable", rt.detectors.SetEnabled)
		})
	})

	r.Route("/api/v1/detection", func(r chi.Router) {
		r.Use(rt.middleware.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(PrometheusMetrics("/api/v1/detection"))

		r.Get("/status", rt.detectors.RunStatus)
		r.With(rt.middleware.RateLimitWrite()).Post("/run", rt.detectors.TriggerRun)
	})

	r.Route("/api/v1/events", func(r chi.Router) {
		r.Use(rt.middleware.RateLimitIngest())
		r.Use(SecurityHeaders())
		r.Use(PrometheusMetrics("/api/v1/events"))

		r.Post("/auth-failure", rt.detectors.IngestAuthFailure)
	})

	if rt.wsHandler != nil {
		r.Get("/ws", rt.wsHandler)
	}

	r.Handle("/metrics", promhttp.Handler())

	return r
}
