// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the version 1 HTTP handlers.
package v1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/m2mgate/pkg/logger"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthcheckRouter sets up the healthcheck route.
func HealthcheckRouter(checks map[string]HealthCheck) http.Handler {
	routes := &healthcheckRoutes{checks: checks}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	checks map[string]HealthCheck
}

// getHealthcheck answers 204 when every check passes and 503 otherwise.
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			logger.Warnw("health check failed", "check", name, "error", err)
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
