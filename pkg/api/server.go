// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/stacklok/m2mgate/pkg/api/v1"
	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/logger"
)

const (
	middlewareTimeout        = 60 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
)

// Config holds what the server routes to.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Authorizer and Provider serve /api/v1/authorize. Both are required.
	Authorizer v1.Authorizer
	Provider   auth.ProviderConfig

	// Rotation serves /api/v1/rotation when set.
	Rotation v1.RotationService
	// RotationAuth, when set, guards the rotation routes.
	RotationAuth func(http.Handler) http.Handler

	// Metrics serves /metrics when set.
	Metrics http.Handler

	HealthChecks map[string]v1.HealthCheck
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the API handler.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Authorizer == nil {
		return nil, errors.New("authorizer is required")
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/health":           v1.HealthcheckRouter(cfg.HealthChecks),
		"/api/v1/authorize": v1.AuthorizeRouter(cfg.Authorizer, cfg.Provider),
	}
	if cfg.Rotation != nil {
		var rotation http.Handler = v1.RotationRouter(cfg.Rotation)
		if cfg.RotationAuth != nil {
			rotation = cfg.RotationAuth(rotation)
		}
		routers["/api/v1/rotation"] = rotation
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	return r, nil
}

// Serve runs the API server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, cfg Config) error {
	handler, err := NewRouter(cfg)
	if err != nil {
		return err
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting HTTP server", "address", listener.Addr().String())
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("HTTP server stopped")
	return nil
}
