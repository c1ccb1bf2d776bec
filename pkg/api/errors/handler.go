// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/m2mgate/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into HTTP responses.
//
// The status code comes from httperr.Code. For 5xx errors the full error is
// logged and the client gets only the status text; 4xx errors return the
// error message.
//
// Usage:
//
//	r.Get("/{clientID}", apierrors.ErrorHandler(routes.getCycle))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := httperr.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorw("request failed", "path", r.URL.Path, "status", code, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}

		http.Error(w, err.Error(), code)
	}
}
