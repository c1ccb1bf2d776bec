// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/m2mgate/pkg/logger"
)

const bearerPrefix = "bearer "

// StripBearer removes a case-insensitive "Bearer " prefix and surrounding space.
func StripBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		header = header[len(bearerPrefix):]
	}
	return strings.TrimSpace(header)
}

// Middleware rejects requests without a valid bearer token for cfg and
// stores the verified claims in the request context.
func (v *Validator) Middleware(cfg ProviderConfig) func(http.Handler) http.Handler {
	challenge := fmt.Sprintf(`Bearer realm=%q`, cfg.Issuer)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), StripBearer(authHeader), cfg)
			if err != nil {
				logger.Debugw("rejected bearer token", "reason", ReasonOf(err), "error", err)
				w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
