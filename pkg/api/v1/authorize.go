// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"

	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/authz"
	"github.com/stacklok/m2mgate/pkg/gateway"
	"github.com/stacklok/m2mgate/pkg/logger"
)

// maxAuthorizeBody bounds the authorize request body.
const maxAuthorizeBody = 64 << 10

// Authorizer produces authorization decisions. *authz.Engine implements it.
type Authorizer interface {
	Authorize(ctx context.Context, authHeaderOrToken string, req authz.RequestContext, cfg auth.ProviderConfig) authz.Decision
}

// AuthorizeRoutes defines the routes for the authorize API.
type AuthorizeRoutes struct {
	authorizer Authorizer
	provider   auth.ProviderConfig
}

// AuthorizeRouter creates a router answering authorization requests for provider.
func AuthorizeRouter(authorizer Authorizer, provider auth.ProviderConfig) http.Handler {
	routes := &AuthorizeRoutes{authorizer: authorizer, provider: provider}

	r := chi.NewRouter()
	r.Post("/", routes.authorize)
	return r
}

// authorize always answers 200 with an envelope. Malformed requests are
// decided as Deny with whatever method ARN could be read.
func (a *AuthorizeRoutes) authorize(w http.ResponseWriter, r *http.Request) {
	var in events.APIGatewayCustomAuthorizerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthorizeBody)).Decode(&in); err != nil {
		logger.Debugw("failed to decode authorize request", "error", err)
	}

	token, req := gateway.FromTokenRequest(in)
	if token == "" {
		token = r.Header.Get("Authorization")
	}

	decision := a.authorizer.Authorize(r.Context(), token, req, a.provider)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(gateway.Response(decision)); err != nil {
		logger.Errorw("failed to encode authorize response", "error", err)
	}
}
