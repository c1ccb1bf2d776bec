// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies machine-to-machine bearer tokens issued by Amazon
// Cognito and Microsoft Entra ID.
package auth

import (
	"context"
)

// ClaimsContextKey is the key used to store verified claims in the request context.
type ClaimsContextKey struct{}

// WithClaims stores verified claims in the context.
// If claims is nil, the original context is returned unchanged.
func WithClaims(ctx context.Context, claims *TokenClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves verified claims from the context.
func ClaimsFromContext(ctx context.Context) (*TokenClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*TokenClaims)
	return claims, ok
}
