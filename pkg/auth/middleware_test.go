// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripBearer(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Bearer abc":    "abc",
		"bearer abc":    "abc",
		"BEARER abc":    "abc",
		"  Bearer abc ": "abc",
		"abc":           "abc",
		"Bearer":        "Bearer",
		"":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripBearer(in), "input %q", in)
	}
}

func TestValidator_Middleware(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	v := NewValidator(staticKeys{keys: map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}},
		WithTimeFunc(func() time.Time { return fixedNow }))

	var seen *TokenClaims
	handler := v.Middleware(cognitoCfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, testKeyID, cognitoClaims()), http.StatusNoContent},
	}

	for _, tt := range tests { //nolint:paralleltest // shares handler state
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/v1/rotation/clients/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), cognitoIssuer)
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, "svc-orders", seen.Subject)
		})
	}
}

func TestClaimsContext(t *testing.T) {
	t.Parallel()

	ctx := WithClaims(t.Context(), nil)
	_, ok := ClaimsFromContext(ctx)
	assert.False(t, ok)

	ctx = WithClaims(ctx, &TokenClaims{TokenUse: "access"})
	claims, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "access", claims.TokenUse)
}
