// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/stacklok/m2mgate/pkg/auth/jwks"
)

const (
	testKeyID       = "test-key-1"
	cognitoIssuer   = "https://cognito-idp.eu-west-1.amazonaws.com/eu-west-1_pool"
	azureIssuer     = "https://login.microsoftonline.com/tenant/v2.0"
	azureAudience   = "api://orders"
	expClaim        = "exp"
	tokenUseClaim   = "token_use"
	versionClaim    = "ver"
	audienceClaim   = "aud"
	rotatedKeyID    = "rotated-key"
	unknownKeyError = "unknown key"
)

var (
	fixedNow   = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cognitoCfg = ProviderConfig{Type: ProviderCognito, Issuer: cognitoIssuer}
	azureCfg   = ProviderConfig{Type: ProviderAzure, Issuer: azureIssuer, Audience: azureAudience}
)

// staticKeys resolves keys from a fixed map keyed by key id.
type staticKeys struct {
	keys map[string]*rsa.PublicKey
	err  error
}

func (s staticKeys) GetKey(_ context.Context, _ string, keyID string) (*rsa.PublicKey, error) {
	if s.err != nil {
		return nil, s.err
	}
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jwks.ErrKeyFetch, unknownKeyError)
	}
	return key, nil
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func cognitoClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":         "svc-orders",
		"iss":         cognitoIssuer,
		"client_id":   "7abc",
		"scope":       "orders/read",
		tokenUseClaim: "access",
		expClaim:      fixedNow.Add(time.Hour).Unix(),
		"iat":         fixedNow.Add(-time.Minute).Unix(),
	}
}

func azureClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                "obj-1",
		"iss":                azureIssuer,
		audienceClaim:        azureAudience,
		"azp":                "app-123",
		"scp":                "Orders.Read",
		"preferred_username": "svc@contoso.com",
		versionClaim:         "2.0",
		"tid":                "tenant",
		expClaim:             fixedNow.Add(time.Hour).Unix(),
	}
}

func with(base jwt.MapClaims, overrides map[string]any) jwt.MapClaims {
	out := jwt.MapClaims{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	otherKey := generateKey(t)
	keys := staticKeys{keys: map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}}

	tests := []struct {
		name       string
		token      func(t *testing.T) string
		cfg        ProviderConfig
		wantReason Reason
	}{
		{
			name: "valid cognito access token",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, cognitoClaims())
			},
			cfg: cognitoCfg,
		},
		{
			name: "valid azure v2 token",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, azureClaims())
			},
			cfg: azureCfg,
		},
		{
			name: "valid azure v1 token with audience list",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(azureClaims(), map[string]any{
					versionClaim:  "1.0",
					audienceClaim: []string{"other", azureAudience},
				}))
			},
			cfg: azureCfg,
		},
		{
			name:       "not a jwt",
			token:      func(*testing.T) string { return "not-a-token" },
			cfg:        cognitoCfg,
			wantReason: ReasonMalformedToken,
		},
		{
			name: "rs512 rejected",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS512, key, testKeyID, cognitoClaims())
			},
			cfg:        cognitoCfg,
			wantReason: ReasonAlgorithmNotAllowed,
		},
		{
			name: "hs256 rejected",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodHS256, []byte("shared"), testKeyID, cognitoClaims())
			},
			cfg:        cognitoCfg,
			wantReason: ReasonAlgorithmNotAllowed,
		},
		{
			name: "alg none rejected",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, testKeyID, cognitoClaims())
			},
			cfg:        cognitoCfg,
			wantReason: ReasonAlgorithmNotAllowed,
		},
		{
			name: "unregistered alg rejected",
			token: func(t *testing.T) string {
				t.Helper()
				valid := signToken(t, jwt.SigningMethodRS256, key, testKeyID, cognitoClaims())
				parts := strings.Split(valid, ".")
				parts[0] = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"XS999","kid":"test-key-1","typ":"JWT"}`))
				return strings.Join(parts, ".")
			},
			cfg:        cognitoCfg,
			wantReason: ReasonAlgorithmNotAllowed,
		},
		{
			name: "unknown key id",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, rotatedKeyID, cognitoClaims())
			},
			cfg:        cognitoCfg,
			wantReason: ReasonKeyFetch,
		},
		{
			name: "signed by another key",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, otherKey, testKeyID, cognitoClaims())
			},
			cfg:        cognitoCfg,
			wantReason: ReasonSignatureInvalid,
		},
		{
			name: "issuer mismatch",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
					"iss": "https://evil.example.com",
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonIssuerMismatch,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
					expClaim: fixedNow.Add(-time.Minute).Unix(),
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonTokenExpired,
		},
		{
			name: "missing exp",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
					expClaim: nil,
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonMalformedToken,
		},
		{
			name: "not yet valid",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
					"nbf": fixedNow.Add(10 * time.Minute).Unix(),
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonTokenNotYetValid,
		},
		{
			name: "cognito id token",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
					tokenUseClaim: "id",
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonWrongTokenUse,
		},
		{
			name: "cognito missing token_use",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
					tokenUseClaim: nil,
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonWrongTokenUse,
		},
		{
			name: "azure wrong audience",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(azureClaims(), map[string]any{
					audienceClaim: "api://payments",
				}))
			},
			cfg:        azureCfg,
			wantReason: ReasonInvalidAudience,
		},
		{
			name: "azure missing audience",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(azureClaims(), map[string]any{
					audienceClaim: nil,
				}))
			},
			cfg:        azureCfg,
			wantReason: ReasonInvalidAudience,
		},
		{
			name: "azure unsupported version",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(azureClaims(), map[string]any{
					versionClaim: "3.0",
				}))
			},
			cfg:        azureCfg,
			wantReason: ReasonInvalidVersion,
		},
		{
			name: "azure token checked as cognito",
			token: func(t *testing.T) string {
				t.Helper()
				return signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(azureClaims(), map[string]any{
					"iss": cognitoIssuer,
				}))
			},
			cfg:        cognitoCfg,
			wantReason: ReasonWrongTokenUse,
		},
	}

	v := NewValidator(keys, WithTimeFunc(func() time.Time { return fixedNow }))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims, err := v.Validate(t.Context(), tt.token(t), tt.cfg)
			if tt.wantReason == "" {
				require.NoError(t, err)
				require.NotNil(t, claims)
				assert.Equal(t, testKeyID, claims.KeyID)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Equal(t, tt.wantReason, ReasonOf(err))
			assert.Nil(t, claims)
		})
	}
}

func TestValidator_RateLimitedKeyLookup(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	v := NewValidator(staticKeys{err: fmt.Errorf("%w: busy", jwks.ErrRateLimited)},
		WithTimeFunc(func() time.Time { return fixedNow }))

	_, err := v.Validate(t.Context(), signToken(t, jwt.SigningMethodRS256, key, testKeyID, cognitoClaims()), cognitoCfg)
	assert.Equal(t, ReasonRateLimited, ReasonOf(err))
}

func TestValidator_Leeway(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	keys := staticKeys{keys: map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}}
	token := signToken(t, jwt.SigningMethodRS256, key, testKeyID, with(cognitoClaims(), map[string]any{
		expClaim: fixedNow.Add(-10 * time.Second).Unix(),
	}))

	strict := NewValidator(keys, WithTimeFunc(func() time.Time { return fixedNow }))
	_, err := strict.Validate(t.Context(), token, cognitoCfg)
	assert.Equal(t, ReasonTokenExpired, ReasonOf(err))

	lenient := NewValidator(keys, WithTimeFunc(func() time.Time { return fixedNow }), WithLeeway(30*time.Second))
	_, err = lenient.Validate(t.Context(), token, cognitoCfg)
	assert.NoError(t, err)
}

func TestValidator_PopulatesClaims(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	keys := staticKeys{keys: map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}}
	v := NewValidator(keys, WithTimeFunc(func() time.Time { return fixedNow }))

	claims, err := v.Validate(t.Context(), signToken(t, jwt.SigningMethodRS256, key, testKeyID, azureClaims()), azureCfg)
	require.NoError(t, err)

	assert.Equal(t, "obj-1", claims.Subject)
	assert.Equal(t, "2.0", claims.Version)
	assert.Equal(t, "tenant", claims.TenantID)
	assert.Equal(t, "svc@contoso.com", claims.EffectiveUsername())
	assert.Equal(t, "app-123", claims.EffectiveClientID())
	assert.Equal(t, "Orders.Read", claims.EffectiveScope())
}

// TestValidator_WithKeyCache runs the full path against a served key set.
func TestValidator_WithKeyCache(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	pub, err := jwk.Import(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, testKeyID))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	cache, err := jwks.New(jwks.StaticLocator{cognitoIssuer: srv.URL}, jwks.Config{},
		jwks.WithHTTPClient(srv.Client()),
		jwks.WithMeterProvider(noop.NewMeterProvider()),
	)
	require.NoError(t, err)

	v := NewValidator(cache, WithTimeFunc(func() time.Time { return fixedNow }))
	claims, err := v.Validate(t.Context(), signToken(t, jwt.SigningMethodRS256, key, testKeyID, cognitoClaims()), cognitoCfg)
	require.NoError(t, err)
	assert.Equal(t, "svc-orders", claims.Subject)

	_, err = v.Validate(t.Context(), signToken(t, jwt.SigningMethodRS256, key, rotatedKeyID, cognitoClaims()), cognitoCfg)
	assert.Equal(t, ReasonKeyFetch, ReasonOf(err))
}

func TestValidator_UnknownProvider(t *testing.T) {
	t.Parallel()

	v := NewValidator(staticKeys{})
	_, err := v.Validate(t.Context(), "a.b.c", ProviderConfig{Type: "okta", Issuer: "x"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}
