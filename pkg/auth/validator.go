// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/m2mgate/pkg/auth/jwks"
)

// allowedAlgorithm is the only signature algorithm accepted from any provider.
const allowedAlgorithm = "RS256"

// KeyResolver returns the public key an issuer signs with under a key id.
// *jwks.Cache implements it.
type KeyResolver interface {
	GetKey(ctx context.Context, issuer, keyID string) (*rsa.PublicKey, error)
}

// Validator verifies bearer tokens against a provider configuration.
type Validator struct {
	keys   KeyResolver
	now    func() time.Time
	leeway time.Duration
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithTimeFunc overrides the clock used for exp and nbf checks.
func WithTimeFunc(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// WithLeeway allows clock skew on exp and nbf.
func WithLeeway(leeway time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.leeway = leeway
	}
}

// NewValidator creates a Validator that resolves signing keys through keys.
func NewValidator(keys KeyResolver, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys: keys,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the validation gates in order and returns the verified claims.
// Every failure is an *InvalidTokenError. Validate has no side effects beyond
// populating the key cache.
func (v *Validator) Validate(ctx context.Context, rawToken string, cfg ProviderConfig) (*TokenClaims, error) {
	provider, err := ProviderFor(cfg.Type)
	if err != nil {
		return nil, invalid(ReasonMalformedToken, err)
	}

	unverified := &TokenClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, unverified)
	if err != nil {
		// An unregistered alg still yields a decoded header.
		if token != nil && errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, invalid(ReasonAlgorithmNotAllowed, err)
		}
		return nil, invalid(ReasonMalformedToken, err)
	}

	if alg, _ := token.Header["alg"].(string); alg != allowedAlgorithm {
		return nil, invalid(ReasonAlgorithmNotAllowed, fmt.Errorf("algorithm %q", alg))
	}

	kid, _ := token.Header["kid"].(string)
	key, err := v.keys.GetKey(ctx, cfg.Issuer, kid)
	if err != nil {
		if errors.Is(err, jwks.ErrRateLimited) {
			return nil, invalid(ReasonRateLimited, err)
		}
		return nil, invalid(ReasonKeyFetch, err)
	}

	claims := &TokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{allowedAlgorithm}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, invalid(ReasonSignatureInvalid, err)
	}
	claims.KeyID = kid

	if claims.Issuer != cfg.Issuer {
		return nil, invalid(ReasonIssuerMismatch, fmt.Errorf("issuer %q", claims.Issuer))
	}

	if err := v.validateTimes(claims); err != nil {
		return nil, err
	}

	if err := provider.Check(claims, cfg); err != nil {
		return nil, err
	}

	return claims, nil
}

func (v *Validator) validateTimes(claims *TokenClaims) error {
	validator := jwt.NewValidator(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.leeway),
	)
	err := validator.Validate(claims)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return invalid(ReasonTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return invalid(ReasonTokenNotYetValid, err)
	default:
		// exp missing or unparsable
		return invalid(ReasonMalformedToken, err)
	}
}
