// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
)

// Reason identifies why a token was rejected. Reasons are for operators only
// and are never returned to the caller being authorized.
type Reason string

// Rejection reasons, in the order validation gates run.
const (
	ReasonMalformedToken      Reason = "malformed_token"
	ReasonAlgorithmNotAllowed Reason = "algorithm_not_allowed"
	ReasonKeyFetch            Reason = "key_fetch_error"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonSignatureInvalid    Reason = "signature_invalid"
	ReasonIssuerMismatch      Reason = "issuer_mismatch"
	ReasonTokenExpired        Reason = "token_expired"
	ReasonTokenNotYetValid    Reason = "token_not_yet_valid"
	ReasonWrongTokenUse       Reason = "wrong_token_use"
	ReasonInvalidAudience     Reason = "invalid_audience"
	ReasonInvalidVersion      Reason = "invalid_version"
)

var (
	// ErrInvalidToken is matched by every *InvalidTokenError.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownProvider is returned for provider types with no claim gate.
	ErrUnknownProvider = errors.New("unknown provider type")
	// ErrMissingIssuer is returned when a provider config has no issuer.
	ErrMissingIssuer = errors.New("provider issuer is required")
	// ErrMissingAudience is returned when an Azure provider config has no audience.
	ErrMissingAudience = errors.New("provider audience is required")
	// ErrFailedToDiscoverOIDC is returned when the issuer's discovery document cannot be used.
	ErrFailedToDiscoverOIDC = errors.New("failed to discover OIDC configuration")
)

// InvalidTokenError is returned by Validator.Validate for every rejected token.
type InvalidTokenError struct {
	Reason Reason
	Err    error
}

func invalid(reason Reason, err error) *InvalidTokenError {
	return &InvalidTokenError{Reason: reason, Err: err}
}

func (e *InvalidTokenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid token: %s", e.Reason)
	}
	return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InvalidTokenError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidToken.
func (*InvalidTokenError) Is(target error) bool {
	return target == ErrInvalidToken
}

// ReasonOf extracts the rejection reason from err, or "" if err is not an
// *InvalidTokenError.
func ReasonOf(err error) Reason {
	var ite *InvalidTokenError
	if errors.As(err, &ite) {
		return ite.Reason
	}
	return ""
}
