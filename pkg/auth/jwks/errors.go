// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import "errors"

var (
	// ErrKeyFetch is returned when a signing key cannot be obtained from the
	// issuer's key set. It covers network failures, non-200 responses,
	// malformed key sets, unknown key ids and non-RSA keys.
	ErrKeyFetch = errors.New("signing key fetch failed")

	// ErrRateLimited is returned when the per-endpoint fetch budget is
	// exhausted and no token becomes available within the bounded wait.
	ErrRateLimited = errors.New("signing key fetch rate limited")

	// ErrUnknownIssuer is returned by a Locator that has no key set URL for an issuer.
	ErrUnknownIssuer = errors.New("no key set registered for issuer")
)
