// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import "fmt"

// Locator resolves the key set URL published by an issuer.
type Locator interface {
	JWKSURL(issuer string) (string, error)
}

// StaticLocator maps issuers to key set URLs known at startup.
type StaticLocator map[string]string

// JWKSURL implements Locator.
func (l StaticLocator) JWKSURL(issuer string) (string, error) {
	u, ok := l[issuer]
	if !ok || u == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownIssuer, issuer)
	}
	return u, nil
}
