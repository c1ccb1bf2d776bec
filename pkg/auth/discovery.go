// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/stacklok/m2mgate/pkg/networking"
)

// OIDCDiscoveryDocument represents the OIDC discovery document structure
type OIDCDiscoveryDocument struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

// DiscoverJWKSURL resolves the key set URL from the issuer's well-known endpoint.
func DiscoverJWKSURL(ctx context.Context, client networking.HTTPClient, issuer string) (string, error) {
	doc, err := discoverOIDCConfiguration(ctx, client, issuer)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFailedToDiscoverOIDC, err)
	}
	return doc.JWKSURI, nil
}

// discoverOIDCConfiguration discovers OIDC configuration from the issuer's well-known endpoint
func discoverOIDCConfiguration(
	ctx context.Context,
	client networking.HTTPClient,
	issuer string,
) (*OIDCDiscoveryDocument, error) {
	wellKnownURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	res, err := networking.FetchJSON[OIDCDiscoveryDocument](ctx, client, wellKnownURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC configuration: %w", err)
	}
	doc := res.Data

	// Tokens are matched against the configured issuer, so a document
	// describing another issuer is never usable.
	if strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return nil, fmt.Errorf("OIDC configuration issuer %q does not match %q", doc.Issuer, issuer)
	}

	// Validate that we got the required fields
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC configuration missing jwks_uri")
	}

	return &doc, nil
}
