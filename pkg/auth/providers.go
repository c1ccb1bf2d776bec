// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"slices"
	"strings"
)

// ProviderType names an identity provider family.
type ProviderType string

const (
	// ProviderCognito is Amazon Cognito user pools.
	ProviderCognito ProviderType = "cognito"
	// ProviderAzure is Microsoft Entra ID (Azure AD).
	ProviderAzure ProviderType = "azure"
)

// ProviderConfig describes the identity provider a token must come from.
type ProviderConfig struct {
	Type     ProviderType `yaml:"type" json:"type"`
	Issuer   string       `yaml:"issuer" json:"issuer"`
	Audience string       `yaml:"audience,omitempty" json:"audience,omitempty"`
	JWKSURL  string       `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
}

// Validate checks the fields the provider's claim gate depends on.
func (c ProviderConfig) Validate() error {
	p, err := ProviderFor(c.Type)
	if err != nil {
		return err
	}
	if c.Issuer == "" {
		return ErrMissingIssuer
	}
	return p.validateConfig(c)
}

// Provider is the claim gate for one identity provider family. The set of
// implementations is closed; add a provider by adding a variant here.
type Provider interface {
	// Name is the value reported as "provider" in authorization context.
	Name() string
	// Check applies the provider-specific gate to signature-verified claims.
	Check(claims *TokenClaims, cfg ProviderConfig) error

	validateConfig(cfg ProviderConfig) error
}

// ProviderFor returns the claim gate for a provider type.
func ProviderFor(t ProviderType) (Provider, error) {
	switch ProviderType(strings.ToLower(string(t))) {
	case ProviderCognito:
		return cognitoProvider{}, nil
	case ProviderAzure:
		return azureProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, t)
	}
}

// CognitoEndpoints returns the issuer and key set URL of a Cognito user pool.
func CognitoEndpoints(region, userPoolID string) (issuer, jwksURL string) {
	issuer = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
	return issuer, issuer + "/.well-known/jwks.json"
}

// AzureEndpoints returns the v2.0 issuer and key set URL of an Entra ID tenant.
func AzureEndpoints(tenantID string) (issuer, jwksURL string) {
	base := "https://login.microsoftonline.com/" + tenantID
	return base + "/v2.0", base + "/discovery/v2.0/keys"
}

// cognitoProvider accepts only access tokens. Client-credential tokens from
// Cognito carry no aud claim, so audience is not checked.
type cognitoProvider struct{}

func (cognitoProvider) Name() string { return string(ProviderCognito) }

func (cognitoProvider) Check(claims *TokenClaims, _ ProviderConfig) error {
	if claims.TokenUse != "access" {
		return invalid(ReasonWrongTokenUse, fmt.Errorf("token_use %q is not access", claims.TokenUse))
	}
	return nil
}

func (cognitoProvider) validateConfig(ProviderConfig) error { return nil }

var azureVersions = []string{"1.0", "2.0"}

type azureProvider struct{}

func (azureProvider) Name() string { return string(ProviderAzure) }

func (azureProvider) Check(claims *TokenClaims, cfg ProviderConfig) error {
	if cfg.Audience == "" || !slices.Contains(claims.Audience, cfg.Audience) {
		return invalid(ReasonInvalidAudience, fmt.Errorf("audience %v does not contain %q", []string(claims.Audience), cfg.Audience))
	}
	if !slices.Contains(azureVersions, claims.Version) {
		return invalid(ReasonInvalidVersion, fmt.Errorf("unsupported token version %q", claims.Version))
	}
	return nil
}

func (azureProvider) validateConfig(cfg ProviderConfig) error {
	if cfg.Audience == "" {
		return fmt.Errorf("%w for provider %s", ErrMissingAudience, ProviderAzure)
	}
	return nil
}
