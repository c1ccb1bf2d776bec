// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload of an access token issued by a supported provider.
// Provider-specific fields are optional and only some are set by any one provider.
type TokenClaims struct {
	jwt.RegisteredClaims

	// TokenUse is Cognito's "access" or "id" discriminator.
	TokenUse string `json:"token_use,omitempty"`
	// Version is Azure AD's token format version, "1.0" or "2.0".
	Version string `json:"ver,omitempty"`

	Scope             string `json:"scope,omitempty"`
	Scp               string `json:"scp,omitempty"`
	Email             string `json:"email,omitempty"`
	Username          string `json:"username,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	UPN               string `json:"upn,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	AuthorizedParty   string `json:"azp,omitempty"`
	AppID             string `json:"appid,omitempty"`
	TenantID          string `json:"tid,omitempty"`

	// KeyID is the "kid" header the token was signed with.
	KeyID string `json:"-"`
}

// EffectiveUsername returns the first non-empty of username,
// preferred_username and upn.
func (c *TokenClaims) EffectiveUsername() string {
	return firstNonEmpty(c.Username, c.PreferredUsername, c.UPN)
}

// EffectiveClientID returns the first non-empty of client_id, azp and appid.
func (c *TokenClaims) EffectiveClientID() string {
	return firstNonEmpty(c.ClientID, c.AuthorizedParty, c.AppID)
}

// EffectiveScope returns scope, falling back to Azure's scp.
func (c *TokenClaims) EffectiveScope() string {
	return firstNonEmpty(c.Scope, c.Scp)
}

// String keeps log lines to the identifying fields.
func (c *TokenClaims) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("TokenClaims{Subject:%q, Issuer:%q, ClientID:%q}", c.Subject, c.Issuer, c.EffectiveClientID())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
