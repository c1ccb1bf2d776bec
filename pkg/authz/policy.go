// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"errors"
	"fmt"

	"github.com/stacklok/m2mgate/pkg/auth"
)

// ScopeMode selects how wide an Allow decision's resource scope is.
type ScopeMode string

const (
	// ScopeStage allows every method of the requested API stage so the
	// gateway can reuse one cached decision across methods.
	ScopeStage ScopeMode = "stage"
	// ScopeExact allows only the requested method ARN.
	ScopeExact ScopeMode = "exact"
)

// ErrUnknownScopeMode is returned for scope modes other than stage and exact.
var ErrUnknownScopeMode = errors.New("unknown scope mode")

// Context keys set on Allow decisions.
const (
	ContextUserID   = "userId"
	ContextEmail    = "email"
	ContextUsername = "username"
	ContextClientID = "clientId"
	ContextScope    = "scope"
	ContextProvider = "provider"
)

// PolicyBuilder turns verified claims into an Allow decision.
type PolicyBuilder struct {
	mode ScopeMode
}

// NewPolicyBuilder creates a builder. An empty mode means ScopeStage.
func NewPolicyBuilder(mode ScopeMode) (*PolicyBuilder, error) {
	switch mode {
	case "":
		mode = ScopeStage
	case ScopeStage, ScopeExact:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScopeMode, mode)
	}
	return &PolicyBuilder{mode: mode}, nil
}

// Mode returns the configured scope mode.
func (b *PolicyBuilder) Mode() ScopeMode {
	return b.mode
}

// Build returns an Allow decision for claims verified under provider.
func (b *PolicyBuilder) Build(claims *auth.TokenClaims, provider string, req RequestContext) (Decision, error) {
	if claims == nil || claims.Subject == "" {
		return Decision{}, errors.New("claims have no subject")
	}

	method, err := ParseMethodARN(req.MethodARN)
	if err != nil {
		return Decision{}, err
	}

	scope := req.MethodARN
	if b.mode == ScopeStage {
		scope = method.StageWildcard()
	}

	ctx := map[string]string{
		ContextUserID:   claims.Subject,
		ContextUsername: claims.EffectiveUsername(),
		ContextClientID: claims.EffectiveClientID(),
		ContextScope:    claims.EffectiveScope(),
		ContextProvider: provider,
	}
	if claims.Email != "" {
		ctx[ContextEmail] = claims.Email
	}

	return Decision{
		PrincipalID:   claims.Subject,
		Effect:        EffectAllow,
		ResourceScope: scope,
		Context:       ctx,
	}, nil
}
