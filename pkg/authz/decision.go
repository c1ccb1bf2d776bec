// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

// Effect is the outcome of an authorization decision.
type Effect string

const (
	// EffectAllow grants access to the decision's resource scope.
	EffectAllow Effect = "Allow"
	// EffectDeny refuses access to the original request resource.
	EffectDeny Effect = "Deny"
)

// DenyPrincipal is the principal reported on every Deny.
const DenyPrincipal = "user"

// Decision is the result handed to the gateway.
type Decision struct {
	PrincipalID   string
	Effect        Effect
	ResourceScope string
	// Context is only populated on Allow.
	Context map[string]string
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// Deny returns the uniform negative decision for req.
func Deny(req RequestContext) Decision {
	return Decision{
		PrincipalID:   DenyPrincipal,
		Effect:        EffectDeny,
		ResourceScope: req.MethodARN,
		Context:       map[string]string{},
	}
}
