// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/logger"
)

// Cedar entity types used in gate requests.
const (
	CedarClientType = "Client"
	CedarActionType = "Action"
	CedarStageType  = "Stage"
	CedarInvokeID   = "invoke"
)

// ErrNoPolicies is returned when a Cedar gate is configured without policies.
var ErrNoPolicies = errors.New("no policies loaded")

// PolicyGate is an optional check run on an Allow decision before it is returned.
type PolicyGate interface {
	Permit(claims *auth.TokenClaims, provider string, method MethodARN) (bool, error)
}

// CedarOptions configures a CedarGate.
type CedarOptions struct {
	// Policies is a list of Cedar policy strings
	Policies []string `json:"policies" yaml:"policies"`

	// EntitiesJSON is the JSON string representing Cedar entities
	EntitiesJSON string `json:"entities_json,omitempty" yaml:"entities_json,omitempty"`
}

// CedarGate evaluates Cedar policies with
// principal Client::"<client id>", action Action::"invoke" and
// resource Stage::"<api id>/<stage>".
type CedarGate struct {
	policySet *cedar.PolicySet
	entities  cedar.EntityMap
}

// NewCedarGate parses the policies and entities in opts.
func NewCedarGate(opts CedarOptions) (*CedarGate, error) {
	if len(opts.Policies) == 0 {
		return nil, ErrNoPolicies
	}

	g := &CedarGate{
		policySet: cedar.NewPolicySet(),
		entities:  cedar.EntityMap{},
	}

	for i, policyStr := range opts.Policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(policyStr)); err != nil {
			return nil, fmt.Errorf("failed to parse policy %d: %w", i, err)
		}
		g.policySet.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}

	if opts.EntitiesJSON != "" {
		if err := json.Unmarshal([]byte(opts.EntitiesJSON), &g.entities); err != nil {
			return nil, fmt.Errorf("failed to parse entities JSON: %w", err)
		}
	}

	return g, nil
}

// Permit implements PolicyGate.
func (g *CedarGate) Permit(claims *auth.TokenClaims, provider string, method MethodARN) (bool, error) {
	principal := claims.EffectiveClientID()
	if principal == "" {
		principal = claims.Subject
	}

	req := cedar.Request{
		Principal: cedar.NewEntityUID(CedarClientType, cedar.String(principal)),
		Action:    cedar.NewEntityUID(CedarActionType, CedarInvokeID),
		Resource:  cedar.NewEntityUID(CedarStageType, cedar.String(method.APIID+"/"+method.Stage)),
		Context:   gateContext(claims, provider, method),
	}

	decision, diagnostic := cedar.Authorize(g.policySet, g.entities, req)
	logger.Debugw("cedar gate decision",
		"principal", req.Principal, "resource", req.Resource, "decision", decision)

	if len(diagnostic.Errors) > 0 {
		return false, fmt.Errorf("authorization error: %v", diagnostic.Errors)
	}
	return decision == cedar.Allow, nil
}

func gateContext(claims *auth.TokenClaims, provider string, method MethodARN) cedar.Record {
	var scopes []cedar.Value
	for _, s := range strings.Fields(claims.EffectiveScope()) {
		scopes = append(scopes, cedar.String(s))
	}

	return cedar.NewRecord(cedar.RecordMap{
		"subject":  cedar.String(claims.Subject),
		"provider": cedar.String(provider),
		"scopes":   cedar.NewSet(scopes...),
		"verb":     cedar.String(method.Verb),
		"path":     cedar.String(method.Path),
		"region":   cedar.String(method.Region),
		"account":  cedar.String(method.AccountID),
	})
}
