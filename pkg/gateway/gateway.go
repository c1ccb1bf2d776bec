// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway converts between API Gateway custom authorizer payloads and
// authorization decisions.
package gateway

import (
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/stacklok/m2mgate/pkg/authz"
)

// Policy document constants used by API Gateway.
const (
	PolicyVersion = "2012-10-17"
	InvokeAction  = "execute-api:Invoke"
)

// Response builds the authorizer envelope for a decision.
func Response(d authz.Decision) events.APIGatewayCustomAuthorizerResponse {
	resp := events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: d.PrincipalID,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: PolicyVersion,
			Statement: []events.IAMPolicyStatement{{
				Action:   []string{InvokeAction},
				Effect:   string(d.Effect),
				Resource: []string{d.ResourceScope},
			}},
		},
		Context: map[string]interface{}{},
	}
	for k, v := range d.Context {
		resp.Context[k] = v
	}
	return resp
}

// FromTokenRequest extracts the bearer credential and request context from a
// TOKEN authorizer event.
func FromTokenRequest(e events.APIGatewayCustomAuthorizerRequest) (string, authz.RequestContext) {
	return e.AuthorizationToken, authz.RequestContext{MethodARN: e.MethodArn}
}

// FromRequestTypeRequest extracts the bearer credential and request context
// from a REQUEST authorizer event. Header lookup is case-insensitive.
func FromRequestTypeRequest(e events.APIGatewayCustomAuthorizerRequestTypeRequest) (string, authz.RequestContext) {
	req := authz.RequestContext{MethodARN: e.MethodArn}

	h := http.Header{}
	for k, v := range e.Headers {
		h.Add(k, v)
	}
	for k, vs := range e.MultiValueHeaders {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h.Get("Authorization"), req
}
