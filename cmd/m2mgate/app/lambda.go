// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	v1 "github.com/stacklok/m2mgate/pkg/api/v1"
	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/authz"
	"github.com/stacklok/m2mgate/pkg/gateway"
	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

const requestAuthorizerType = "REQUEST"

func newLambdaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda handler",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "authorizer",
		Short: "API Gateway custom authorizer (TOKEN or REQUEST)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newAuthorizer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			lambda.StartWithOptions(authorizerHandler(a.engine, a.provider), lambda.WithContext(cmd.Context()))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotation",
		Short: "Rotation trigger handler invoked by EventBridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := newRotator(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					logger.Warnf("closing rotation store: %v", err)
				}
			}()
			lambda.StartWithOptions(rotationHandler(r.machine), lambda.WithContext(cmd.Context()))
			return nil
		},
	})
	return cmd
}

// authorizerHandler never returns an error: API Gateway treats handler errors
// as 500s, while a Deny envelope yields the intended 403.
func authorizerHandler(
	a v1.Authorizer,
	provider auth.ProviderConfig,
) func(context.Context, json.RawMessage) (events.APIGatewayCustomAuthorizerResponse, error) {
	return func(ctx context.Context, raw json.RawMessage) (events.APIGatewayCustomAuthorizerResponse, error) {
		token, req := decodeAuthorizerEvent(raw)
		return gateway.Response(a.Authorize(ctx, token, req, provider)), nil
	}
}

// decodeAuthorizerEvent reads TOKEN and REQUEST authorizer events. Decode
// failures leave the token empty, which the engine denies.
func decodeAuthorizerEvent(raw json.RawMessage) (string, authz.RequestContext) {
	var shape struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		logger.Debugw("failed to decode authorizer event", "error", err)
		return "", authz.RequestContext{}
	}

	if shape.Type == requestAuthorizerType {
		var ev events.APIGatewayCustomAuthorizerRequestTypeRequest
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Debugw("failed to decode authorizer event", "error", err)
		}
		return gateway.FromRequestTypeRequest(ev)
	}

	var ev events.APIGatewayCustomAuthorizerRequest
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Debugw("failed to decode authorizer event", "error", err)
	}
	return gateway.FromTokenRequest(ev)
}

// rotationHandler returns errors so Lambda retries the delivery.
func rotationHandler(svc v1.RotationService) func(context.Context, json.RawMessage) error {
	return func(ctx context.Context, raw json.RawMessage) error {
		ev, err := rotation.ParseTriggerEvent(raw)
		if err != nil {
			logger.Errorw("dropping malformed trigger event", "error", err)
			return nil
		}
		return svc.Handle(ctx, ev)
	}
}
