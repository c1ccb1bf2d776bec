// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cognito rotates Amazon Cognito app client secrets.
package cognito

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

// ErrSecretUnchanged is returned when the update response carries the secret
// the client already had.
var ErrSecretUnchanged = errors.New("cognito returned the previous client secret")

// API is the subset of the Cognito user pool client used by Issuer.
type API interface {
	DescribeUserPoolClient(
		ctx context.Context,
		params *cognitoidentityprovider.DescribeUserPoolClientInput,
		optFns ...func(*cognitoidentityprovider.Options),
	) (*cognitoidentityprovider.DescribeUserPoolClientOutput, error)
	UpdateUserPoolClient(
		ctx context.Context,
		params *cognitoidentityprovider.UpdateUserPoolClientInput,
		optFns ...func(*cognitoidentityprovider.Options),
	) (*cognitoidentityprovider.UpdateUserPoolClientOutput, error)
}

// Issuer implements rotation.CredentialIssuer for app clients of one user pool.
type Issuer struct {
	client     API
	userPoolID string
	logger     *slog.Logger
}

var _ rotation.CredentialIssuer = (*Issuer)(nil)

// New creates an Issuer for the clients of userPoolID.
func New(client API, userPoolID string) (*Issuer, error) {
	if client == nil {
		return nil, errors.New("cognito client is required")
	}
	if userPoolID == "" {
		return nil, errors.New("user pool id is required")
	}
	return &Issuer{
		client:     client,
		userPoolID: userPoolID,
		logger:     logger.With("cognito"),
	}, nil
}

// Describe returns the app client's name.
func (i *Issuer) Describe(ctx context.Context, clientID string) (*rotation.ClientMetadata, error) {
	c, err := i.describe(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &rotation.ClientMetadata{
		ClientID: clientID,
		Name:     aws.ToString(c.ClientName),
	}, nil
}

// RegenerateSecret updates the app client with its current settings and
// returns the secret from the response. Settings are copied because
// UpdateUserPoolClient resets every omitted field to its default.
func (i *Issuer) RegenerateSecret(ctx context.Context, clientID string) (string, error) {
	c, err := i.describe(ctx, clientID)
	if err != nil {
		return "", err
	}

	out, err := i.client.UpdateUserPoolClient(ctx, updateInput(i.userPoolID, clientID, c))
	if err != nil {
		return "", fmt.Errorf("failed to update user pool client %s: %w", clientID, err)
	}
	if out.UserPoolClient == nil || aws.ToString(out.UserPoolClient.ClientSecret) == "" {
		return "", fmt.Errorf("cognito returned no secret for %s", clientID)
	}

	secret := aws.ToString(out.UserPoolClient.ClientSecret)
	if secret == aws.ToString(c.ClientSecret) {
		return "", fmt.Errorf("%w: %s", ErrSecretUnchanged, clientID)
	}

	i.logger.Info("regenerated client secret", "client_id", clientID, "user_pool_id", i.userPoolID)
	return secret, nil
}

func (i *Issuer) describe(ctx context.Context, clientID string) (*types.UserPoolClientType, error) {
	out, err := i.client.DescribeUserPoolClient(ctx, &cognitoidentityprovider.DescribeUserPoolClientInput{
		UserPoolId: aws.String(i.userPoolID),
		ClientId:   aws.String(clientID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe user pool client %s: %w", clientID, err)
	}
	if out.UserPoolClient == nil {
		return nil, fmt.Errorf("user pool client %s not found", clientID)
	}
	return out.UserPoolClient, nil
}

func updateInput(userPoolID, clientID string, c *types.UserPoolClientType) *cognitoidentityprovider.UpdateUserPoolClientInput {
	return &cognitoidentityprovider.UpdateUserPoolClientInput{
		UserPoolId:                      aws.String(userPoolID),
		ClientId:                        aws.String(clientID),
		ClientName:                      c.ClientName,
		AllowedOAuthFlows:               c.AllowedOAuthFlows,
		AllowedOAuthScopes:              c.AllowedOAuthScopes,
		AllowedOAuthFlowsUserPoolClient: aws.ToBool(c.AllowedOAuthFlowsUserPoolClient),
		CallbackURLs:                    c.CallbackURLs,
		LogoutURLs:                      c.LogoutURLs,
		DefaultRedirectURI:              c.DefaultRedirectURI,
		ExplicitAuthFlows:               c.ExplicitAuthFlows,
		SupportedIdentityProviders:      c.SupportedIdentityProviders,
		ReadAttributes:                  c.ReadAttributes,
		WriteAttributes:                 c.WriteAttributes,
		AccessTokenValidity:             c.AccessTokenValidity,
		IdTokenValidity:                 c.IdTokenValidity,
		RefreshTokenValidity:            c.RefreshTokenValidity,
		TokenValidityUnits:              c.TokenValidityUnits,
		PreventUserExistenceErrors:      c.PreventUserExistenceErrors,
		EnableTokenRevocation:           c.EnableTokenRevocation,
	}
}
