// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stacklok/toolhive-core/env"
)

// Environment variables read by Load.
const (
	EnvProviderType      = "PROVIDER_TYPE"
	EnvJWKSURI           = "JWKS_URI"
	EnvIssuer            = "ISSUER"
	EnvAudience          = "AUDIENCE"
	EnvCognitoRegion     = "COGNITO_REGION"
	EnvCognitoUserPoolID = "COGNITO_USER_POOL_ID"
	EnvAzureTenantID     = "AZURE_TENANT_ID"
	EnvRotationDays      = "ROTATION_DAYS"
	EnvGracePeriodDays   = "GRACE_PERIOD_DAYS"
	EnvEnvironment       = "ENVIRONMENT"
	EnvAWSRegion         = "AWS_REGION"
	EnvSNSTopicARN       = "SNS_TOPIC_ARN"
	EnvFunctionName      = "ROTATION_FUNCTION_NAME"
	EnvTargetARN         = "ROTATION_TARGET_ARN"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRotationIssuer    = "ROTATION_ISSUER"
	EnvUserPoolID        = "USER_POOL_ID"
	EnvScopeMode         = "SCOPE_MODE"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

func (c *Config) applyEnv(r env.Reader) error {
	if r == nil {
		return nil
	}

	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(r.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) error {
		v := strings.TrimSpace(r.Getenv(name))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, name, v)
		}
		*dst = n
		return nil
	}

	setString(EnvProviderType, &c.Provider.Type)
	c.Provider.Type = strings.ToLower(c.Provider.Type)
	setString(EnvJWKSURI, &c.Provider.JWKSURL)
	setString(EnvIssuer, &c.Provider.Issuer)
	setString(EnvAudience, &c.Provider.Audience)
	setString(EnvCognitoRegion, &c.Provider.CognitoRegion)
	setString(EnvCognitoUserPoolID, &c.Provider.CognitoUserPoolID)
	setString(EnvAzureTenantID, &c.Provider.AzureTenantID)
	setString(EnvAWSRegion, &c.AWS.Region)
	setString(EnvScopeMode, &c.Authz.ScopeMode)
	setString(EnvOTLPEndpoint, &c.Telemetry.Endpoint)

	if err := setInt(EnvRotationDays, &c.Rotation.RotationDays); err != nil {
		return err
	}
	if err := setInt(EnvGracePeriodDays, &c.Rotation.GracePeriodDays); err != nil {
		return err
	}
	setString(EnvEnvironment, &c.Rotation.Environment)
	setString(EnvFunctionName, &c.Rotation.FunctionName)
	setString(EnvTargetARN, &c.Rotation.TargetARN)
	setString(EnvRotationIssuer, &c.Rotation.Issuer)
	c.Rotation.Issuer = strings.ToLower(c.Rotation.Issuer)
	setString(EnvUserPoolID, &c.Rotation.UserPoolID)

	if v := strings.TrimSpace(r.Getenv(EnvSNSTopicARN)); v != "" {
		c.Rotation.SNSTopicARN = v
		c.Rotation.Notifier = NotifierSNS
	}
	if v := strings.TrimSpace(r.Getenv(EnvRedisAddr)); v != "" {
		c.Rotation.Redis.Addr = v
		c.Rotation.Store = StoreRedis
	}
	return nil
}
