// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads m2mgate settings from a YAML file overlaid with the
// environment variables the deployment templates set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/auth/jwks"
	"github.com/stacklok/m2mgate/pkg/authz"
	"github.com/stacklok/m2mgate/pkg/rotation"
	"github.com/stacklok/m2mgate/pkg/rotation/issuer/graph"
	"github.com/stacklok/m2mgate/pkg/rotation/store"
	"github.com/stacklok/m2mgate/pkg/telemetry"
)

// Config is the complete m2mgate configuration.
type Config struct {
	Provider ProviderSettings `yaml:"provider"`
	JWKS     jwks.Config      `yaml:"jwks"`
	Authz    AuthzSettings    `yaml:"authz"`
	Rotation RotationSettings `yaml:"rotation"`
	Server   ServerSettings   `yaml:"server"`
	AWS      AWSSettings      `yaml:"aws"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ProviderSettings identifies the token issuer. Issuer and JWKS URL are
// derived from the Cognito or Azure fields when not set directly.
type ProviderSettings struct {
	Type              string `yaml:"type"`
	Issuer            string `yaml:"issuer"`
	Audience          string `yaml:"audience"`
	JWKSURL           string `yaml:"jwks_url"`
	CognitoRegion     string `yaml:"cognito_region"`
	CognitoUserPoolID string `yaml:"cognito_user_pool_id"`
	AzureTenantID     string `yaml:"azure_tenant_id"`
}

// AuthzSettings tunes authorization decisions.
type AuthzSettings struct {
	ScopeMode         string        `yaml:"scope_mode"`
	Timeout           time.Duration `yaml:"timeout"`
	CedarPolicies     []string      `yaml:"cedar_policies"`
	CedarEntitiesJSON string        `yaml:"cedar_entities_json"`
}

// RotationSettings configures the rotation scheduler and its collaborators.
type RotationSettings struct {
	RotationDays    int    `yaml:"rotation_days"`
	GracePeriodDays int    `yaml:"grace_period_days"`
	Environment     string `yaml:"environment"`

	// Notifier is "sns" or "log".
	Notifier    string `yaml:"notifier"`
	SNSTopicARN string `yaml:"sns_topic_arn"`

	FunctionName string `yaml:"function_name"`
	TargetARN    string `yaml:"target_arn"`

	// Store is "memory" or "redis".
	Store string            `yaml:"store"`
	Redis store.RedisConfig `yaml:"redis"`

	// Issuer is "cognito" or "graph". It defaults to the provider family.
	Issuer     string `yaml:"issuer"`
	UserPoolID string `yaml:"user_pool_id"`

	GraphBaseURL string                 `yaml:"graph_base_url"`
	Graph        graph.CredentialConfig `yaml:"graph"`
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// RequireAuth protects the rotation endpoints with bearer authentication.
	RequireAuth bool `yaml:"require_auth"`
}

// AWSSettings holds AWS SDK settings.
type AWSSettings struct {
	Region string `yaml:"region"`
}

// Store, notifier and issuer backends.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	NotifierSNS    = "sns"
	NotifierLog    = "log"
	IssuerCognito  = "cognito"
	IssuerGraph    = "graph"
	defaultAddress = ":8080"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Provider: ProviderSettings{Type: string(auth.ProviderCognito)},
		JWKS: jwks.Config{
			TTL:               jwks.DefaultTTL,
			RequestsPerMinute: jwks.DefaultRequestsPerMinute,
			MaxWait:           jwks.DefaultMaxWait,
			FetchTimeout:      jwks.DefaultFetchTimeout,
		},
		Authz: AuthzSettings{
			ScopeMode: string(authz.ScopeStage),
			Timeout:   authz.DefaultTimeout,
		},
		Rotation: RotationSettings{
			RotationDays:    int(rotation.DefaultRotationPeriod / rotation.Day),
			GracePeriodDays: int(rotation.DefaultGracePeriod / rotation.Day),
			Environment:     rotation.DefaultEnvironment,
			Notifier:        NotifierLog,
			Store:           StoreMemory,
		},
		Server: ServerSettings{
			Address:           defaultAddress,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path (optional), overlays the environment, derives provider
// endpoints and validates the result.
func Load(path string, envReader env.Reader) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(envReader); err != nil {
		return nil, err
	}
	cfg.derive()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// derive fills issuer and key set URL from provider-specific fields, and the
// rotation issuer from the provider when it is not set.
func (c *Config) derive() {
	p := &c.Provider
	if c.Rotation.Issuer == "" {
		c.Rotation.Issuer = IssuerCognito
		if auth.ProviderType(p.Type) == auth.ProviderAzure {
			c.Rotation.Issuer = IssuerGraph
		}
	}
	if c.Rotation.UserPoolID == "" {
		c.Rotation.UserPoolID = p.CognitoUserPoolID
	}

	switch auth.ProviderType(p.Type) {
	case auth.ProviderCognito:
		if p.CognitoRegion == "" {
			p.CognitoRegion = c.AWS.Region
		}
		if p.CognitoRegion != "" && p.CognitoUserPoolID != "" {
			issuer, jwksURL := auth.CognitoEndpoints(p.CognitoRegion, p.CognitoUserPoolID)
			if p.Issuer == "" {
				p.Issuer = issuer
			}
			if p.JWKSURL == "" {
				p.JWKSURL = jwksURL
			}
		}
	case auth.ProviderAzure:
		if p.AzureTenantID != "" {
			issuer, jwksURL := auth.AzureEndpoints(p.AzureTenantID)
			if p.Issuer == "" {
				p.Issuer = issuer
			}
			if p.JWKSURL == "" {
				p.JWKSURL = jwksURL
			}
		}
	}
}

// ProviderConfig returns the claim validation settings.
func (c *Config) ProviderConfig() auth.ProviderConfig {
	return auth.ProviderConfig{
		Type:     auth.ProviderType(c.Provider.Type),
		Issuer:   c.Provider.Issuer,
		Audience: c.Provider.Audience,
		JWKSURL:  c.Provider.JWKSURL,
	}
}

// RotationConfig returns the rotation schedule.
func (c *Config) RotationConfig() rotation.Config {
	return rotation.Config{
		RotationPeriod: time.Duration(c.Rotation.RotationDays) * rotation.Day,
		GracePeriod:    time.Duration(c.Rotation.GracePeriodDays) * rotation.Day,
		Environment:    c.Rotation.Environment,
	}.WithDefaults()
}

// CedarOptions returns the policy gate settings, or nil when no policies are set.
func (c *Config) CedarOptions() *authz.CedarOptions {
	if len(c.Authz.CedarPolicies) == 0 {
		return nil
	}
	return &authz.CedarOptions{
		Policies:     c.Authz.CedarPolicies,
		EntitiesJSON: c.Authz.CedarEntitiesJSON,
	}
}
