// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/stacklok/m2mgate/pkg/authz"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration. A missing key set URL is allowed; it is
// discovered from the issuer at startup.
func (c *Config) Validate() error {
	var errs []error

	providerCfg := c.ProviderConfig()
	if err := providerCfg.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("provider: %w", err))
	}

	switch authz.ScopeMode(c.Authz.ScopeMode) {
	case authz.ScopeStage, authz.ScopeExact:
	default:
		errs = append(errs, fmt.Errorf("authz: %w: %q", authz.ErrUnknownScopeMode, c.Authz.ScopeMode))
	}
	if c.Authz.Timeout < 0 {
		errs = append(errs, errors.New("authz: timeout must not be negative"))
	}

	if c.Rotation.RotationDays <= 0 || c.Rotation.GracePeriodDays <= 0 {
		errs = append(errs, errors.New("rotation: rotation and grace periods must be positive"))
	} else if c.Rotation.GracePeriodDays >= c.Rotation.RotationDays {
		errs = append(errs, fmt.Errorf("rotation: grace period (%d days) must be shorter than rotation period (%d days)",
			c.Rotation.GracePeriodDays, c.Rotation.RotationDays))
	}
	if !slices.Contains([]string{NotifierLog, NotifierSNS}, c.Rotation.Notifier) {
		errs = append(errs, fmt.Errorf("rotation: unknown notifier %q", c.Rotation.Notifier))
	}
	if c.Rotation.Notifier == NotifierSNS && c.Rotation.SNSTopicARN == "" {
		errs = append(errs, errors.New("rotation: sns notifier requires sns_topic_arn"))
	}
	switch c.Rotation.Issuer {
	case IssuerCognito:
		if c.Rotation.UserPoolID == "" {
			errs = append(errs, errors.New("rotation: cognito issuer requires user_pool_id"))
		}
	case IssuerGraph:
	default:
		errs = append(errs, fmt.Errorf("rotation: unknown issuer %q", c.Rotation.Issuer))
	}
	switch c.Rotation.Store {
	case StoreMemory:
	case StoreRedis:
		if err := c.Rotation.Redis.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rotation: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("rotation: unknown store %q", c.Rotation.Store))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// NeedsDiscovery reports whether the key set URL must come from the issuer's
// discovery document.
func (c *Config) NeedsDiscovery() bool {
	return c.Provider.JWKSURL == "" && c.Provider.Issuer != ""
}
