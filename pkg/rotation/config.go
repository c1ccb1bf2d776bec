// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"fmt"
	"time"
)

const (
	// Day is the unit rotation periods are configured in.
	Day = 24 * time.Hour

	// DefaultRotationPeriod is the lifetime of a client secret.
	DefaultRotationPeriod = 90 * Day
	// DefaultGracePeriod is how long before rotation the warning goes out.
	DefaultGracePeriod = 14 * Day
	// DefaultResolution matches the one-minute granularity of cron triggers.
	DefaultResolution = time.Minute
	// DefaultEarlyFireTolerance absorbs clock skew between scheduler and handler.
	DefaultEarlyFireTolerance = 2 * time.Minute
	// DefaultClaimTTL keeps a rotation claim long enough to cover scheduler retries.
	DefaultClaimTTL = 24 * time.Hour
	// DefaultEnvironment labels triggers and notifications.
	DefaultEnvironment = "dev"
)

// Config holds the rotation schedule.
type Config struct {
	RotationPeriod     time.Duration `yaml:"rotation_period"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	Environment        string        `yaml:"environment"`
	Resolution         time.Duration `yaml:"resolution"`
	EarlyFireTolerance time.Duration `yaml:"early_fire_tolerance"`
	ClaimTTL           time.Duration `yaml:"claim_ttl"`
}

// DefaultConfig returns the 90 day / 14 day schedule.
func DefaultConfig() Config {
	return Config{
		RotationPeriod:     DefaultRotationPeriod,
		GracePeriod:        DefaultGracePeriod,
		Environment:        DefaultEnvironment,
		Resolution:         DefaultResolution,
		EarlyFireTolerance: DefaultEarlyFireTolerance,
		ClaimTTL:           DefaultClaimTTL,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.RotationPeriod == 0 {
		c.RotationPeriod = d.RotationPeriod
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.Resolution == 0 {
		c.Resolution = d.Resolution
	}
	if c.EarlyFireTolerance == 0 {
		c.EarlyFireTolerance = d.EarlyFireTolerance
	}
	if c.ClaimTTL == 0 {
		c.ClaimTTL = d.ClaimTTL
	}
	return c
}

// Validate checks the schedule is usable.
func (c Config) Validate() error {
	if c.RotationPeriod <= 0 {
		return fmt.Errorf("%w: rotation period must be positive", ErrInvalidConfig)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("%w: grace period must be positive", ErrInvalidConfig)
	}
	if c.GracePeriod >= c.RotationPeriod {
		return fmt.Errorf("%w: grace period %s must be shorter than rotation period %s",
			ErrInvalidConfig, c.GracePeriod, c.RotationPeriod)
	}
	if c.Resolution < 0 || c.EarlyFireTolerance < 0 || c.ClaimTTL < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if c.Environment == "" {
		return fmt.Errorf("%w: environment is required", ErrInvalidConfig)
	}
	return nil
}
