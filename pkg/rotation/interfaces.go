// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks -source=interfaces.go CredentialIssuer,TriggerRegistry,Notifier,Store

// ClientMetadata describes a client as known by the identity provider.
type ClientMetadata struct {
	ClientID string
	Name     string
	KeyIDs   []string
}

// DisplayName returns the client name, falling back to its id.
func (m *ClientMetadata) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ClientID
}

// CredentialIssuer talks to the identity provider that owns client secrets.
type CredentialIssuer interface {
	// Describe returns the client's display metadata.
	Describe(ctx context.Context, clientID string) (*ClientMetadata, error)

	// RegenerateSecret replaces the client's secret and returns the new value.
	RegenerateSecret(ctx context.Context, clientID string) (string, error)
}

// Trigger is a trigger known to a TriggerRegistry.
type Trigger struct {
	ID string
	At time.Time
}

// TriggerRegistry registers one-shot timed triggers.
type TriggerRegistry interface {
	// RegisterAt schedules payload for delivery at the given instant and
	// returns an id usable with Cancel.
	RegisterAt(ctx context.Context, at time.Time, payload TriggerEvent) (string, error)

	// Cancel removes a trigger. Removing an unknown trigger succeeds.
	Cancel(ctx context.Context, triggerID string) error

	// Lookup returns the trigger registered for action and client, or
	// ErrTriggerNotFound.
	Lookup(ctx context.Context, action Action, clientID string) (*Trigger, error)
}

// Notifier delivers operator notifications.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Store persists rotation cycles.
type Store interface {
	// Get returns ErrCycleNotFound when the client has no cycle.
	Get(ctx context.Context, clientID string) (*Cycle, error)
	Put(ctx context.Context, cycle *Cycle) error
	Delete(ctx context.Context, clientID string) error

	// ClaimRotation marks the rotation due at rotateAt as taken. It returns
	// false if another handler already holds the claim.
	ClaimRotation(ctx context.Context, clientID string, rotateAt time.Time, ttl time.Duration) (bool, error)

	// ReleaseRotation drops a claim so a retry can take it again.
	ReleaseRotation(ctx context.Context, clientID string, rotateAt time.Time) error
}
