// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation

import "time"

// State is the lifecycle position of a rotation cycle.
type State string

const (
	// StateScheduled means both triggers are registered and nothing has fired yet.
	StateScheduled State = "scheduled"
	// StateWarned means the warning notification went out.
	StateWarned State = "warned"
	// StateRotated means the secret was regenerated but the next cycle is not yet registered.
	StateRotated State = "rotated"
	// StateFailed means regeneration failed and the cycle needs remediation.
	StateFailed State = "failed"
)

// Cycle is the bookkeeping record for one client's current rotation.
type Cycle struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	State           State     `json:"state"`
	WarnAt          time.Time `json:"warn_at"`
	RotateAt        time.Time `json:"rotate_at"`
	WarnTriggerID   string    `json:"warn_trigger_id"`
	RotateTriggerID string    `json:"rotate_trigger_id"`
	CreatedAt       time.Time `json:"created_at"`
	RotatedAt       time.Time `json:"rotated_at,omitzero"`
	Generation      int       `json:"generation"`
	LastError       string    `json:"last_error,omitempty"`
}

// Live reports whether the cycle still has pending triggers.
func (c *Cycle) Live() bool {
	return c.State == StateScheduled || c.State == StateWarned
}
