// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation

import "errors"

var (
	// ErrProviderCall is returned when the identity provider fails to regenerate a secret.
	ErrProviderCall = errors.New("identity provider call failed")

	// ErrTriggerRegistration is returned when a warn or rotate trigger cannot be registered.
	ErrTriggerRegistration = errors.New("trigger registration failed")

	// ErrTriggerCancellation is returned when a trigger cannot be removed during deprovisioning.
	ErrTriggerCancellation = errors.New("trigger cancellation failed")

	// ErrTriggerNotFound is returned by a TriggerRegistry lookup when no trigger exists.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrCycleNotFound is returned by a Store when no cycle exists for a client.
	ErrCycleNotFound = errors.New("rotation cycle not found")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid rotation config")

	// ErrInvalidEvent is returned when a trigger event cannot be decoded.
	ErrInvalidEvent = errors.New("invalid trigger event")
)
