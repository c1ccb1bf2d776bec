// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action names what a trigger event asks the machine to do.
type Action string

const (
	// ActionScheduleRotation provisions a client and starts its first cycle.
	ActionScheduleRotation Action = "schedule_rotation"
	// ActionSendWarning fires at the start of the grace period.
	ActionSendWarning Action = "send_warning"
	// ActionRotate fires when the secret expires.
	ActionRotate Action = "rotate"
)

// TriggerEvent is the payload delivered by the scheduler.
type TriggerEvent struct {
	Action   Action `json:"action"`
	ClientID string `json:"client_id"`
}

// ParseTriggerEvent decodes and checks a raw event payload. Unknown actions
// decode successfully and are ignored by Machine.Handle.
func ParseTriggerEvent(data []byte) (TriggerEvent, error) {
	var ev TriggerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TriggerEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev.ClientID = strings.TrimSpace(ev.ClientID)
	if ev.ClientID == "" {
		return TriggerEvent{}, fmt.Errorf("%w: client_id is required", ErrInvalidEvent)
	}
	return ev, nil
}
