// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = time.DateOnly

const rule = "-------------------------------------"

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

func days(d time.Duration) int {
	return int((d + Day - 1) / Day)
}

func welcomeMessage(meta *ClientMetadata, cfg Config, rotateAt time.Time) Message {
	name := meta.DisplayName()
	grace := days(cfg.GracePeriod)

	var b strings.Builder
	fmt.Fprintf(&b, "Client %s has been provisioned in %s environment.\n\n", name, cfg.Environment)
	fmt.Fprintf(&b, "Client ID: %s\n", meta.ClientID)
	fmt.Fprintf(&b, "Next credential rotation scheduled for: %s\n", rotateAt.Format(dateLayout))
	fmt.Fprintf(&b, "Rotation frequency: Every %d days\n", days(cfg.RotationPeriod))
	fmt.Fprintf(&b, "Grace period: %d days before rotation\n\n", grace)
	b.WriteString("You will receive notifications:\n")
	fmt.Fprintf(&b, "- %d days before rotation (warning)\n", grace)
	b.WriteString("- On the day of rotation (with new credentials)")

	return Message{Subject: "New Client Provisioned: " + name, Body: b.String()}
}

func warningMessage(meta *ClientMetadata, cfg Config, rotateAt, now time.Time) Message {
	name := meta.DisplayName()
	remaining := max(days(rotateAt.Sub(now)), 0)

	var b strings.Builder
	fmt.Fprintf(&b, "This is a %d-day advance notice.\n\n", remaining)
	fmt.Fprintf(&b, "Client: %s\n", name)
	fmt.Fprintf(&b, "Client ID: %s\n", meta.ClientID)
	fmt.Fprintf(&b, "Environment: %s\n", cfg.Environment)
	fmt.Fprintf(&b, "Scheduled rotation date: %s\n\n", rotateAt.Format(dateLayout))
	b.WriteString("ACTION REQUIRED:\n")
	fmt.Fprintf(&b, "The client secret for %q will be rotated in %d days.\n\n", name, remaining)
	b.WriteString("What happens on rotation day:\n")
	b.WriteString("1. Current secret will be invalidated\n")
	b.WriteString("2. New secret will be generated\n")
	b.WriteString("3. You will receive new credentials via email\n")
	b.WriteString("4. Update your application with new credentials immediately\n\n")
	b.WriteString("Prepare your deployment process to minimize downtime.")

	return Message{Subject: "Credential Rotation Warning: " + name, Body: b.String()}
}

func rotatedMessage(meta *ClientMetadata, cfg Config, secret string, rotatedAt, nextRotateAt time.Time) Message {
	name := meta.DisplayName()

	var b strings.Builder
	b.WriteString("Client credentials have been rotated successfully.\n\n")
	fmt.Fprintf(&b, "Client: %s\n", name)
	fmt.Fprintf(&b, "Client ID: %s\n", meta.ClientID)
	fmt.Fprintf(&b, "Environment: %s\n", cfg.Environment)
	fmt.Fprintf(&b, "Rotation Date: %s\n", rotatedAt.Format(dateLayout))
	fmt.Fprintf(&b, "Next Rotation: %s\n\n", nextRotateAt.Format(dateLayout))
	b.WriteString("NEW CREDENTIALS (update immediately):\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Client ID: %s\n", meta.ClientID)
	fmt.Fprintf(&b, "Client Secret: %s\n", secret)
	b.WriteString(rule + "\n\n")
	b.WriteString("IMPORTANT:\n")
	b.WriteString("- The old secret is now INVALID\n")
	b.WriteString("- Update your application immediately\n")
	b.WriteString("- Test authentication after updating\n")
	b.WriteString("- Store new secret securely\n\n")
	b.WriteString("If you experience issues, contact the platform team immediately.")

	return Message{Subject: "Credentials Rotated: " + name, Body: b.String()}
}

func failureMessage(clientID string, cfg Config, cause error) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to rotate credentials for client: %s\n\n", clientID)
	fmt.Fprintf(&b, "Environment: %s\n", cfg.Environment)
	fmt.Fprintf(&b, "Error: %v\n\n", cause)
	b.WriteString("Platform team has been notified. Manual intervention may be required.")

	return Message{Subject: "Rotation Failed: " + clientID, Body: b.String()}
}
