// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry configures OpenTelemetry for m2mgate: OTLP trace and
// metric export plus a Prometheus /metrics endpoint. NewProvider installs the
// result as the global tracer and meter providers, which the authorization
// engine and the rotation machine pick up by default.
package telemetry
