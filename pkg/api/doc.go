// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api serves the m2mgate HTTP API.
//
// Routes:
//
//	GET  /health                              liveness and dependency checks
//	POST /api/v1/authorize                    authorization decision envelope
//	POST /api/v1/rotation/events              deliver a rotation trigger event
//	GET  /api/v1/rotation/clients/{clientID}  current rotation cycle
//	GET  /metrics                             Prometheus metrics
//
// Version specific handlers live in the v1 subpackage.
package api
