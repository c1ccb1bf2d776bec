// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for m2mgate.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/m2mgate/cmd/m2mgate/app"
	"github.com/stacklok/m2mgate/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		cancel()
		os.Exit(1)
	}
}
