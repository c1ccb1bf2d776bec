// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/m2mgate/pkg/api"
	v1 "github.com/stacklok/m2mgate/pkg/api/v1"
	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the m2mgate HTTP API",
		Long: `Start the HTTP API. /api/v1/authorize is always served; the rotation
endpoints are added with --enable-rotation.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	cmd.Flags().Bool("enable-rotation", false, "Serve the rotation endpoints")
	if err := viper.BindPFlag("enable-rotation", cmd.Flags().Lookup("enable-rotation")); err != nil {
		logger.Errorf("Error binding enable-rotation flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warnf("telemetry shutdown: %v", err)
		}
	}()

	authorizer, err := newAuthorizer(ctx, cfg)
	if err != nil {
		return err
	}

	serverCfg := api.Config{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Authorizer:        authorizer.engine,
		Provider:          authorizer.provider,
		Metrics:           tel.PrometheusHandler(),
		HealthChecks:      map[string]v1.HealthCheck{},
	}

	if viper.GetBool("enable-rotation") {
		rot, err := newRotator(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := rot.Close(); err != nil {
				logger.Warnf("closing rotation store: %v", err)
			}
		}()

		serverCfg.Rotation = rot.machine
		if pinger, ok := rot.store.(interface{ Ping(context.Context) error }); ok {
			serverCfg.HealthChecks["store"] = pinger.Ping
		}
		if cfg.Server.RequireAuth {
			serverCfg.RotationAuth = authorizer.validator.Middleware(authorizer.provider)
		}
	}

	return api.Serve(ctx, serverCfg)
}
