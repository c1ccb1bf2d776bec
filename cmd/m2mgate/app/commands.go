// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the m2mgate command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/versions"
)

// NewRootCmd creates the root command for the m2mgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "m2mgate",
		DisableAutoGenTag: true,
		Short:             "Machine-to-machine token authorizer and client secret rotator",
		Long: `m2mgate authorizes API Gateway requests carrying OAuth2 client-credential
tokens from Amazon Cognito or Azure AD, and rotates the client secrets behind
those tokens on a fixed schedule with advance warnings.

Run it as an HTTP service (serve), as AWS Lambda handlers (lambda), or drive
rotation cycles by hand (rotation).`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the m2mgate configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLambdaCmd())
	rootCmd.AddCommand(newRotationCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			cmd.Printf("m2mgate %s\n", info.Version)
			cmd.Printf("  Commit:     %s\n", info.Commit)
			cmd.Printf("  Build date: %s\n", info.BuildDate)
			cmd.Printf("  Go version: %s\n", info.GoVersion)
			cmd.Printf("  Platform:   %s\n", info.Platform)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and environment overrides, derive provider
endpoints and report any validation errors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := cfg.ProviderConfig()
			cmd.Printf("Configuration is valid\n")
			cmd.Printf("  Provider: %s\n", p.Type)
			cmd.Printf("  Issuer:   %s\n", p.Issuer)
			if p.JWKSURL != "" {
				cmd.Printf("  JWKS:     %s\n", p.JWKSURL)
			} else {
				cmd.Printf("  JWKS:     discovered from issuer\n")
			}
			cmd.Printf("  Rotation: every %d days, warning %d days before\n",
				cfg.Rotation.RotationDays, cfg.Rotation.GracePeriodDays)
			cmd.Printf("  Store:    %s\n", cfg.Rotation.Store)
			cmd.Printf("  Notifier: %s\n", cfg.Rotation.Notifier)
			return nil
		},
	}
}
