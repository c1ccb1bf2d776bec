// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

var triggerActions = []string{
	string(rotation.ActionScheduleRotation),
	string(rotation.ActionSendWarning),
	string(rotation.ActionRotate),
}

func newRotationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Manage client secret rotation cycles",
		Long: `Manage client secret rotation cycles.

With the log notifier selected, notifications (including new secrets) are
printed to standard output instead of being published.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "provision <client-id>",
		Short: "Start a rotation cycle for a client, replacing any existing one",
		Args:  cobra.ExactArgs(1),
		RunE: withRotator(func(cmd *cobra.Command, r *rotator, args []string) error {
			cycle, err := r.machine.Provision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCycle(cmd.OutOrStdout(), cycle)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deprovision <client-id>",
		Short: "Cancel a client's triggers and forget its cycle",
		Args:  cobra.ExactArgs(1),
		RunE: withRotator(func(cmd *cobra.Command, r *rotator, args []string) error {
			if err := r.machine.Deprovision(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Deprovisioned %s\n", args[0])
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "trigger <action> <client-id>",
		Short:     "Deliver a trigger event as the scheduler would",
		ValidArgs: triggerActions,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			if !slices.Contains(triggerActions, args[0]) {
				return fmt.Errorf("unknown action %q, expected one of %v", args[0], triggerActions)
			}
			return nil
		},
		RunE: withRotator(func(cmd *cobra.Command, r *rotator, args []string) error {
			return r.machine.Handle(cmd.Context(), rotation.TriggerEvent{
				Action:   rotation.Action(args[0]),
				ClientID: args[1],
			})
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <client-id>",
		Short: "Show a client's current rotation cycle",
		Args:  cobra.ExactArgs(1),
		RunE: withRotator(func(cmd *cobra.Command, r *rotator, args []string) error {
			cycle, err := r.machine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCycle(cmd.OutOrStdout(), cycle)
		}),
	})

	return cmd
}

// withRotator loads configuration, builds the rotator and closes it afterwards.
func withRotator(fn func(*cobra.Command, *rotator, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := newRotator(cmd.Context(), cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				logger.Warnf("closing rotation store: %v", err)
			}
		}()
		return fn(cmd, r, args)
	}
}

func printCycle(w io.Writer, cycle *rotation.Cycle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cycle)
}
