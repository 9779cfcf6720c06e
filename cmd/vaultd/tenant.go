package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vaultd/internal/tenant"
)

var (
	provisionTier  string
	provisionMode  string
	provisionShare string
	usageSince     time.Duration
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant lifecycle operations against the local data directory",
}

func init() {
	provisionCmd.Flags().StringVar(&provisionTier, "tier", "free", "billing tier")
	provisionCmd.Flags().StringVar(&provisionMode, "mode", "none", "encryption mode: none, legacy, or split-authority")
	provisionCmd.Flags().StringVar(&provisionShare, "share-file", "", "file holding the client share (split-authority only)")
	usageCmd.Flags().DurationVar(&usageSince, "since", 30*24*time.Hour, "lookback window for usage totals")

	tenantCmd.AddCommand(provisionCmd)
	tenantCmd.AddCommand(purgeCmd)
	tenantCmd.AddCommand(setTierCmd)
	tenantCmd.AddCommand(usageCmd)
}

var provisionCmd = &cobra.Command{
	Use:   "provision <tenant-id>",
	Short: "Create a tenant and generate its key material",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close(context.Background())

		var share []byte
		if provisionShare != "" {
			raw, err := os.ReadFile(provisionShare)
			if err != nil {
				return fmt.Errorf("read share file: %w", err)
			}
			share = bytes.TrimSpace(raw)
		}

		ten, err := d.engine.ProvisionTenant(ctx, args[0], provisionTier, tenant.Mode(provisionMode), share)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "provisioned tenant %s (tier=%s mode=%s)\n", ten.ID, ten.Tier, ten.Mode)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <tenant-id>",
	Short: "Delete a tenant and all of its data",
	Long: `Delete a tenant's store, vector collection, and catalog row. The data
is unrecoverable; key material wrapped for the tenant dies with it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close(context.Background())

		if err := d.engine.PurgeTenant(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged tenant %s\n", args[0])
		return nil
	},
}

var setTierCmd = &cobra.Command{
	Use:   "set-tier <tenant-id> <tier>",
	Short: "Change a tenant's billing tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close(context.Background())

		if err := d.engine.SetTier(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tenant %s moved to tier %s\n", args[0], args[1])
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <tenant-id>",
	Short: "Print per-operation usage totals for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close(context.Background())

		totals, err := d.engine.UsageTotals(ctx, args[0], time.Now().Add(-usageSince))
		if err != nil {
			return err
		}
		ops := make([]string, 0, len(totals))
		for op := range totals {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d\n", op, totals[op])
		}
		if len(ops) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no usage recorded in window")
		}
		return nil
	},
}
