package main

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/promptgate/pkg/api"
	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

var blockIPCmd = &cobra.Command{
	Use:   "block-ip <ip>",
	Short: "Permanently block guest traffic from an IP address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip := args[0]
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("%q is not an IP address", ip)
		}

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.controller.BlockIP(cmd.Context(), ip); err != nil {
			return fmt.Errorf("blocking %s: %w", ip, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", ip)
		return nil
	},
}

var usageFlags struct {
	fingerprint string
	ip          string
	userID      string
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show prompt usage for a fingerprint or user without charging",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		usage, err := a.controller.Usage(cmd.Context(), promptgate.Request{
			Fingerprint: usageFlags.fingerprint,
			IP:          usageFlags.ip,
			UserID:      usageFlags.userID,
		})
		if err != nil {
			return err
		}
		return printUsage(cmd, usageFlags.userID, usage)
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageFlags.fingerprint, "fingerprint", "", "browser fingerprint (required)")
	usageCmd.Flags().StringVar(&usageFlags.ip, "ip", "127.0.0.1", "client IP the lookup is attributed to")
	usageCmd.Flags().StringVar(&usageFlags.userID, "user", "", "authenticated user id")
	_ = usageCmd.MarkFlagRequired("fingerprint")
}

func printUsage(cmd *cobra.Command, userID string, usage *promptgate.Usage) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(api.UsageResponse{
		Kind:      string(usage.Kind),
		UserID:    userID,
		Used:      usage.Used,
		Limit:     usage.Limit,
		Remaining: usage.Remaining,
	})
}
