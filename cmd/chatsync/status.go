package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the resolved configuration and check whether the session token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API URL:     %s\n", valueOrDefault(cfg.Default.APIURL, "(default)"))
		fmt.Printf("  Gateway URL: %s\n", valueOrDefault(cfg.Default.GatewayURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:    %s\n", cfg.Auth.Username)
		}
		if cfg.Auth.UserID > 0 {
			fmt.Printf("  User ID:     %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User ID:     (not set)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			claims, ok := tokenClaims(cfg.Auth.Token)
			switch {
			case !ok:
				tokenStatus = fmt.Sprintf("present (%s, opaque)", maskKey(cfg.Auth.Token))
			case claims.ExpiresAt == nil:
				tokenStatus = "present (no expiry set)"
			case time.Now().Before(claims.ExpiresAt.Time):
				tokenStatus = fmt.Sprintf("valid (expires %s)", claims.ExpiresAt.Time.Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", claims.ExpiresAt.Time.Format(time.RFC3339))
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		return nil
	},
}
