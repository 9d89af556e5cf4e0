package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var initUserID int64

func init() {
	initCmd.Flags().Int64Var(&initUserID, "user-id", 0, "Signed-in user id (read from the token subject when omitted)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		switch {
		case initUserID > 0:
			cfg.Auth.UserID = initUserID
		default:
			if claims, ok := tokenClaims(token); ok && claims.Subject != "" {
				if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
					cfg.Auth.UserID = id
				}
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
