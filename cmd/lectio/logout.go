package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/logger"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Long: `Clears the API key and identity binding from the local config.
Local sessions and queued writes are kept; they resume syncing after the
next login with the same identity.`,
	RunE: runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.APIKey == "" && cfg.IdentityID == "" {
		fmt.Println("Not logged in.")
		return nil
	}

	identity := cfg.IdentityID
	cfg.APIKey = ""
	cfg.IdentityID = ""

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	logger.Info("Logged out identity %s", identity)
	fmt.Println("✓ Logged out. Local sessions were kept.")
	return nil
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
