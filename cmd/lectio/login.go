package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/logger"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store backend credentials and bind this machine to an identity",
	Long: `Saves the backend URL, API key and identity id to the local config.
Keys are created in the web dashboard under Settings > API keys.`,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	backendURL, err := cmd.Flags().GetString("backend-url")
	if err != nil {
		return fmt.Errorf("failed to get backend-url flag: %w", err)
	}
	apiKey, err := cmd.Flags().GetString("api-key")
	if err != nil {
		return fmt.Errorf("failed to get api-key flag: %w", err)
	}
	identity, err := cmd.Flags().GetString("identity")
	if err != nil {
		return fmt.Errorf("failed to get identity flag: %w", err)
	}

	if err := config.ValidateBackendURL(backendURL); err != nil {
		return err
	}
	if err := config.ValidateAPIKey(apiKey); err != nil {
		return err
	}
	if identity == "" {
		return fmt.Errorf("--identity is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg.BackendURL = backendURL
	cfg.APIKey = apiKey
	cfg.IdentityID = identity

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	logger.Info("Login saved for identity %s", identity)
	fmt.Println("✓ Credentials saved.")
	fmt.Println()
	fmt.Printf("Backend:  %s\n", backendURL)
	fmt.Printf("Identity: %s\n", identity)
	fmt.Println()
	fmt.Println("Run 'lectio run --document <id>' to start syncing.")

	return nil
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().String("backend-url", "", "Backend API URL")
	loginCmd.Flags().String("api-key", "", "API key from the web dashboard")
	loginCmd.Flags().String("identity", "", "Identity id this machine syncs as")
}
