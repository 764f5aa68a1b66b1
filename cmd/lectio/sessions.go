package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List local sessions for the logged-in identity",
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.EnsureIdentity()
	if err != nil {
		return err
	}

	dbPath, err := config.DatabasePath()
	if err != nil {
		return err
	}
	db, err := store.Open(dbPath, cfg.MaxSessions)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	sessions, err := db.Scope(cfg.IdentityID).List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No local sessions.")
		return nil
	}

	for _, s := range sessions {
		modified := time.UnixMilli(s.LastModified).Format("2006-01-02 15:04")
		fmt.Printf("%-36s  %-10s  %s  %s\n", s.ID, s.SyncStatus, modified, s.Title)
	}
	fmt.Println()
	fmt.Printf("%d session(s)\n", len(sessions))

	return nil
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
