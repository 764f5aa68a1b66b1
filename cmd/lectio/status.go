package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity, session counts and queued writes",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("=== Lectio Status ===")
	fmt.Println()

	if cfg.IdentityID == "" {
		fmt.Println("Identity: not logged in")
		fmt.Println()
		fmt.Println("Run 'lectio login' to get started.")
		return nil
	}
	fmt.Printf("Identity: %s\n", cfg.IdentityID)
	fmt.Printf("Backend:  %s\n", cfg.BackendURL)

	dbPath, err := config.DatabasePath()
	if err != nil {
		return err
	}
	db, err := store.Open(dbPath, cfg.MaxSessions)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	st, err := db.Scope(cfg.IdentityID).Stats()
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Println()
	fmt.Printf("Sessions:       %d / %d\n", st.Sessions, cfg.MaxSessions)
	fmt.Printf("Pending writes: %d\n", st.PendingWrites)
	fmt.Printf("Draft backups:  %d\n", st.Backups)
	fmt.Printf("Local size:     %.1f KB\n", float64(st.PayloadBytes)/1024)
	if st.CurrentID != "" {
		fmt.Printf("Current:        %s\n", st.CurrentID)
	}
	if cfg.MaxSessions > 0 && st.Sessions >= cfg.MaxSessions-2 {
		fmt.Println()
		fmt.Println("Near the session cap; the oldest sessions will be evicted on the next save.")
	}

	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
