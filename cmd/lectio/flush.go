package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/queue"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/store"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Push all queued writes to the backend now",
	RunE:  runFlush,
}

func runFlush(cmd *cobra.Command, args []string) error {
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

	scope := db.Scope(cfg.IdentityID)
	q := queue.New(scope, remote.NewClient(cfg))

	if pruned, err := q.Prune(); err != nil {
		return err
	} else if len(pruned) > 0 {
		fmt.Printf("Pruned %d stale queued write(s).\n", len(pruned))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := q.Drain(ctx)
	if err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	switch {
	case res.Pushed == 0 && res.Failed == 0:
		fmt.Println("Nothing queued.")
	case res.Failed > 0:
		fmt.Printf("Pushed %d write(s); %d still queued.\n", res.Pushed, res.Failed)
	default:
		fmt.Printf("✓ Pushed %d write(s).\n", res.Pushed)
	}

	return nil
}

func init() {
	rootCmd.AddCommand(flushCmd)
}
