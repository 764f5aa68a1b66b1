package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lectioapp/lectio/pkg/backup"
	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/logger"
	"github.com/lectioapp/lectio/pkg/recon"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/store"
)

// shutdownTimeout bounds the final push on exit.
const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile one document's session until interrupted",
	Long: `Starts the sync loop for a document: loads local and remote progress,
merges them, subscribes to remote changes, backs up drafts in the background
and drains queued writes periodically. Stops on SIGINT/SIGTERM after one
final push.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	documentID, err := cmd.Flags().GetString("document")
	if err != nil {
		return fmt.Errorf("failed to get document flag: %w", err)
	}
	if documentID == "" {
		return fmt.Errorf("--document is required")
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rs := remote.NewClient(cfg)
	engine := recon.NewEngine(cfg, db, rs)

	if err := engine.Bind(ctx, cfg.IdentityID); err != nil {
		return err
	}

	loop, err := engine.Open(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to open document %s: %w", documentID, err)
	}

	cache := backup.NewCache(db.Scope(cfg.IdentityID))
	writer := backup.NewWriter(rs, cache, cfg.IdentityID, loop.Capture,
		time.Duration(cfg.BackupIntervalSec)*time.Second,
		time.Duration(cfg.BackupSpacingSec)*time.Second)
	go writer.Run(ctx)

	go func() {
		for st := range engine.Status() {
			logger.Debug("sync status: %s", st.Status)
		}
	}()

	fmt.Printf("Syncing document %s as %s. Press Ctrl+C to stop.\n", documentID, cfg.IdentityID)
	logger.Info("sync loop started for document %s", documentID)

	drainTicker := time.NewTicker(time.Duration(cfg.PollIntervalSec) * time.Second)
	defer drainTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-drainTicker.C:
			if _, err := engine.Drain(ctx); err != nil {
				logger.Warn("periodic drain failed: %v", err)
			}
		case sig := <-sigCh:
			logger.Info("received %v, shutting down", sig)
			fmt.Println("\nStopping, pushing remaining writes...")
			cancel()

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()

			if err := engine.Close(shutdownCtx); err != nil {
				logger.Warn("final push incomplete, writes stay queued: %v", err)
				fmt.Println("Some writes could not be pushed; they will retry next run.")
				return nil
			}
			fmt.Println("✓ All changes pushed.")
			return nil
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("document", "", "Document id to reconcile")
}
