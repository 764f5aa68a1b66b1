package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lectio",
	Short: "Sync study session progress between this machine and the backend",
	Long: `Lectio keeps reading-session progress in local SQLite storage and
reconciles it with the backend: local work is saved immediately and pushed in
the background, remote changes (including teacher resets) are merged in, and
writes made offline are queued until the backend is reachable again.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
