package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PulseAI-Platform/kash-stash/internal/lockstore"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and manage host-local lockfiles",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lockfiles in the lock root",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := lockstore.New(lockRoot)
		names, err := store.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no lockfiles")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var locksClearCmd = &cobra.Command{
	Use:   "clear [prefix]",
	Short: "Delete lockfiles, optionally only those matching a job prefix",
	Long: `Deletes lockfiles from the lock root. Queue lockfiles are this host's
permanent record of processed digests; clearing them makes the host eligible
to reprocess anything still inside the queue lookback.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := lockstore.New(lockRoot)
		names, err := store.List()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		removed := 0
		for _, name := range names {
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			if err := os.Remove(filepath.Join(store.Root(), name+".lock")); err != nil {
				return fmt.Errorf("removing %s: %w", name, err)
			}
			removed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d lockfile(s)\n", removed)
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksClearCmd)
}
