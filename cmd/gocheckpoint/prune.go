package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply retention policies now",
	Long: `Delete backups beyond each configuration's keep_count or older than its
max_age_days, and failed attempt records older than seven days.`,
	RunE: runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	deleted, err := a.runner.RunRetention(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d backup(s) deleted\n", deleted)
	return nil
}
