package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	backupAll  bool
	backupName string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create backups now",
	Long: `Create a manual backup of one configuration (--name) or of every
active configuration (--all, the default).`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&backupAll, "all", false, "back up every active configuration")
	backupCmd.Flags().StringVarP(&backupName, "name", "n", "", "back up a single configuration")
	backupCmd.MarkFlagsMutuallyExclusive("all", "name")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if backupAll || backupName == "" {
		summary, err := a.runner.RunAll(ctx, true)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
		if summary.Failed > 0 {
			return fmt.Errorf("%d backup(s) failed", summary.Failed)
		}
		return nil
	}

	cfg, err := a.configuration(ctx, backupName)
	if err != nil {
		return err
	}

	artifact, err := a.runner.RunBackup(ctx, cfg.ID, true)
	if err != nil {
		log.Error().Err(err).Str("configuration", cfg.Name).Msg("backup failed")
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) id=%d\n", artifact.Filename, humanize.Bytes(uint64(artifact.Size)), artifact.ID)
	return nil
}
