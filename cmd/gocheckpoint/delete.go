package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var deleteConfiguration bool

var deleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a stored backup",
	Long: `Delete a backup file and its record. The record is kept if the file
cannot be removed.

With --configuration the argument is a configuration name: every backup of
that configuration is deleted, then the configuration itself. A configuration
still listed in the config file is recreated on the next start.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteConfiguration, "configuration", false, "delete a whole configuration by name")
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if deleteConfiguration {
		cfg, err := a.configuration(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.runner.DeleteConfiguration(ctx, cfg.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration %q deleted\n", cfg.Name)
		return nil
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid backup id %q", args[0])
	}
	if err := a.runner.DeleteArtifact(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backup %d deleted\n", id)
	return nil
}
