package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/spf13/cobra"
)

var listName string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configurations and their backups",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listName, "name", "n", "", "only list this configuration")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var configs []models.Configuration
	if listName != "" {
		cfg, err := a.configuration(ctx, listName)
		if err != nil {
			return err
		}
		configs = []models.Configuration{*cfg}
	} else {
		configs, err = a.store.ListConfigurations(ctx, false)
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	for _, cfg := range configs {
		status := "active"
		if !cfg.Active {
			status = "inactive"
		}
		lastSuccess := "never"
		if cfg.LastSuccessAt != nil {
			lastSuccess = humanize.Time(*cfg.LastSuccessAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\tlast success: %s\n", cfg.Name, cfg.Cadence, status, lastSuccess)
		if cfg.LastError != "" {
			fmt.Fprintf(w, "\tlast error: %s\n", cfg.LastError)
		}

		artifacts, err := a.artifacts.List(ctx, cfg.ID, "")
		if err != nil {
			return err
		}
		for _, art := range artifacts {
			size := humanize.Bytes(uint64(art.Size))
			if art.Status == models.ArtifactFailed {
				size = "failed"
			}
			trigger := "scheduled"
			if art.Manual {
				trigger = "manual"
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n",
				art.ID, art.CreatedAt.Local().Format("2006-01-02 15:04:05"), size, trigger, art.Filename)
		}
	}

	return nil
}
