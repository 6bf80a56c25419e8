package main

import (
	"fmt"

	"github.com/fgeck/gocheckpoint/internal/services/pihole"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test the appliance connection and password",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	info, err := a.runner.CheckConnection(ctx)
	if err != nil {
		log.Error().Err(err).Msg("connection check failed")
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Connected. Pi-hole %s\n", pihole.VersionString(info))
	return nil
}
