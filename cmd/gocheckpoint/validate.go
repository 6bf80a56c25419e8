package main

import (
	"fmt"
	"os"

	"github.com/fgeck/gocheckpoint/internal/services/credentials"
	"github.com/fgeck/gocheckpoint/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without contacting the appliance or touching the store.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid!")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  Backup directory: %s\n", cfg.Storage.BackupDir)
	fmt.Fprintf(out, "  Database: %s\n", cfg.Storage.Database)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Scheduler:")
	fmt.Fprintf(out, "  Timezone: %s\n", cfg.Scheduler.Timezone)
	fmt.Fprintf(out, "  Workers: %d\n", cfg.Scheduler.Workers)
	fmt.Fprintf(out, "  Misfire grace: %s\n", cfg.Scheduler.MisfireGrace)
	fmt.Fprintf(out, "  Retention schedule: %s\n", cfg.Scheduler.RetentionSchedule)
	if cfg.Scheduler.ConnectionCheckInterval > 0 {
		fmt.Fprintf(out, "  Connection check: every %s\n", cfg.Scheduler.ConnectionCheckInterval)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Appliance:")
	fmt.Fprintf(out, "  Credentials available: %v\n", credentials.New(cfg.Pihole).Configured())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Notifications:")
	fmt.Fprintf(out, "  On failure: %v\n", cfg.Notifications.OnFailure)
	fmt.Fprintf(out, "  On success: %v\n", cfg.Notifications.OnSuccess)
	fmt.Fprintf(out, "  On connection lost: %v\n", cfg.Notifications.OnConnectionLost)
	fmt.Fprintf(out, "  Telegram: %v\n", cfg.Notifications.Telegram != nil)
	fmt.Fprintf(out, "  Discord: %v\n", cfg.Notifications.Discord != nil)
	fmt.Fprintf(out, "  Slack: %v\n", cfg.Notifications.Slack != nil)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configurations:")
	if len(cfg.Configurations) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, c := range cfg.Configurations {
		spec, ok := scheduler.CronSpec(c)
		if !ok {
			spec = "not scheduled"
		}
		fmt.Fprintf(out, "  %s: %s (%s), keep %d, max age %d days\n", c.Name, c.Cadence, spec, c.KeepCount, c.MaxAgeDays)
	}

	return nil
}
