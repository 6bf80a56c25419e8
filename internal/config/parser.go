// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Defaults applied when a key is absent.
const (
	DefaultBackupDir         = "./backups"
	DefaultDatabase          = "./data/gocheckpoint.db"
	DefaultRefreshInterval   = 5 * time.Minute
	DefaultMisfireGrace      = 5 * time.Minute
	DefaultWorkers           = 4
	DefaultRetentionSchedule = "0 4 * * *"
	DefaultQueueSize         = 64
	DefaultNotifyWorkers     = 5
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.AppConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// Watch re-parses the file on every change and hands the result to fn.
// Parse errors are passed through so the caller can keep the previous config.
func (p *Parser) Watch(fn func(*models.AppConfig, error)) {
	p.v.OnConfigChange(func(_ fsnotify.Event) {
		fn(p.parse())
	})
	p.v.WatchConfig()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.AppConfig, error) {
	cfg := &models.AppConfig{}

	// Appliance credentials are optional here; the environment can supply them.
	cfg.Pihole = models.PiholeConfig{
		URL:      p.expandEnv(p.v.GetString("pihole.url")),
		Password: p.expandEnv(p.v.GetString("pihole.password")),
	}
	if p.v.IsSet("pihole.verify_ssl") {
		verify := p.v.GetBool("pihole.verify_ssl")
		cfg.Pihole.VerifySSL = &verify
	}

	cfg.Storage = models.StorageSettings{
		BackupDir: p.expandEnv(p.v.GetString("storage.backup_dir")),
		Database:  p.expandEnv(p.v.GetString("storage.database")),
	}
	if cfg.Storage.BackupDir == "" {
		cfg.Storage.BackupDir = DefaultBackupDir
	}
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = DefaultDatabase
	}

	cfg.Scheduler = models.SchedulerSettings{
		Timezone:                p.v.GetString("scheduler.timezone"),
		RefreshInterval:         p.v.GetDuration("scheduler.refresh_interval"),
		MisfireGrace:            p.v.GetDuration("scheduler.misfire_grace"),
		Workers:                 p.v.GetInt("scheduler.workers"),
		RetentionSchedule:       p.v.GetString("scheduler.retention_schedule"),
		ConnectionCheckInterval: p.v.GetDuration("scheduler.connection_check_interval"),
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Local"
	}
	if cfg.Scheduler.RefreshInterval == 0 {
		cfg.Scheduler.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Scheduler.MisfireGrace == 0 {
		cfg.Scheduler.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = DefaultWorkers
	}
	if cfg.Scheduler.RetentionSchedule == "" {
		cfg.Scheduler.RetentionSchedule = DefaultRetentionSchedule
	}

	cfg.Notifications = models.NotificationSettings{
		OnFailure:        true,
		OnSuccess:        false,
		OnConnectionLost: true,
		QueueSize:        p.v.GetInt("notifications.queue_size"),
		Workers:          p.v.GetInt("notifications.workers"),
	}
	if p.v.IsSet("notifications.on_failure") {
		cfg.Notifications.OnFailure = p.v.GetBool("notifications.on_failure")
	}
	if p.v.IsSet("notifications.on_success") {
		cfg.Notifications.OnSuccess = p.v.GetBool("notifications.on_success")
	}
	if p.v.IsSet("notifications.on_connection_lost") {
		cfg.Notifications.OnConnectionLost = p.v.GetBool("notifications.on_connection_lost")
	}
	if cfg.Notifications.QueueSize == 0 {
		cfg.Notifications.QueueSize = DefaultQueueSize
	}
	if cfg.Notifications.Workers == 0 {
		cfg.Notifications.Workers = DefaultNotifyWorkers
	}

	// Parse optional Telegram config.
	if p.v.IsSet("notifications.telegram") {
		cfg.Notifications.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("notifications.telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("notifications.telegram.chat_id")),
		}

		if cfg.Notifications.Telegram.BotToken == "" {
			return nil, fmt.Errorf("notifications.telegram.bot_token is required when telegram is configured")
		}
		if cfg.Notifications.Telegram.ChatID == "" {
			return nil, fmt.Errorf("notifications.telegram.chat_id is required when telegram is configured")
		}
	}

	// Parse optional webhook targets.
	for _, name := range []string{"discord", "slack"} {
		key := "notifications." + name
		if !p.v.IsSet(key) {
			continue
		}
		hook := &models.WebhookConfig{URL: p.expandEnv(p.v.GetString(key + ".webhook_url"))}
		if hook.URL == "" {
			return nil, fmt.Errorf("%s.webhook_url is required when %s is configured", key, name)
		}
		if name == "discord" {
			cfg.Notifications.Discord = hook
		} else {
			cfg.Notifications.Slack = hook
		}
	}

	cfg.Server = models.ServerSettings{
		Listen: p.v.GetString("server.listen"),
	}

	configurations, err := p.parseConfigurations()
	if err != nil {
		return nil, err
	}
	cfg.Configurations = configurations

	return cfg, nil
}

// configurationEntry mirrors one item of the configurations list.
type configurationEntry struct {
	Name       string `mapstructure:"name"`
	Cadence    string `mapstructure:"cadence"`
	Time       string `mapstructure:"time"`
	DayOfWeek  *int   `mapstructure:"day_of_week"`
	KeepCount  *int   `mapstructure:"keep_count"`
	MaxAgeDays *int   `mapstructure:"max_age_days"`
	Active     *bool  `mapstructure:"active"`
}

func (p *Parser) parseConfigurations() ([]models.Configuration, error) {
	var entries []configurationEntry
	if err := p.v.UnmarshalKey("configurations", &entries); err != nil {
		return nil, fmt.Errorf("parsing configurations: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	result := make([]models.Configuration, 0, len(entries))

	for i, e := range entries {
		c := models.Configuration{
			Name:       strings.TrimSpace(e.Name),
			Cadence:    models.Cadence(strings.ToLower(e.Cadence)),
			Hour:       3,
			KeepCount:  10,
			MaxAgeDays: 30,
			Active:     true,
		}
		if c.Name == "" {
			return nil, fmt.Errorf("configurations[%d].name is required", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("configurations[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true

		if c.Cadence == "" {
			c.Cadence = models.CadenceDaily
		}
		if e.Time != "" {
			hour, minute, err := parseTimeOfDay(e.Time)
			if err != nil {
				return nil, fmt.Errorf("configurations[%d].time: %w", i, err)
			}
			c.Hour, c.Minute = hour, minute
		}
		if e.DayOfWeek != nil {
			c.DayOfWeek = *e.DayOfWeek
		}
		if e.KeepCount != nil {
			c.KeepCount = *e.KeepCount
		}
		if e.MaxAgeDays != nil {
			c.MaxAgeDays = *e.MaxAgeDays
		}
		if e.Active != nil {
			c.Active = *e.Active
		}

		if err := c.Validate(); err != nil {
			return nil, err
		}
		result = append(result, c)
	}

	return result, nil
}

// parseTimeOfDay parses "HH:MM".
func parseTimeOfDay(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Storage.BackupDir == "" {
		return fmt.Errorf("storage.backup_dir is required")
	}

	if cfg.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}

	if cfg.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}

	if _, err := cron.ParseStandard(cfg.Scheduler.RetentionSchedule); err != nil {
		return fmt.Errorf("scheduler.retention_schedule: %w", err)
	}

	for _, c := range cfg.Configurations {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	return nil
}
