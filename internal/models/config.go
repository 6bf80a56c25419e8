// Package models contains the data structures used throughout gocheckpoint.
package models

import "time"

// AppConfig holds the complete configuration of a gocheckpoint process.
type AppConfig struct {
	Pihole         PiholeConfig
	Storage        StorageSettings
	Scheduler      SchedulerSettings
	Notifications  NotificationSettings
	Server         ServerSettings
	Configurations []Configuration
}

// PiholeConfig holds appliance credentials read from the config file.
// Empty fields fall back to the PIHOLE_* environment variables at lookup time.
type PiholeConfig struct {
	URL       string
	Password  string
	VerifySSL *bool // nil if not set in the file
}

// StorageSettings defines where artifacts and metadata live.
type StorageSettings struct {
	BackupDir string
	Database  string // sqlite path or postgres:// DSN
}

// SchedulerSettings controls the recurring job engine.
type SchedulerSettings struct {
	Timezone                string
	RefreshInterval         time.Duration
	MisfireGrace            time.Duration
	Workers                 int
	RetentionSchedule       string // cron spec
	ConnectionCheckInterval time.Duration // 0 disables
}

// NotificationSettings controls which events are sent and where.
type NotificationSettings struct {
	OnFailure        bool
	OnSuccess        bool
	OnConnectionLost bool
	QueueSize        int
	Workers          int
	Telegram         *TelegramConfig // nil if not configured
	Discord          *WebhookConfig  // nil if not configured
	Slack            *WebhookConfig  // nil if not configured
}

// ServerSettings holds the metrics/health listener.
type ServerSettings struct {
	Listen string // empty disables the listener
}
