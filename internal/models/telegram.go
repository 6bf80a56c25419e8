package models

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// WebhookConfig holds an incoming-webhook URL (Discord, Slack).
type WebhookConfig struct {
	URL string
}
