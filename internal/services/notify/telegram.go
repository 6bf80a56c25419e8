package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/rs/zerolog"
)

// Telegram sends events through the Telegram Bot API.
type Telegram struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
	cfg        models.TelegramConfig
}

// NewTelegram creates a new Telegram target.
func NewTelegram(logger zerolog.Logger, cfg models.TelegramConfig) *Telegram {
	return &Telegram{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
		cfg:     cfg,
	}
}

// NewTelegramWithClient creates a new Telegram target with a custom HTTP client (for testing).
func NewTelegramWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string, cfg models.TelegramConfig) *Telegram {
	return &Telegram{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		cfg:        cfg,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Name implements Target.
func (t *Telegram) Name() string {
	return "telegram"
}

// Send implements Target.
func (t *Telegram) Send(ctx context.Context, event models.Event) error {
	t.logger.Debug().
		Str("chat_id", t.cfg.ChatID).
		Str("event", string(event.Kind)).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    t.cfg.ChatID,
		Text:      formatTelegram(event),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

func formatTelegram(event models.Event) string {
	var b bytes.Buffer

	b.WriteString(fmt.Sprintf("%s <b>%s</b>\n\n", eventIcon(event.Kind), escapeHTML(event.Title)))

	if event.Configuration != "" {
		b.WriteString(fmt.Sprintf("🛡 <b>Configuration:</b> %s\n", escapeHTML(event.Configuration)))
	}
	b.WriteString(fmt.Sprintf("⏰ <b>Time:</b> %s\n", event.Timestamp.Format("2006-01-02 15:04:05")))

	if event.Message != "" {
		b.WriteString("\n")
		b.WriteString(escapeHTML(event.Message))
		b.WriteString("\n")
	}

	if len(event.Details) > 0 {
		b.WriteString("\n<b>Details:</b>\n")
		for _, key := range sortedKeys(event.Details) {
			value := escapeHTML(event.Details[key])
			if key == "Error" {
				value = "<code>" + value + "</code>"
			}
			b.WriteString(fmt.Sprintf("  • %s: %s\n", escapeHTML(key), value))
		}
	}

	return b.String()
}

func eventIcon(kind models.EventKind) string {
	switch {
	case kind == models.EventConnectionLost:
		return "🔌"
	case kind.Failure():
		return "❌"
	default:
		return "✅"
	}
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
