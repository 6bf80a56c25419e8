package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/rs/zerolog"
)

const webhookTimeout = 10 * time.Second

// Embed colours.
const (
	colorSuccess        = 0x2ecc71
	colorFailure        = 0xe74c3c
	colorConnectionLost = 0xe67e22
)

func eventColor(kind models.EventKind) int {
	switch {
	case kind == models.EventConnectionLost:
		return colorConnectionLost
	case kind.Failure():
		return colorFailure
	default:
		return colorSuccess
	}
}

// webhook posts a JSON payload and checks the status code.
type webhook struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	url        string
	name       string
	accept     []int
}

func (w *webhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	w.logger.Debug().Str("target", w.name).Msg("posting webhook notification")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range w.accept {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("%s webhook returned status %d", w.name, resp.StatusCode)
}

// Discord sends events as a Discord webhook embed.
type Discord struct {
	webhook
}

// NewDiscord creates a new Discord target.
func NewDiscord(logger zerolog.Logger, url string) *Discord {
	return NewDiscordWithClient(logger, &http.Client{Timeout: webhookTimeout}, url)
}

// NewDiscordWithClient creates a new Discord target with a custom HTTP client (for testing).
func NewDiscordWithClient(logger zerolog.Logger, httpClient HTTPClient, url string) *Discord {
	return &Discord{webhook{
		httpClient: httpClient,
		logger:     logger,
		url:        url,
		name:       "discord",
		accept:     []int{http.StatusNoContent, http.StatusOK},
	}}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Name implements Target.
func (d *Discord) Name() string {
	return d.name
}

// Send implements Target.
func (d *Discord) Send(ctx context.Context, event models.Event) error {
	embed := discordEmbed{
		Title:       event.Title,
		Description: event.Message,
		Color:       eventColor(event.Kind),
		Timestamp:   event.Timestamp.UTC().Format(time.RFC3339),
	}
	if event.Configuration != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Configuration", Value: event.Configuration, Inline: true})
	}
	for _, key := range sortedKeys(event.Details) {
		embed.Fields = append(embed.Fields, discordField{Name: key, Value: event.Details[key], Inline: key != "Error"})
	}

	return d.post(ctx, discordPayload{Embeds: []discordEmbed{embed}})
}

// Slack sends events as a Slack incoming-webhook attachment.
type Slack struct {
	webhook
}

// NewSlack creates a new Slack target.
func NewSlack(logger zerolog.Logger, url string) *Slack {
	return NewSlackWithClient(logger, &http.Client{Timeout: webhookTimeout}, url)
}

// NewSlackWithClient creates a new Slack target with a custom HTTP client (for testing).
func NewSlackWithClient(logger zerolog.Logger, httpClient HTTPClient, url string) *Slack {
	return &Slack{webhook{
		httpClient: httpClient,
		logger:     logger,
		url:        url,
		name:       "slack",
		accept:     []int{http.StatusOK},
	}}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	TS     int64        `json:"ts"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

// Name implements Target.
func (s *Slack) Name() string {
	return s.name
}

// Send implements Target.
func (s *Slack) Send(ctx context.Context, event models.Event) error {
	attachment := slackAttachment{
		Color: fmt.Sprintf("#%06x", eventColor(event.Kind)),
		Title: event.Title,
		Text:  event.Message,
		TS:    event.Timestamp.Unix(),
	}
	if event.Configuration != "" {
		attachment.Fields = append(attachment.Fields, slackField{Title: "Configuration", Value: event.Configuration, Short: true})
	}
	for _, key := range sortedKeys(event.Details) {
		attachment.Fields = append(attachment.Fields, slackField{Title: key, Value: event.Details[key], Short: key != "Error"})
	}

	return s.post(ctx, slackPayload{Attachments: []slackAttachment{attachment}})
}
