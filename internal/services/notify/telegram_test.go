package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testTelegramConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func successEvent() models.Event {
	return models.Event{
		Kind:          models.EventBackupSuccess,
		Title:         "Backup Successful",
		Message:       "Configuration backup created",
		Configuration: "Primary",
		Timestamp:     time.Date(2026, 3, 1, 3, 0, 5, 0, time.UTC),
		Details:       map[string]string{"File size": "12 kB", "Filename": "pihole_checkpoint_primary.zip"},
	}
}

func TestTelegram_Send_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":true}")),
			}, nil
		},
	}

	target := NewTelegramWithClient(testLogger(), httpClient, "https://api.telegram.org", testTelegramConfig())

	err := target.Send(context.Background(), successEvent())

	require.NoError(t, err)

	// Verify request
	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	// Verify body
	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.Contains(t, capturedBody.Text, "Backup Successful")
	assert.Contains(t, capturedBody.Text, "Primary")
	assert.Contains(t, capturedBody.Text, "File size: 12 kB")
}

func TestTelegram_Send_FailureMessage(t *testing.T) {
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{}")),
			}, nil
		},
	}

	target := NewTelegramWithClient(testLogger(), httpClient, "https://api.telegram.org", testTelegramConfig())

	event := models.Event{
		Kind:          models.EventBackupFailed,
		Title:         "Backup Failed",
		Configuration: "Primary",
		Timestamp:     time.Now(),
		Details:       map[string]string{"Error": "appliance unreachable: connection refused"},
	}

	err := target.Send(context.Background(), event)

	require.NoError(t, err)
	assert.Contains(t, capturedBody.Text, "❌")
	assert.Contains(t, capturedBody.Text, "Backup Failed")
	assert.Contains(t, capturedBody.Text, "<code>appliance unreachable: connection refused</code>")
}

func TestTelegram_Send_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}

	target := NewTelegramWithClient(testLogger(), httpClient, "https://api.telegram.org", testTelegramConfig())

	err := target.Send(context.Background(), successEvent())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "network error")
}

func TestTelegram_Send_NonOKStatus(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":false}")),
			}, nil
		},
	}

	target := NewTelegramWithClient(testLogger(), httpClient, "https://api.telegram.org", testTelegramConfig())

	err := target.Send(context.Background(), successEvent())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestFormatTelegram(t *testing.T) {
	tests := []struct {
		name     string
		event    models.Event
		contains []string
		excludes []string
	}{
		{
			name:     "success",
			event:    successEvent(),
			contains: []string{"✅", "<b>Backup Successful</b>", "2026-03-01 03:00:05", "Filename: pihole_checkpoint_primary.zip"},
			excludes: []string{"<code>"},
		},
		{
			name: "connection lost",
			event: models.Event{
				Kind:    models.EventConnectionLost,
				Title:   "Pi-hole Connection Lost",
				Message: "Cannot reach https://pi.hole",
			},
			contains: []string{"🔌", "Cannot reach https://pi.hole"},
			excludes: []string{"Configuration:", "Details:"},
		},
		{
			name: "escapes html",
			event: models.Event{
				Kind:          models.EventRestoreFailed,
				Title:         "Restore <Failed>",
				Configuration: "A & B",
			},
			contains: []string{"Restore &lt;Failed&gt;", "A &amp; B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := formatTelegram(tt.event)
			for _, s := range tt.contains {
				assert.Contains(t, text, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, text, s)
			}
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"<script>", "&lt;script&gt;"},
		{"a & b", "a &amp; b"},
		{"<b>bold</b>", "&lt;b&gt;bold&lt;/b&gt;"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, escapeHTML(tt.input))
		})
	}
}
