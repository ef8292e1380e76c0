package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	tele "gopkg.in/telebot.v4"

	logx "farmfeed/pkg/logx"
)

// LogSink writes notifications to the application log.
type LogSink struct{ log logx.Logger }

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{logx.String("title", m.Title), logx.String("text", m.Text)}
	if m.EventID != "" {
		fields = append(fields, logx.String("event", m.EventID))
	}
	switch m.Level {
	case LevelAlert, LevelWarn:
		l.log.Warn("notification", fields...)
	default:
		l.log.Info("notification", fields...)
	}
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint. Empty means api.telegram.org.
	APIURL string
}

// TelegramSink posts notifications to one chat (optionally a forum topic).
type TelegramSink struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline skips getMe; this sink only sends.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: sendTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}
	_, err := t.bot.Send(t.chat, renderText(m), &tele.SendOptions{
		ThreadID:              t.thread,
		DisableWebPagePreview: true,
	})
	return err
}

func renderText(m Message) string {
	var b strings.Builder
	switch m.Level {
	case LevelAlert:
		b.WriteString("[ALERT] ")
	case LevelWarn:
		b.WriteString("[WARN] ")
	}
	if m.Title != "" {
		b.WriteString(m.Title)
		b.WriteString("\n")
	}
	b.WriteString(m.Text)
	return b.String()
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// WebhookSink POSTs each notification as JSON.
// 4xx responses other than 429 are not retried.
type WebhookSink struct {
	url  string
	http *http.Client
}

type webhookPayload struct {
	Title   string         `json:"title"`
	Text    string         `json:"text"`
	Level   string         `json:"level"`
	EventID string         `json:"event_id,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, fmt.Errorf("webhook url %q must be http(s)", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{url: u, http: &http.Client{Timeout: timeout}}, nil
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(webhookPayload{
		Title: m.Title, Text: m.Text, Level: m.Level.String(),
		EventID: m.EventID, Outcome: m.Outcome, At: m.At, Fields: m.Fields,
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode webhook payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
}
