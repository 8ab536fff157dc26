package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// postJSON sends payload and treats any non-2xx reply as a failure, quoting
// the start of the body.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// WebhookNotifier posts each alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewWebhookNotifier(url string, log *zap.Logger) *WebhookNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: 10 * time.Second}, log: log.Named("webhook")}
}

type webhookPayload struct {
	Source string `json:"source"`
	Alert
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	if err := postJSON(ctx, w.client, w.url, webhookPayload{Source: "exitengine", Alert: alert}); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	w.log.Debug("alert delivered", zap.String("title", alert.Title))
	return nil
}

// TelegramNotifier sends alerts through the Telegram Bot API as
// MarkdownV2 messages.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	log      *zap.Logger
}

func NewTelegramNotifier(botToken, chatID string, log *zap.Logger) *TelegramNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.Named("telegram"),
	}
}

var levelBadge = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	title := alert.Title
	if alert.Symbol != "" && !strings.HasPrefix(title, alert.Symbol) {
		title = alert.Symbol + " " + title
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", levelBadge[alert.Level], escapeMarkdown(title), escapeMarkdown(alert.Message))
	if alert.EventID != "" {
		fmt.Fprintf(&b, "\n`%s`", escapeMarkdown(alert.EventID))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	err := postJSON(ctx, t.client, url, map[string]any{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		// the URL carries the bot token; keep it out of the error
		return fmt.Errorf("telegram: %s", strings.ReplaceAll(err.Error(), t.botToken, "***"))
	}
	t.log.Debug("alert delivered", zap.String("title", alert.Title))
	return nil
}

var markdownEscaper = strings.NewReplacer(
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// escapeMarkdown escapes Telegram MarkdownV2 reserved characters.
func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }
