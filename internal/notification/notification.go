// Package notification implements the alert port: a one-way,
// best-effort sink for human-readable reconciliation events.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds pushed by the reconciliation engine.
const (
	KindTPFilled            = "tp_filled"
	KindLimitFilled         = "limit_filled"
	KindSLFilled            = "sl_filled"
	KindBreakevenMoved      = "breakeven_moved"
	KindPositionClosed      = "position_closed"
	KindExternalIncrease    = "external_increase"
	KindSuspiciousReduction = "suspicious_reduction"
)

var kindTitles = map[string]string{
	KindTPFilled:            "🎯 Take Profit Filled",
	KindLimitFilled:         "📥 Entry Leg Filled",
	KindSLFilled:            "🛑 Stop Loss Hit",
	KindBreakevenMoved:      "⚖️ Stop Moved to Breakeven",
	KindPositionClosed:      "✅ Position Closed",
	KindExternalIncrease:    "📈 Position Increased Externally",
	KindSuspiciousReduction: "⚠️ Suspicious Reduction Detected",
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(chatID int64, kind string, fields map[string]any) error
	Name() string
	IsEnabled() bool
}

// Manager fans an event out to every enabled channel. A nil chat id is a
// strict no-op, never redirected to a default audience — that is how
// mirror-account monitors stay silent. Delivery is best-effort: failures
// are logged and never block reconciliation.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates an empty notification manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "Notifications").Logger()}
}

// AddNotifier registers a delivery channel.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notify delivers the event to all enabled channels.
func (m *Manager) Notify(chatID *int64, kind string, fields map[string]any) {
	if chatID == nil {
		return
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(*chatID, kind, fields); err != nil {
			m.logger.Warn().
				Err(err).
				Str("channel", n.Name()).
				Str("kind", kind).
				Msg("Alert delivery failed")
		}
	}
}

// formatMessage renders the event as a title plus sorted key/value lines.
func formatMessage(kind string, fields map[string]any) string {
	title, ok := kindTitles[kind]
	if !ok {
		title = kind
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(title)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n%s: %v", k, fields[k]))
	}
	return b.String()
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier delivers alerts via the Telegram Bot API, routed to the
// chat id carried by each event.
type TelegramNotifier struct {
	botToken string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration.
type TelegramConfig struct {
	BotToken string
	Enabled  bool
}

// NewTelegramNotifier creates a Telegram notifier.
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		enabled:  config.Enabled && config.BotToken != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(chatID int64, kind string, fields map[string]any) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    formatMessage(kind, fields),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier mirrors alerts into a fixed Discord webhook channel. The
// per-event chat id only gates delivery; it is not used for routing here.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration.
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a Discord notifier.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(_ int64, kind string, fields map[string]any) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if kind == KindSLFilled || kind == KindSuspiciousReduction {
		color = 0xFF0000
	}

	title := kindTitles[kind]
	if title == "" {
		title = kind
	}

	embed := map[string]any{
		"title":       title,
		"description": formatMessage(kind, fields),
		"color":       color,
		"timestamp":   time.Now().Format(time.RFC3339),
	}
	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
