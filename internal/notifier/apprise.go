// Package notifier forwards escalated alerts to an Apprise API server.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/types"
)

const defaultKey = "vigil"

// Config locates the Apprise API.
type Config struct {
	// APIURL is the Apprise API base URL. Empty disables delivery; escalations
	// are then only logged.
	APIURL string
	// Key selects the stored Apprise configuration (POST /notify/{key}).
	Key string
	// TerminalID is included in every message.
	TerminalID string
}

// Notifier handles sending escalations via Apprise
type Notifier struct {
	cfg    Config
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time
}

// New creates a new Apprise notifier
func New(cfg Config, logger zerolog.Logger) *Notifier {
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "notifier").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

type payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type"`
	Format string `json:"format"`
}

// Escalate sends a notification for an alert nobody has acknowledged.
func (n *Notifier) Escalate(ctx context.Context, alert types.Alert) error {
	title, body := n.formatMessage(alert)
	if n.cfg.APIURL == "" {
		n.logger.Info().
			Str("alert_id", alert.ID).
			Str("title", title).
			Msg("Would send notification (Apprise not configured)")
		return nil
	}

	data, err := json.Marshal(payload{
		Title:  title,
		Body:   body,
		Type:   notifyType(alert.Priority),
		Format: "text",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/notify/%s", strings.TrimRight(n.cfg.APIURL, "/"), n.cfg.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	n.logger.Info().Str("alert_id", alert.ID).Msg("Notification sent")
	return nil
}

// formatMessage formats an alert into a notification title and body
func (n *Notifier) formatMessage(alert types.Alert) (string, string) {
	var emoji string
	switch alert.Priority {
	case types.PriorityHigh:
		emoji = "🔴"
	case types.PriorityMedium:
		emoji = "⚠️"
	default:
		emoji = "ℹ️"
	}

	title := fmt.Sprintf("%s Unacknowledged alert: %s", emoji, alert.Title)
	var b strings.Builder
	if alert.Description != "" {
		b.WriteString(alert.Description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "ID: %s\nCategory: %s\nPriority: %s\nCreated: %s (%s)",
		alert.ID, alert.Category, alert.Priority,
		alert.CreatedAt.Format(time.RFC3339), humanize.RelTime(alert.CreatedAt, n.now(), "ago", "from now"))
	if loc := alert.Location; loc != nil {
		fmt.Fprintf(&b, "\nLocation: %.5f, %.5f", loc.Lat, loc.Lon)
		if loc.Label != "" {
			fmt.Fprintf(&b, " (%s)", loc.Label)
		}
	}
	if n.cfg.TerminalID != "" {
		fmt.Fprintf(&b, "\nTerminal: %s", n.cfg.TerminalID)
	}
	return title, b.String()
}

func notifyType(p types.Priority) string {
	switch p {
	case types.PriorityHigh:
		return "failure"
	case types.PriorityMedium:
		return "warning"
	default:
		return "info"
	}
}
