// Package mattermost provides webhook client for sending operator alerts to Mattermost.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

const (
	botUsername   = "Contribution Ledger"
	colorDanger   = "#d24b4e"
	colorWarning  = "#e8a33d"
	maxReasonSize = 500
)

// Client handles Mattermost webhook notifications.
type Client struct {
	webhookURL string
	channel    string
	enabled    bool
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a new Mattermost client.
func NewClient(cfg *config.MattermostConfig, log *logger.Logger) *Client {
	return &Client{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		enabled:    cfg.Enabled,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Message represents a Mattermost message payload.
type Message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Text        string       `json:"text,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a message attachment.
type Attachment struct {
	Fallback string  `json:"fallback,omitempty"`
	Color    string  `json:"color,omitempty"`
	Pretext  string  `json:"pretext,omitempty"`
	Title    string  `json:"title,omitempty"`
	Text     string  `json:"text,omitempty"`
	Fields   []Field `json:"fields,omitempty"`
	Footer   string  `json:"footer,omitempty"`
}

// Field represents a message field.
type Field struct {
	Short bool   `json:"short"`
	Title string `json:"title"`
	Value string `json:"value"`
}

// SendMessage sends a message to Mattermost.
func (c *Client) SendMessage(ctx context.Context, msg *Message) error {
	if !c.enabled {
		c.log.Debug().Msg("Mattermost is disabled, skipping message")
		return nil
	}

	if msg.Channel == "" {
		msg.Channel = c.channel
	}
	if msg.Username == "" {
		msg.Username = botUsername
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Mattermost: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mattermost returned status %d", resp.StatusCode)
	}

	c.log.Debug().
		Str("channel", msg.Channel).
		Msg("Sent message to Mattermost")

	return nil
}

// NotifyDeadLetter tells operators that a fact could not be applied.
func (c *Client) NotifyDeadLetter(ctx context.Context, deadLetter *models.DeadLetter) error {
	color := colorDanger
	if deadLetter.ErrorClass == "invalid" {
		color = colorWarning
	}

	reason := deadLetter.Reason
	if len(reason) > maxReasonSize {
		reason = reason[:maxReasonSize] + "…"
	}

	return c.SendMessage(ctx, &Message{
		Text: fmt.Sprintf("#### Dead-lettered %s fact", deadLetter.FactType),
		Attachments: []Attachment{{
			Fallback: fmt.Sprintf("Fact %s dead-lettered: %s", deadLetter.FactID, reason),
			Color:    color,
			Text:     "```\n" + reason + "\n```",
			Fields: []Field{
				{Short: true, Title: "Fact ID", Value: deadLetter.FactID},
				{Short: true, Title: "Error class", Value: deadLetter.ErrorClass},
				{Short: true, Title: "Attempts", Value: strconv.Itoa(deadLetter.Attempts)},
				{Short: true, Title: "Dead letter", Value: fmt.Sprintf("#%d", deadLetter.ID)},
			},
			Footer: "GET /api/v1/dead-letters",
		}},
	})
}

// SendSweeperSummary reports a longevity sweep that paid at least one bonus or hit failures.
func (c *Client) SendSweeperSummary(ctx context.Context, paid, failed int, took time.Duration) error {
	if paid == 0 && failed == 0 {
		return nil
	}

	text := fmt.Sprintf("Longevity sweep paid **%d** bonus(es) in %s.", paid, took.Round(time.Millisecond))
	if failed > 0 {
		text += fmt.Sprintf("\n:warning: %d contribution(s) failed and will be retried on the next run.", failed)
	}
	return c.SendMessage(ctx, &Message{Text: text})
}
