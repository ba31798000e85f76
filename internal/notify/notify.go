// Package notify relays short agent notices (ring and lock received, session
// expired) to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
)

// Notifier posts a text notice.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Slack ---

// Slack posts to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	username   string
}

// NewSlack creates a Slack notifier. Username labels the message sender.
func NewSlack(webhookURL, username string) (*Slack, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("notify: slack webhook url is required")
	}
	return &Slack{webhookURL: webhookURL, username: username}, nil
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, text string) error {
	msg := &slack.WebhookMessage{Text: text, Username: s.username}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

// --- Discord ---

// webhookExecutor is the subset of *discordgo.Session used here.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts to a Discord channel webhook.
type Discord struct {
	sess     webhookExecutor
	id       string
	token    string
	username string
}

// NewDiscord creates a Discord notifier from a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscord(webhookURL, username string) (*Discord, error) {
	id, token, err := ParseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authorized by the token in the URL; no bot token.
	sess, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{sess: sess, id: id, token: token, username: username}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, text string) error {
	params := &discordgo.WebhookParams{Content: text, Username: d.username}
	if _, err := d.sess.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

// ParseDiscordWebhook extracts the webhook id and token from its URL.
func ParseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: %q is not a discord webhook url", raw)
}
