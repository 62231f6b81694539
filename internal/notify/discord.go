package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	client     *resty.Client
	webhookURL string
}

// NewDiscordSender creates a DiscordSender.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		client:     resty.New().SetTimeout(10 * time.Second).SetRetryCount(1),
		webhookURL: webhookURL,
	}
}

// Send posts the title in bold followed by the message. Discord answers
// 204 No Content on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": "**" + title + "**\n" + message}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	return nil
}

// Name implements Sender.
func (d *DiscordSender) Name() string { return "discord" }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
