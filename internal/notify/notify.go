// Package notify posts short status messages to the messaging platform.
// Delivery is best-effort; callers log failures and move on.
package notify

import (
	"context"

	"github.com/slack-go/slack"
)

// Notifier posts a message to a channel.
type Notifier interface {
	Post(ctx context.Context, channelID, text string) error
}

// SlackNotifier posts via the Slack Web API.
type SlackNotifier struct {
	client *slack.Client
}

// NewSlack creates a Slack notifier from a bot token.
func NewSlack(token string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token)}
}

func (n *SlackNotifier) Post(ctx context.Context, channelID, text string) error {
	_, _, err := n.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false))
	return err
}

// Nop discards notifications. Used when Slack is not configured.
type Nop struct{}

func (Nop) Post(context.Context, string, string) error { return nil }
