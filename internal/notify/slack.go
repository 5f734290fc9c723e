package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSender delivers messages to a Slack channel via the Web API's
// chat.postMessage method.
type SlackSender struct {
	client *slack.Client
}

// NewSlackSender creates a sender authenticated with a bot token
// ("xoxb-...").
func NewSlackSender(token string) *SlackSender {
	return &SlackSender{client: slack.New(token)}
}

// Send posts message to the Slack channel or user identified by chatID.
func (s *SlackSender) Send(ctx context.Context, chatID, message string) error {
	_, _, err := s.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("notify: slack send to %s: %w", chatID, err)
	}
	return nil
}
