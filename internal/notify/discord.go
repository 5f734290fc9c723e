package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordSender delivers messages to a Discord channel via discordgo's
// REST API. Grounded on the pack's discord channel adapter
// (pkg/devclaw/channels/discord/discord.go: discordgo.New("Bot "+token),
// session.ChannelMessageSendComplex), narrowed from a full gateway-backed
// channel (presence, reactions, threads, attachments) down to the one
// thing a scheduled notification needs: send text to a channel id.
type DiscordSender struct {
	session *discordgo.Session
}

// NewDiscordSender opens a REST-only discordgo session authenticated
// with a bot token. It never calls session.Open — the scheduler has no
// need for the gateway connection, only the HTTP send path.
func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &DiscordSender{session: session}, nil
}

// Send posts message to the Discord channel identified by chatID.
func (d *DiscordSender) Send(ctx context.Context, chatID, message string) error {
	_, err := d.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: message,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord send to %s: %w", chatID, err)
	}
	return nil
}
