// Package notify implements the scheduler's default NotificationSender:
// a Router that dispatches a message to one of several chat-platform
// senders by channel name. Jobs name a channel ("discord", "slack",
// "telegram", ...) in their SystemEvent or AgentTurn payload; the router
// is how that name turns into an actual delivered message.
//
// This is the scheduler's own notification fan-out, not the host
// application's: a job that names a channel in its payload needs
// something on the other end, and the router is the default something.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/jobkeep/internal/callback"
)

// ChannelSender delivers message to chatID on one specific chat platform.
type ChannelSender interface {
	Send(ctx context.Context, chatID, message string) error
}

// Router implements callback.NotificationSender by looking up the
// sender registered for a payload's Channel field and delegating to it.
type Router struct {
	mu      sync.RWMutex
	senders map[string]ChannelSender
}

// NewRouter creates an empty router. Register channel senders with
// Register before passing the router to the scheduler as its Notifier.
func NewRouter() *Router {
	return &Router{senders: make(map[string]ChannelSender)}
}

// Register associates channel (e.g. "discord", "slack", "telegram")
// with sender, replacing any sender already registered for that name.
func (r *Router) Register(channel string, sender ChannelSender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = sender
	return r
}

// Send implements callback.NotificationSender.
func (r *Router) Send(ctx context.Context, channel, chatID, message string) error {
	r.mu.RLock()
	sender, ok := r.senders[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notify: no sender registered for channel %q", channel)
	}
	return sender.Send(ctx, chatID, message)
}

var _ callback.NotificationSender = (*Router)(nil)
