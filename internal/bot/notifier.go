// Package bot emits system-authored moderation notices into channels. The
// bot identity is injected configuration, not a hard-coded literal, so tests
// can substitute a fixture identity. Notices are fire-and-forget: every
// failure is logged and swallowed, because the strike or mute a notice
// announces has already been committed and must never be rolled back.
package bot

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/inkwell/chat/internal/message"
)

// Identity is the reserved bot user that authors system messages.
type Identity struct {
	UserID int64
	Name   string
}

// MessageStore persists the bot's notices so they appear in channel history
// like any other message.
type MessageStore interface {
	Create(ctx context.Context, channelID, authorID int64, content string, replyTo *int64) (*message.Message, error)
}

// Broadcaster delivers a persisted notice to the channel room.
type Broadcaster interface {
	BroadcastMessage(channelID int64, m *message.Message)
}

// Notifier writes and broadcasts bot notices.
type Notifier struct {
	identity  Identity
	messages  MessageStore
	broadcast Broadcaster
}

// NewNotifier creates a Notifier for the given bot identity.
func NewNotifier(identity Identity, messages MessageStore, broadcast Broadcaster) *Notifier {
	return &Notifier{identity: identity, messages: messages, broadcast: broadcast}
}

// Identity returns the injected bot identity.
func (n *Notifier) Identity() Identity {
	return n.identity
}

// Warn broadcasts a warning after a strike was recorded against offenderID.
func (n *Notifier) Warn(ctx context.Context, channelID, offenderID int64, reason string) {
	text := fmt.Sprintf("A message from user %d was flagged (%s). Repeated violations lead to a mute.", offenderID, reason)
	n.emit(ctx, channelID, text)
}

// MuteNotice broadcasts that offenderID has been muted until the given time.
func (n *Notifier) MuteNotice(ctx context.Context, channelID, offenderID int64, until time.Time) {
	text := fmt.Sprintf("User %d has been muted until %s for repeated violations.", offenderID, until.Format("15:04 MST"))
	n.emit(ctx, channelID, text)
}

func (n *Notifier) emit(ctx context.Context, channelID int64, text string) {
	msg, err := n.messages.Create(ctx, channelID, n.identity.UserID, text, nil)
	if err != nil {
		log.Printf("[bot] notice persist failed channel=%d: %v", channelID, err)
		return
	}
	n.broadcast.BroadcastMessage(channelID, msg)
}
