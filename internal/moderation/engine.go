// Package moderation implements the chat moderation pipeline: content
// classification, the strike/mute escalation state machine, and the engine
// that drives both for every inbound send.
//
// The per-(user, channel) state over a rolling window is
//
//	CLEAN -> WARNED -> ... -> MUTED -> (expiry) -> CLEAN
//
// driven by classifier WARN decisions accumulating strike score until the
// escalation threshold issues a mute that lasts to the end of the window.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/inkwell/chat/internal/channel"
	"github.com/inkwell/chat/internal/message"
	"github.com/inkwell/chat/internal/metrics"
	"github.com/inkwell/chat/internal/mute"
	"github.com/inkwell/chat/internal/strike"
)

// ErrChannelInactive is returned for sends into a retired channel.
var ErrChannelInactive = errors.New("moderation: channel is inactive")

// ChannelStore resolves channel ids.
type ChannelStore interface {
	Get(ctx context.Context, id int64) (*channel.Channel, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, channelID, authorID int64, content string, replyTo *int64) (*message.Message, error)
}

// StrikeStore records and sums strikes.
type StrikeStore interface {
	Add(ctx context.Context, userID, channelID int64, messageID *int64, score int, reason, source string, createdBy int64) (*strike.Strike, error)
	SumSince(ctx context.Context, userID, channelID int64, since time.Time) (int, error)
}

// MuteStore looks up and creates mutes.
type MuteStore interface {
	Active(ctx context.Context, userID, channelID int64) (*mute.Mute, error)
	Create(ctx context.Context, userID, channelID int64, mutedUntil time.Time, reason string, createdBy int64) (*mute.Mute, error)
}

// Notifier emits system-authored moderation notices. Implementations must
// swallow their own failures; the engine never checks them.
type Notifier interface {
	Warn(ctx context.Context, channelID, offenderID int64, reason string)
	MuteNotice(ctx context.Context, channelID, offenderID int64, until time.Time)
}

// Broadcaster delivers a persisted message to everyone in its channel room.
type Broadcaster interface {
	BroadcastMessage(channelID int64, m *message.Message)
}

// Config holds engine tuning. The bot identity is injected, never
// hard-coded, so tests can substitute a fixture identity.
type Config struct {
	BotUserID       int64          // author of auto strikes and mutes
	StrikeThreshold int            // windowed score that triggers a mute
	WindowLoc       *time.Location // escalation window day boundary
	Now             func() time.Time
}

// Engine orchestrates the moderation state machine for inbound sends.
type Engine struct {
	channels   ChannelStore
	messages   MessageStore
	strikes    StrikeStore
	mutes      MuteStore
	notifier   Notifier
	broadcast  Broadcaster
	classifier Classifier
	cfg        Config
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(channels ChannelStore, messages MessageStore, strikes StrikeStore, mutes MuteStore, notifier Notifier, broadcast Broadcaster, classifier Classifier, cfg Config) *Engine {
	if cfg.WindowLoc == nil {
		cfg.WindowLoc = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		channels:   channels,
		messages:   messages,
		strikes:    strikes,
		mutes:      mutes,
		notifier:   notifier,
		broadcast:  broadcast,
		classifier: classifier,
		cfg:        cfg,
	}
}

// Outcome is what HandleSend reports back to the gateway. Message is the
// persisted row when one was created. Blocked with an empty Message means
// the send was rejected before persistence (active mute); Blocked alongside
// a Message means the message went through but the sender is now muted by
// escalation.
type Outcome struct {
	Message   *message.Message
	Blocked   bool
	Reason    string // MUTED or MUTED_DUE_TO_STRIKES
	MuteUntil time.Time
}

// HandleSend runs the full pipeline for one inbound send:
//
//  1. mute check — an active mute rejects before persistence, no strike
//  2. classify via the injected capability
//  3. persist-first — the message is stored and broadcast regardless of
//     the decision; consequences apply to an already-visible message
//  4. on WARN: record a strike and broadcast a bot warning
//  5. escalation — when the windowed score crosses the threshold, create a
//     mute to the end of the window and notify
//
// A storage failure at step 3 aborts everything after it. Once the message
// is persisted the pipeline always runs to a terminal state: later failures
// are logged, never retried, and never roll back committed effects.
func (e *Engine) HandleSend(ctx context.Context, userID, channelID int64, content string, replyTo *int64) (*Outcome, error) {
	ch, err := e.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, ErrChannelInactive
	}

	active, err := e.mutes.Active(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("moderation: mute check: %w", err)
	}

	decision := e.classifier.Classify(ctx, content, Context{
		UserID:      userID,
		ChannelID:   channelID,
		ChannelType: ch.Type,
	})

	v := Evaluate(active != nil, decision)
	if v.Blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return &Outcome{
			Blocked:   true,
			Reason:    "MUTED",
			MuteUntil: active.MutedUntil,
		}, nil
	}

	msg, err := e.messages.Create(ctx, channelID, userID, content, replyTo)
	if err != nil {
		return nil, err
	}
	e.broadcast.BroadcastMessage(channelID, msg)
	metrics.MessagesTotal.WithLabelValues("created").Inc()

	out := &Outcome{Message: msg}
	if !v.Warn {
		return out, nil
	}

	// Consequences for a WARN. The message is already visible; from here on
	// failures are logged and the pipeline continues to its terminal state.
	metrics.MessagesTotal.WithLabelValues("warned").Inc()

	if _, err := e.strikes.Add(ctx, userID, channelID, &msg.ID, 1, v.Reason, strike.SourceAutoRule, e.cfg.BotUserID); err != nil {
		log.Printf("[moderation] strike add failed user=%d channel=%d: %v", userID, channelID, err)
		return out, nil
	}
	metrics.StrikesTotal.Inc()

	e.notifier.Warn(ctx, channelID, userID, v.Reason)

	now := e.cfg.Now()
	sum, err := e.strikes.SumSince(ctx, userID, channelID, WindowStart(now, e.cfg.WindowLoc))
	if err != nil {
		log.Printf("[moderation] strike sum failed user=%d channel=%d: %v", userID, channelID, err)
		return out, nil
	}
	if !ShouldEscalate(sum, e.cfg.StrikeThreshold) {
		return out, nil
	}

	until := WindowEnd(now, e.cfg.WindowLoc)
	m, err := e.mutes.Create(ctx, userID, channelID, until, mute.ReasonTooManyViolations, e.cfg.BotUserID)
	if errors.Is(err, mute.ErrActiveMute) {
		// A concurrent burst already escalated this pair. Exactly one mute
		// and one notice per burst: nothing more to do.
		return out, nil
	}
	if err != nil {
		log.Printf("[moderation] mute create failed user=%d channel=%d: %v", userID, channelID, err)
		return out, nil
	}
	metrics.MutesTotal.Inc()
	log.Printf("[moderation] escalated user=%d channel=%d strikes=%d until=%s", userID, channelID, sum, m.MutedUntil.Format(time.RFC3339))

	e.notifier.MuteNotice(ctx, channelID, userID, m.MutedUntil)

	out.Blocked = true
	out.Reason = "MUTED_DUE_TO_STRIKES"
	out.MuteUntil = m.MutedUntil
	return out, nil
}
