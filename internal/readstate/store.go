// Package readstate provides durable per-user-per-channel read state: the
// last message id a user has read and whether they have acknowledged the
// channel rules. This is deliberately separate from live room membership in
// the gateway hub — "currently connected" and "has read up to here" are
// different facts with different lifetimes.
package readstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// State is the durable read state for one (user, channel) pair.
type State struct {
	UserID            int64
	ChannelID         int64
	LastReadMessageID int64
	HasSeenRules      bool
}

// Store manages read state rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a read state store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the read state for a (user, channel), or a zero-valued State
// when the user has never touched the channel.
func (s *Store) Get(ctx context.Context, userID, channelID int64) (*State, error) {
	const query = `
		SELECT user_id, channel_id, last_read_message_id, has_seen_rules
		FROM user_channel_state
		WHERE user_id = $1 AND channel_id = $2`

	var st State
	err := s.db.QueryRowContext(ctx, query, userID, channelID).Scan(
		&st.UserID, &st.ChannelID, &st.LastReadMessageID, &st.HasSeenRules,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{UserID: userID, ChannelID: channelID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readstate: get: %w", err)
	}
	return &st, nil
}

// MarkRead advances the last-read cursor for a (user, channel). The cursor
// only moves forward: a stale mark_read from a lagging tab never rewinds it.
func (s *Store) MarkRead(ctx context.Context, userID, channelID, messageID int64) error {
	const query = `
		INSERT INTO user_channel_state (user_id, channel_id, last_read_message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, channel_id) DO UPDATE
		SET last_read_message_id = GREATEST(user_channel_state.last_read_message_id, EXCLUDED.last_read_message_id)`

	if _, err := s.db.ExecContext(ctx, query, userID, channelID, messageID); err != nil {
		return fmt.Errorf("readstate: mark read: %w", err)
	}
	return nil
}

// MarkRulesSeen records that the user has acknowledged the channel rules.
func (s *Store) MarkRulesSeen(ctx context.Context, userID, channelID int64) error {
	const query = `
		INSERT INTO user_channel_state (user_id, channel_id, has_seen_rules)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET has_seen_rules = TRUE`

	if _, err := s.db.ExecContext(ctx, query, userID, channelID); err != nil {
		return fmt.Errorf("readstate: mark rules seen: %w", err)
	}
	return nil
}
