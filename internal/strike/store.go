// Package strike provides PostgreSQL-backed storage for moderation strikes.
// A strike is a demerit issued against a (user, channel) pair, either
// automatically by the moderation engine or manually by an admin routed
// through the same registry. Strikes are append-only and never mutated, so
// the windowed score sum is monotonic non-decreasing until the window rolls
// over.
package strike

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Strike sources, matching the CHECK constraint on the strikes table.
const (
	SourceAutoRule = "AUTO_RULE"
	SourceAutoAI   = "AUTO_AI"
	SourceManual   = "MANUAL"
)

// Strike is one recorded demerit.
type Strike struct {
	ID        int64
	UserID    int64
	ChannelID int64
	MessageID *int64 // message that earned the strike, if any
	Score     int
	Reason    string
	Source    string
	CreatedBy int64
	CreatedAt time.Time
}

// Store manages strike records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a strike store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add appends a strike and returns the stored row. Score must be positive;
// the table's CHECK constraint rejects anything else.
func (s *Store) Add(ctx context.Context, userID, channelID int64, messageID *int64, score int, reason, source string, createdBy int64) (*Strike, error) {
	const query = `
		INSERT INTO strikes (user_id, channel_id, message_id, score, reason, source, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	st := &Strike{
		UserID:    userID,
		ChannelID: channelID,
		MessageID: messageID,
		Score:     score,
		Reason:    reason,
		Source:    source,
		CreatedBy: createdBy,
	}
	err := s.db.QueryRowContext(ctx, query,
		userID, channelID, messageID, score, reason, source, createdBy,
	).Scan(&st.ID, &st.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("strike: insert: %w", err)
	}
	return st, nil
}

// Recent returns strikes for a (user, channel) created at or after since,
// newest first. Used for audit display alongside the escalation sum.
func (s *Store) Recent(ctx context.Context, userID, channelID int64, since time.Time) ([]Strike, error) {
	const query = `
		SELECT id, user_id, channel_id, message_id, score, reason, source, created_by, created_at
		FROM strikes
		WHERE user_id = $1 AND channel_id = $2 AND created_at >= $3
		ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, channelID, since)
	if err != nil {
		return nil, fmt.Errorf("strike: recent: %w", err)
	}
	defer rows.Close()

	var out []Strike
	for rows.Next() {
		var st Strike
		if err := rows.Scan(
			&st.ID, &st.UserID, &st.ChannelID, &st.MessageID,
			&st.Score, &st.Reason, &st.Source, &st.CreatedBy, &st.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("strike: scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strike: recent rows: %w", err)
	}
	return out, nil
}

// SumSince returns the total strike score for a (user, channel) accumulated
// at or after since. This is the value the moderation engine compares
// against the escalation threshold.
func (s *Store) SumSince(ctx context.Context, userID, channelID int64, since time.Time) (int, error) {
	const query = `
		SELECT COALESCE(SUM(score), 0)
		FROM strikes
		WHERE user_id = $1 AND channel_id = $2 AND created_at >= $3`

	var sum int
	err := s.db.QueryRowContext(ctx, query, userID, channelID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("strike: sum since: %w", err)
	}
	return sum, nil
}
