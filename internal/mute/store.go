// Package mute provides PostgreSQL-backed storage for time-boxed send
// restrictions. Mute rows are append-only: a mute expires by timestamp
// comparison and is never deleted or deactivated, so the full restriction
// history of a (user, channel) pair stays auditable.
package mute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReasonTooManyViolations is the reason recorded on mutes created by
// automatic strike escalation.
const ReasonTooManyViolations = "TOO_MANY_VIOLATIONS"

// ErrActiveMute is returned by Create when an active mute with the same
// reason already exists for the (user, channel) pair. Escalation treats
// this as "someone else already muted for this burst" and creates nothing.
var ErrActiveMute = errors.New("mute: active mute already exists")

// Mute is one recorded restriction.
type Mute struct {
	ID         int64
	UserID     int64
	ChannelID  int64
	MutedUntil time.Time
	Reason     string
	CreatedBy  int64
	CreatedAt  time.Time
}

// Store manages mute records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a mute store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Active returns the governing mute for (user, channel): the row with the
// greatest muted_until, provided that value is still in the future. Returns
// nil when the user is not muted in the channel.
func (s *Store) Active(ctx context.Context, userID, channelID int64) (*Mute, error) {
	const query = `
		SELECT id, user_id, channel_id, muted_until, reason, created_by, created_at
		FROM mutes
		WHERE user_id = $1 AND channel_id = $2 AND muted_until > NOW()
		ORDER BY muted_until DESC
		LIMIT 1`

	var m Mute
	err := s.db.QueryRowContext(ctx, query, userID, channelID).Scan(
		&m.ID, &m.UserID, &m.ChannelID, &m.MutedUntil, &m.Reason, &m.CreatedBy, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mute: active: %w", err)
	}
	return &m, nil
}

// Create inserts a mute unless an active mute with the same reason already
// exists for the pair, in which case it returns ErrActiveMute and inserts
// nothing. Prior mutes are never touched.
//
// The check-and-create must be atomic: two near-simultaneous qualifying
// bursts can both pass an unguarded read before either insert lands. The
// transaction takes a pg_advisory_xact_lock keyed on (user, channel), which
// serializes concurrent creators for the pair without locking any rows; the
// lock is released automatically at commit or rollback.
func (s *Store) Create(ctx context.Context, userID, channelID int64, mutedUntil time.Time, reason string, createdBy int64) (*Mute, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mute: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('mute:' || $1 || ':' || $2, 0))`,
		userID, channelID,
	); err != nil {
		return nil, fmt.Errorf("mute: advisory lock: %w", err)
	}

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM mutes
		 WHERE user_id = $1 AND channel_id = $2 AND reason = $3 AND muted_until > NOW()
		 LIMIT 1`,
		userID, channelID, reason,
	).Scan(&existing)
	if err == nil {
		return nil, ErrActiveMute
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mute: check active: %w", err)
	}

	m := &Mute{
		UserID:     userID,
		ChannelID:  channelID,
		MutedUntil: mutedUntil,
		Reason:     reason,
		CreatedBy:  createdBy,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO mutes (user_id, channel_id, muted_until, reason, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		userID, channelID, mutedUntil, reason, createdBy,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("mute: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mute: commit: %w", err)
	}
	return m, nil
}

// History returns all mutes for a (user, channel), newest first, including
// expired ones.
func (s *Store) History(ctx context.Context, userID, channelID int64) ([]Mute, error) {
	const query = `
		SELECT id, user_id, channel_id, muted_until, reason, created_by, created_at
		FROM mutes
		WHERE user_id = $1 AND channel_id = $2
		ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("mute: history: %w", err)
	}
	defer rows.Close()

	var out []Mute
	for rows.Next() {
		var m Mute
		if err := rows.Scan(
			&m.ID, &m.UserID, &m.ChannelID, &m.MutedUntil, &m.Reason, &m.CreatedBy, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("mute: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mute: history rows: %w", err)
	}
	return out, nil
}
