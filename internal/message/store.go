// Package message provides PostgreSQL-backed storage for channel messages.
// Messages are append-only: rows are never updated after insertion except
// for the pin flag and a soft-delete marker. Retrieval is cursor-paginated
// on the message id, which is monotonically increasing, so pages are stable
// under concurrent inserts.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultListLimit is the page size used when the caller passes limit <= 0.
const DefaultListLimit = 20

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("message: not found")

	// ErrCrossChannelReply is returned when reply_to_id references a message
	// that exists but belongs to a different channel.
	ErrCrossChannelReply = errors.New("message: reply references another channel")
)

// Message is one persisted chat message.
type Message struct {
	ID        int64
	ChannelID int64
	AuthorID  int64
	Content   string
	ReplyToID *int64
	IsPinned  bool
	IsDeleted bool
	CreatedAt time.Time
}

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create appends a message to a channel and returns the stored row with its
// assigned id and timestamp. If replyTo is non-nil it must reference a
// message in the same channel; otherwise ErrCrossChannelReply is returned
// and nothing is inserted. Any other failure is a storage error the caller
// must treat as fatal for the send pipeline.
func (s *Store) Create(ctx context.Context, channelID, authorID int64, content string, replyTo *int64) (*Message, error) {
	if replyTo != nil {
		var parentChannel int64
		err := s.db.QueryRowContext(ctx,
			`SELECT channel_id FROM messages WHERE id = $1`, *replyTo,
		).Scan(&parentChannel)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("message: resolve reply: %w", err)
		}
		if parentChannel != channelID {
			return nil, ErrCrossChannelReply
		}
	}

	const query = `
		INSERT INTO messages (channel_id, author_id, content, reply_to_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	m := &Message{
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		ReplyToID: replyTo,
	}
	err := s.db.QueryRowContext(ctx, query, channelID, authorID, content, replyTo).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return m, nil
}

// Get returns a single message by id, including soft-deleted rows.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	const query = `
		SELECT id, channel_id, author_id, content, reply_to_id, is_pinned, is_deleted, created_at
		FROM messages WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.ReplyToID,
		&m.IsPinned, &m.IsDeleted, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	return &m, nil
}

// List returns up to limit messages from a channel in descending id order,
// strictly older than the beforeID cursor. beforeID 0 means "from the
// newest". The cursor is an id rather than a timestamp so that pagination
// never re-returns or skips a row relative to a fixed cursor, no matter how
// many inserts land concurrently. Soft-deleted rows are excluded.
func (s *Store) List(ctx context.Context, channelID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	const query = `
		SELECT id, channel_id, author_id, content, reply_to_id, is_pinned, is_deleted, created_at
		FROM messages
		WHERE channel_id = $1
		  AND ($2 = 0 OR id < $2)
		  AND NOT is_deleted
		ORDER BY id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, channelID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.ReplyToID,
			&m.IsPinned, &m.IsDeleted, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list rows: %w", err)
	}
	return out, nil
}

// Pin marks a message as pinned. Pinning an already-pinned message is a
// no-op; pinning a nonexistent id returns ErrNotFound.
func (s *Store) Pin(ctx context.Context, id int64) error {
	return s.setPinned(ctx, id, true)
}

// Unpin clears the pin flag. Idempotent like Pin.
func (s *Store) Unpin(ctx context.Context, id int64) error {
	return s.setPinned(ctx, id, false)
}

func (s *Store) setPinned(ctx context.Context, id int64, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_pinned = $2 WHERE id = $1`, id, pinned)
	if err != nil {
		return fmt.Errorf("message: set pinned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: set pinned rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a message as deleted without removing the row; deleted
// messages stay referenceable by strikes and replies but drop out of List.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("message: soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: soft delete rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByChannel returns the number of non-deleted messages in a channel.
func (s *Store) CountByChannel(ctx context.Context, channelID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = $1 AND NOT is_deleted`,
		channelID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("message: count: %w", err)
	}
	return count, nil
}
