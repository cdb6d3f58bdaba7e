// Package channel provides read access to chat channels. Channels are
// created and retired by external admin tooling; this service only needs to
// resolve a channel id to its type and active flag before routing a send.
package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Channel types, matching the CHECK constraint on the channels table.
const (
	TypeGlobal  = "global"
	TypeRoom    = "room"
	TypePrivate = "private"
)

// ErrNotFound is returned when a channel id does not exist.
var ErrNotFound = errors.New("channel: not found")

// Channel is one chat channel.
type Channel struct {
	ID       int64
	Name     string
	Type     string
	IsActive bool
}

// Store reads channel rows from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a channel store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns a channel by id, including inactive ones; callers decide
// whether inactive channels are usable for their operation.
func (s *Store) Get(ctx context.Context, id int64) (*Channel, error) {
	const query = `SELECT id, name, type, is_active FROM channels WHERE id = $1`

	var c Channel
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Type, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("channel: get: %w", err)
	}
	return &c, nil
}

// List returns all channels, active first, then by id. Consumed by the
// collaborator-facing channel listing endpoints.
func (s *Store) List(ctx context.Context) ([]Channel, error) {
	const query = `SELECT id, name, type, is_active FROM channels ORDER BY is_active DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("channel: list: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.IsActive); err != nil {
			return nil, fmt.Errorf("channel: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channel: list rows: %w", err)
	}
	return out, nil
}
