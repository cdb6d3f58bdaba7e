package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inkwell/chat/internal/message"
)

type memStore struct {
	nextID  int64
	created []*message.Message
	fail    bool
}

func (s *memStore) Create(_ context.Context, channelID, authorID int64, content string, replyTo *int64) (*message.Message, error) {
	if s.fail {
		return nil, errors.New("message: insert: connection refused")
	}
	s.nextID++
	m := &message.Message{
		ID:        s.nextID,
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		ReplyToID: replyTo,
		CreatedAt: time.Now(),
	}
	s.created = append(s.created, m)
	return m, nil
}

type memBroadcast struct {
	sent []*message.Message
}

func (b *memBroadcast) BroadcastMessage(_ int64, m *message.Message) {
	b.sent = append(b.sent, m)
}

func TestWarn_PersistsAndBroadcasts(t *testing.T) {
	store := &memStore{}
	bc := &memBroadcast{}
	n := NewNotifier(Identity{UserID: 99, Name: "InkBot"}, store, bc)

	n.Warn(context.Background(), 42, 7, "spam_url")

	if len(store.created) != 1 {
		t.Fatalf("expected 1 persisted notice, got %d", len(store.created))
	}
	notice := store.created[0]
	if notice.AuthorID != 99 {
		t.Errorf("notice author = %d, want bot 99", notice.AuthorID)
	}
	if notice.ChannelID != 42 {
		t.Errorf("notice channel = %d, want 42", notice.ChannelID)
	}
	if !strings.Contains(notice.Content, "user 7") || !strings.Contains(notice.Content, "spam_url") {
		t.Errorf("notice content = %q", notice.Content)
	}
	if len(bc.sent) != 1 || bc.sent[0].ID != notice.ID {
		t.Errorf("expected the persisted notice to be broadcast, got %+v", bc.sent)
	}
}

func TestMuteNotice_IncludesExpiry(t *testing.T) {
	store := &memStore{}
	bc := &memBroadcast{}
	n := NewNotifier(Identity{UserID: 99, Name: "InkBot"}, store, bc)

	until := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	n.MuteNotice(context.Background(), 42, 7, until)

	if len(store.created) != 1 {
		t.Fatalf("expected 1 persisted notice, got %d", len(store.created))
	}
	content := store.created[0].Content
	if !strings.Contains(content, "User 7") || !strings.Contains(content, "muted") {
		t.Errorf("notice content = %q", content)
	}
	if !strings.Contains(content, until.Format("15:04 MST")) {
		t.Errorf("notice must include the expiry time, got %q", content)
	}
}

// A failed persist is swallowed: nothing is broadcast and nothing panics,
// because the strike or mute being announced is already committed.
func TestNotice_PersistFailureSwallowed(t *testing.T) {
	store := &memStore{fail: true}
	bc := &memBroadcast{}
	n := NewNotifier(Identity{UserID: 99, Name: "InkBot"}, store, bc)

	n.Warn(context.Background(), 42, 7, "spam_url")

	if len(bc.sent) != 0 {
		t.Errorf("unpersisted notice must not be broadcast, got %d", len(bc.sent))
	}
}
