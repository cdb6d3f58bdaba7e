package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkwell/chat/internal/channel"
	"github.com/inkwell/chat/internal/message"
	"github.com/inkwell/chat/internal/mute"
	"github.com/inkwell/chat/internal/strike"
)

// Fixed clock for all engine tests: mid-afternoon UTC, so the escalation
// window is 2026-03-14T00:00Z .. 2026-03-15T00:00Z.
var testNow = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

const (
	testBotID     = 99
	testUserID    = 7
	testChannelID = 42
	testThreshold = 3
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeChannels struct {
	ch *channel.Channel
}

func (f *fakeChannels) Get(_ context.Context, id int64) (*channel.Channel, error) {
	if f.ch != nil && f.ch.ID == id {
		return f.ch, nil
	}
	return nil, channel.ErrNotFound
}

type fakeMessages struct {
	nextID     int64
	created    []*message.Message
	failCreate bool
}

func (f *fakeMessages) Create(_ context.Context, channelID, authorID int64, content string, replyTo *int64) (*message.Message, error) {
	if f.failCreate {
		return nil, errors.New("message: insert: connection refused")
	}
	f.nextID++
	m := &message.Message{
		ID:        f.nextID,
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		ReplyToID: replyTo,
		CreatedAt: testNow,
	}
	f.created = append(f.created, m)
	return m, nil
}

type fakeStrikes struct {
	nextID  int64
	strikes []strike.Strike
	failAdd bool
}

func (f *fakeStrikes) Add(_ context.Context, userID, channelID int64, messageID *int64, score int, reason, source string, createdBy int64) (*strike.Strike, error) {
	if f.failAdd {
		return nil, errors.New("strike: insert: connection refused")
	}
	f.nextID++
	st := strike.Strike{
		ID:        f.nextID,
		UserID:    userID,
		ChannelID: channelID,
		MessageID: messageID,
		Score:     score,
		Reason:    reason,
		Source:    source,
		CreatedBy: createdBy,
		CreatedAt: testNow,
	}
	f.strikes = append(f.strikes, st)
	return &st, nil
}

func (f *fakeStrikes) SumSince(_ context.Context, userID, channelID int64, since time.Time) (int, error) {
	sum := 0
	for _, st := range f.strikes {
		if st.UserID == userID && st.ChannelID == channelID && !st.CreatedAt.Before(since) {
			sum += st.Score
		}
	}
	return sum, nil
}

type fakeMutes struct {
	nextID     int64
	mutes      []mute.Mute
	raceActive bool // Create fails with ErrActiveMute even when Active sees nothing
}

func (f *fakeMutes) Active(_ context.Context, userID, channelID int64) (*mute.Mute, error) {
	var best *mute.Mute
	for i := range f.mutes {
		m := &f.mutes[i]
		if m.UserID != userID || m.ChannelID != channelID || !m.MutedUntil.After(testNow) {
			continue
		}
		if best == nil || m.MutedUntil.After(best.MutedUntil) {
			best = m
		}
	}
	return best, nil
}

func (f *fakeMutes) Create(ctx context.Context, userID, channelID int64, mutedUntil time.Time, reason string, createdBy int64) (*mute.Mute, error) {
	if f.raceActive {
		return nil, mute.ErrActiveMute
	}
	for _, m := range f.mutes {
		if m.UserID == userID && m.ChannelID == channelID && m.Reason == reason && m.MutedUntil.After(testNow) {
			return nil, mute.ErrActiveMute
		}
	}
	f.nextID++
	m := mute.Mute{
		ID:         f.nextID,
		UserID:     userID,
		ChannelID:  channelID,
		MutedUntil: mutedUntil,
		Reason:     reason,
		CreatedBy:  createdBy,
		CreatedAt:  testNow,
	}
	f.mutes = append(f.mutes, m)
	return &m, nil
}

type fakeNotifier struct {
	warns       int
	muteNotices int
}

func (f *fakeNotifier) Warn(_ context.Context, _, _ int64, _ string) { f.warns++ }

func (f *fakeNotifier) MuteNotice(_ context.Context, _, _ int64, _ time.Time) { f.muteNotices++ }

type fakeBroadcaster struct {
	broadcasts []*message.Message
}

func (f *fakeBroadcaster) BroadcastMessage(_ int64, m *message.Message) {
	f.broadcasts = append(f.broadcasts, m)
}

// classifierFunc adapts a function to the Classifier interface.
type classifierFunc func(ctx context.Context, content string, mctx Context) Decision

func (fn classifierFunc) Classify(ctx context.Context, content string, mctx Context) Decision {
	return fn(ctx, content, mctx)
}

func alwaysOK() Classifier {
	return classifierFunc(func(context.Context, string, Context) Decision {
		return Decision{Action: ActionOK}
	})
}

func alwaysWarn(reason string) Classifier {
	return classifierFunc(func(context.Context, string, Context) Decision {
		return Decision{Action: ActionWarn, Reason: reason}
	})
}

type engineFixture struct {
	engine    *Engine
	channels  *fakeChannels
	messages  *fakeMessages
	strikes   *fakeStrikes
	mutes     *fakeMutes
	notifier  *fakeNotifier
	broadcast *fakeBroadcaster
}

func newFixture(t *testing.T, c Classifier) *engineFixture {
	t.Helper()
	f := &engineFixture{
		channels: &fakeChannels{ch: &channel.Channel{
			ID: testChannelID, Name: "general", Type: channel.TypeGlobal, IsActive: true,
		}},
		messages:  &fakeMessages{},
		strikes:   &fakeStrikes{},
		mutes:     &fakeMutes{},
		notifier:  &fakeNotifier{},
		broadcast: &fakeBroadcaster{},
	}
	f.engine = NewEngine(f.channels, f.messages, f.strikes, f.mutes, f.notifier, f.broadcast, c, Config{
		BotUserID:       testBotID,
		StrikeThreshold: testThreshold,
		WindowLoc:       time.UTC,
		Now:             func() time.Time { return testNow },
	})
	return f
}

func (f *engineFixture) seedStrikes(n int) {
	for i := 0; i < n; i++ {
		f.strikes.nextID++
		f.strikes.strikes = append(f.strikes.strikes, strike.Strike{
			ID:        f.strikes.nextID,
			UserID:    testUserID,
			ChannelID: testChannelID,
			Score:     1,
			Reason:    "spam_url",
			Source:    strike.SourceAutoRule,
			CreatedBy: testBotID,
			CreatedAt: testNow.Add(-1 * time.Hour),
		})
	}
}

// ---------------------------------------------------------------------------
// Pipeline tests
// ---------------------------------------------------------------------------

func TestHandleSend_CleanMessage(t *testing.T) {
	f := newFixture(t, alwaysOK())

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "hello", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if out.Blocked {
		t.Errorf("clean message should not be blocked")
	}
	if out.Message == nil || out.Message.Content != "hello" {
		t.Fatalf("expected persisted message, got %+v", out.Message)
	}
	if len(f.broadcast.broadcasts) != 1 {
		t.Errorf("expected 1 broadcast, got %d", len(f.broadcast.broadcasts))
	}
	if len(f.strikes.strikes) != 0 {
		t.Errorf("clean message must not create strikes, got %d", len(f.strikes.strikes))
	}
}

// Scenario: user has 0 strikes today; one WARN-triggering send yields
// exactly one strike, no mute, one bot warning.
func TestHandleSend_FirstWarning(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "visit example.com/now", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if out.Blocked {
		t.Errorf("first warning must not block the sender")
	}
	if out.Message == nil {
		t.Fatal("warned message must still be persisted")
	}
	if len(f.strikes.strikes) != 1 {
		t.Fatalf("expected 1 strike, got %d", len(f.strikes.strikes))
	}
	st := f.strikes.strikes[0]
	if st.MessageID == nil || *st.MessageID != out.Message.ID {
		t.Errorf("strike must link the offending message, got %v", st.MessageID)
	}
	if st.Source != strike.SourceAutoRule {
		t.Errorf("strike source = %q, want %q", st.Source, strike.SourceAutoRule)
	}
	if st.CreatedBy != testBotID {
		t.Errorf("strike created_by = %d, want bot %d", st.CreatedBy, testBotID)
	}
	if len(f.mutes.mutes) != 0 {
		t.Errorf("expected no mutes, got %d", len(f.mutes.mutes))
	}
	if f.notifier.warns != 1 {
		t.Errorf("expected 1 bot warning, got %d", f.notifier.warns)
	}
}

// Scenario: user has 2 strikes today; a third WARN escalates to a mute that
// lasts to the end of the current day, and the sender is told.
func TestHandleSend_Escalation(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))
	f.seedStrikes(2)

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "example.com/again", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if out.Message == nil {
		t.Fatal("escalating message must still be persisted (persist-first)")
	}
	if !out.Blocked || out.Reason != "MUTED_DUE_TO_STRIKES" {
		t.Fatalf("expected MUTED_DUE_TO_STRIKES outcome, got blocked=%v reason=%q", out.Blocked, out.Reason)
	}
	if len(f.strikes.strikes) != 3 {
		t.Errorf("expected 3 strikes, got %d", len(f.strikes.strikes))
	}
	if len(f.mutes.mutes) != 1 {
		t.Fatalf("expected exactly 1 mute, got %d", len(f.mutes.mutes))
	}

	m := f.mutes.mutes[0]
	wantUntil := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !m.MutedUntil.Equal(wantUntil) {
		t.Errorf("mute until = %s, want end of day %s", m.MutedUntil, wantUntil)
	}
	if m.Reason != mute.ReasonTooManyViolations {
		t.Errorf("mute reason = %q, want %q", m.Reason, mute.ReasonTooManyViolations)
	}
	if !out.MuteUntil.Equal(wantUntil) {
		t.Errorf("outcome mute_until = %s, want %s", out.MuteUntil, wantUntil)
	}
	if f.notifier.muteNotices != 1 {
		t.Errorf("expected 1 mute notice, got %d", f.notifier.muteNotices)
	}
}

// Scenario: a muted user sends; no message row is created, no strike is
// added, and the sender receives exactly one MUTED outcome.
func TestHandleSend_BlockedWhileMuted(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))
	until := testNow.Add(2 * time.Hour)
	f.mutes.mutes = append(f.mutes.mutes, mute.Mute{
		ID: 1, UserID: testUserID, ChannelID: testChannelID,
		MutedUntil: until, Reason: mute.ReasonTooManyViolations, CreatedBy: testBotID,
	})

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "whatever", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if !out.Blocked || out.Reason != "MUTED" {
		t.Fatalf("expected MUTED outcome, got blocked=%v reason=%q", out.Blocked, out.Reason)
	}
	if !out.MuteUntil.Equal(until) {
		t.Errorf("outcome mute_until = %s, want %s", out.MuteUntil, until)
	}
	if len(f.messages.created) != 0 {
		t.Errorf("muted send must not persist a message, got %d", len(f.messages.created))
	}
	if len(f.broadcast.broadcasts) != 0 {
		t.Errorf("muted send must not broadcast, got %d", len(f.broadcast.broadcasts))
	}
	if len(f.strikes.strikes) != 0 {
		t.Errorf("muted send must not add strikes, got %d", len(f.strikes.strikes))
	}
}

// When several mutes exist, the one with the greatest muted_until governs.
func TestHandleSend_GreatestMuteGoverns(t *testing.T) {
	f := newFixture(t, alwaysOK())
	short := testNow.Add(30 * time.Minute)
	long := testNow.Add(5 * time.Hour)
	f.mutes.mutes = append(f.mutes.mutes,
		mute.Mute{ID: 1, UserID: testUserID, ChannelID: testChannelID, MutedUntil: short, Reason: "MANUAL"},
		mute.Mute{ID: 2, UserID: testUserID, ChannelID: testChannelID, MutedUntil: long, Reason: mute.ReasonTooManyViolations},
	)

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "hi", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if !out.Blocked {
		t.Fatal("expected blocked outcome")
	}
	if !out.MuteUntil.Equal(long) {
		t.Errorf("governing mute should be the longest: got %s, want %s", out.MuteUntil, long)
	}
}

// A concurrent qualifying burst that already created the mute must not
// produce a second mute or a duplicate notice.
func TestHandleSend_EscalationIdempotent(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))
	f.seedStrikes(2)
	f.mutes.raceActive = true

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "example.com/race", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if out.Blocked {
		t.Errorf("losing the escalation race must not re-block the sender")
	}
	if len(f.mutes.mutes) != 0 {
		t.Errorf("no new mute may be created when one is already active, got %d", len(f.mutes.mutes))
	}
	if f.notifier.muteNotices != 0 {
		t.Errorf("no duplicate mute notice, got %d", f.notifier.muteNotices)
	}
}

// A storage failure at message creation aborts the pipeline: no broadcast,
// no strike, no notice.
func TestHandleSend_StorageFailureAborts(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))
	f.messages.failCreate = true

	_, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "example.com/down", nil)
	if err == nil {
		t.Fatal("expected error from storage failure")
	}
	if len(f.broadcast.broadcasts) != 0 {
		t.Errorf("aborted pipeline must not broadcast, got %d", len(f.broadcast.broadcasts))
	}
	if len(f.strikes.strikes) != 0 {
		t.Errorf("aborted pipeline must not add strikes, got %d", len(f.strikes.strikes))
	}
	if f.notifier.warns != 0 {
		t.Errorf("aborted pipeline must not notify, got %d warns", f.notifier.warns)
	}
}

// A strike-store failure after the message is persisted leaves the message
// visible and terminates the pipeline without error.
func TestHandleSend_StrikeFailureTolerated(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))
	f.strikes.failAdd = true

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "example.com/flaky", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if out.Message == nil {
		t.Fatal("message must stay persisted despite strike failure")
	}
	if len(f.broadcast.broadcasts) != 1 {
		t.Errorf("message must stay broadcast despite strike failure, got %d", len(f.broadcast.broadcasts))
	}
	if len(f.mutes.mutes) != 0 {
		t.Errorf("no escalation without a recorded strike, got %d mutes", len(f.mutes.mutes))
	}
}

func TestHandleSend_UnknownChannel(t *testing.T) {
	f := newFixture(t, alwaysOK())

	_, err := f.engine.HandleSend(context.Background(), testUserID, 555, "hi", nil)
	if !errors.Is(err, channel.ErrNotFound) {
		t.Fatalf("expected channel.ErrNotFound, got %v", err)
	}
	if len(f.messages.created) != 0 {
		t.Errorf("unknown channel must not persist, got %d", len(f.messages.created))
	}
}

func TestHandleSend_InactiveChannel(t *testing.T) {
	f := newFixture(t, alwaysOK())
	f.channels.ch.IsActive = false

	_, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "hi", nil)
	if !errors.Is(err, ErrChannelInactive) {
		t.Fatalf("expected ErrChannelInactive, got %v", err)
	}
}

// Strikes from a previous window do not count toward escalation.
func TestHandleSend_WindowRollover(t *testing.T) {
	f := newFixture(t, alwaysWarn("spam_url"))
	// Two strikes from yesterday.
	for i := 0; i < 2; i++ {
		f.strikes.nextID++
		f.strikes.strikes = append(f.strikes.strikes, strike.Strike{
			ID: f.strikes.nextID, UserID: testUserID, ChannelID: testChannelID,
			Score: 1, Reason: "spam_url", Source: strike.SourceAutoRule,
			CreatedAt: testNow.Add(-24 * time.Hour),
		})
	}

	out, err := f.engine.HandleSend(context.Background(), testUserID, testChannelID, "example.com/new-day", nil)
	if err != nil {
		t.Fatalf("HandleSend() error: %v", err)
	}
	if out.Blocked {
		t.Errorf("yesterday's strikes must not escalate today's first warning")
	}
	if len(f.mutes.mutes) != 0 {
		t.Errorf("expected no mutes, got %d", len(f.mutes.mutes))
	}
}
