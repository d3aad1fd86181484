package chatstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepup/flick/internal/model"
)

func TestAggregatorLoadBuildsSortedList(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "old news")
	srv.addChat("c2", "busy")
	srv.addChat("c3", "empty")
	srv.seed("c1", "bob", "a while ago")
	srv.seed("c2", "bob", "one")
	srv.seed("c2", "carol", "two")

	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))

	rows := agg.Summaries()
	require.Len(t, rows, 3)
	// Most recent activity first; the empty chat falls back to creation time.
	require.Equal(t, "c2", rows[0].Chat.ID)
	require.Equal(t, "c1", rows[1].Chat.ID)
	require.Equal(t, "c3", rows[2].Chat.ID)

	require.Equal(t, 2, rows[0].UnreadCount)
	require.Equal(t, "two", rows[0].LastMessage.Content)
	require.Equal(t, 1, rows[1].UnreadCount)
	require.Nil(t, rows[2].LastMessage)
	require.Equal(t, 3, agg.TotalUnread())
}

func TestAggregatorUnreadSkipsOwnAndDeleted(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "alice", "mine")
	srv.seed("c1", "bob", "theirs")
	deleted := srv.seed("c1", "bob", "gone")
	srv.mu.Lock()
	for _, m := range srv.msgs["c1"] {
		if m.ID == deleted.ID {
			m.IsDeleted = true
		}
	}
	srv.mu.Unlock()

	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))

	rows := agg.Summaries()
	require.Len(t, rows, 1)
	require.Equal(t, 1, rows[0].UnreadCount)
	// The tombstone never surfaces as the last message.
	require.Equal(t, "theirs", rows[0].LastMessage.Content)
}

func TestAggregatorRefreshAddsUnknownChat(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")

	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))
	require.Len(t, agg.Summaries(), 1)

	// chat.created invalidation for a chat the list has never seen.
	srv.addChat("c2", "brand new")
	srv.seed("c2", "bob", "welcome")
	require.NoError(t, agg.Refresh(context.Background(), "c2"))

	rows := agg.Summaries()
	require.Len(t, rows, 2)
	require.Equal(t, "c2", rows[0].Chat.ID)
	require.Equal(t, 1, rows[0].UnreadCount)

	require.Error(t, agg.Refresh(context.Background(), "ghost"))
	require.Len(t, agg.Summaries(), 2)
}

func TestAggregatorRemove(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))

	agg.Remove("c1")
	require.Empty(t, agg.Summaries())
	agg.Remove("c1")
}

func TestAggregatorApplyMessageAndRead(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))

	theirs := srv.seed("c1", "bob", "ping")
	mine := srv.seed("c1", "alice", "pong")
	agg.ApplyMessage(theirs)
	agg.ApplyMessage(mine)

	rows := agg.Summaries()
	require.Equal(t, 1, rows[0].UnreadCount, "own messages are never unread")
	require.Equal(t, mine.ID, rows[0].LastMessage.ID)

	// Another user reading the chat changes nothing for the viewer.
	agg.ApplyRead("c1", "bob")
	require.Equal(t, 1, agg.TotalUnread())

	agg.ApplyRead("c1", "alice")
	require.Equal(t, 0, agg.TotalUnread())
}

func TestAggregatorLoadDegradesFailedRow(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "hello")

	backend := &flakySummaries{fakeBackend: srv.view("alice"), failFor: "c1"}
	agg := NewAggregator(backend)
	require.NoError(t, agg.Load(context.Background()))

	// The row survives with metadata only instead of dropping off the list.
	rows := agg.Summaries()
	require.Len(t, rows, 1)
	require.Equal(t, "c1", rows[0].Chat.ID)
	require.Nil(t, rows[0].LastMessage)
	require.Equal(t, 0, rows[0].UnreadCount)
}

type flakySummaries struct {
	*fakeBackend
	failFor string
}

func (f *flakySummaries) ChatSummary(ctx context.Context, chatID string) (*model.ChatSummary, error) {
	if chatID == f.failFor {
		return nil, context.DeadlineExceeded
	}
	return f.fakeBackend.ChatSummary(ctx, chatID)
}

// TestDirectChatScenario walks the happy path between two users: a send, the
// recipient's unread count, the recipient opening the chat, and the read
// receipt landing back at the sender.
func TestDirectChatScenario(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.addChat("dm", "alice & bob")

	aliceStore := NewStore(srv.view("alice"), "dm")
	bobStore := NewStore(srv.view("bob"), "dm")
	bobList := NewAggregator(srv.view("bob"))

	require.NoError(t, bobList.Load(ctx))
	require.Equal(t, 0, bobList.TotalUnread())

	// Alice sends "hello".
	_, err := aliceStore.Send(ctx, Draft{Content: "hello", Format: model.FormatPlain})
	require.NoError(t, err)
	sent := aliceStore.Visible()[0].Message

	// Bob's side: the feed pushes the row, the list invalidation refetches.
	bobStore.ApplyNew(sent, "")
	require.NoError(t, bobList.Refresh(ctx, "dm"))

	rows := bobList.Summaries()
	require.Equal(t, 1, rows[0].UnreadCount)
	require.Equal(t, "hello", rows[0].LastMessage.Content)

	bobEntries := bobStore.Visible()
	require.Len(t, bobEntries, 1)
	require.Equal(t, StateConfirmed, bobEntries[0].State)

	// Bob opens the chat and reads it.
	require.NoError(t, bobStore.MarkRead(ctx))
	require.NoError(t, bobList.Refresh(ctx, "dm"))
	require.Equal(t, 0, bobList.TotalUnread())

	// Alice receives the receipt over the feed.
	aliceStore.ApplyRead("bob", []string{sent.ID}, srv.now)
	got := aliceStore.Visible()[0].Message.ReadBy
	require.Len(t, got, 1)
	require.Equal(t, "bob", got[0].UserID)
}
