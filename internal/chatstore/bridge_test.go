package chatstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/presence"
	"github.com/stepup/flick/internal/ws"
)

// fakeFeed is a hand-driven Feed: tests push events and reconnect signals.
type fakeFeed struct {
	mu     sync.Mutex
	events chan Event
	reconn chan struct{}
	topics map[string]bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events: make(chan Event, 16),
		reconn: make(chan struct{}, 1),
		topics: make(map[string]bool),
	}
}

func (f *fakeFeed) Subscribe(topics ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		f.topics[t] = true
	}
}

func (f *fakeFeed) Unsubscribe(topics ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.topics, t)
	}
}

func (f *fakeFeed) Events() <-chan Event         { return f.events }
func (f *fakeFeed) Reconnected() <-chan struct{} { return f.reconn }
func (f *fakeFeed) Close() error                 { close(f.events); return nil }

func (f *fakeFeed) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[topic]
}

// countingBackend wraps a Backend and counts the refetch calls that catch-up
// is allowed to make.
type countingBackend struct {
	Backend
	mu        sync.Mutex
	listMsgs  int
	listChats int
}

func (c *countingBackend) ListMessages(ctx context.Context, chatID string, limit int, before *Cursor) ([]*model.Message, error) {
	c.mu.Lock()
	c.listMsgs++
	c.mu.Unlock()
	return c.Backend.ListMessages(ctx, chatID, limit, before)
}

func (c *countingBackend) ListChats(ctx context.Context) ([]*model.Chat, error) {
	c.mu.Lock()
	c.listChats++
	c.mu.Unlock()
	return c.Backend.ListChats(ctx)
}

func (c *countingBackend) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listMsgs, c.listChats
}

func runBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		b.Wait()
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestBridgeRoutesMessageEventsToStore(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "hello")

	store := NewStore(srv.view("alice"), "c1")
	require.NoError(t, store.LoadInitial(context.Background()))

	feed := newFakeFeed()
	bridge := NewBridge(feed, "alice")
	bridge.AttachStore(store)
	require.True(t, feed.subscribed(ws.ChatTopic("c1")))
	runBridge(t, bridge)

	pushed := srv.seed("c1", "bob", "pushed")
	feed.events <- Event{Type: ws.EventMessageNew, Message: pushed}
	waitFor(t, func() bool { return len(store.Visible()) == 2 })

	// An event for a chat without an attached store is dropped on the floor.
	srv.addChat("c2", "other")
	stray := srv.seed("c2", "bob", "elsewhere")
	feed.events <- Event{Type: ws.EventMessageNew, Message: stray}

	feed.events <- Event{Type: ws.EventMessageEdited, ChatID: "c1",
		MessageID: pushed.ID, Content: "pushed!", EditedAt: pushed.CreatedAt.Add(time.Second)}
	waitFor(t, func() bool {
		v := store.Visible()
		return v[len(v)-1].Message.Content == "pushed!"
	})

	feed.events <- Event{Type: ws.EventMessageDeleted, ChatID: "c1", MessageID: pushed.ID}
	waitFor(t, func() bool {
		v := store.Visible()
		last := v[len(v)-1].Message
		return last.IsDeleted && last.Content == ""
	})
	// The tombstone keeps its slot, so ordering is stable.
	require.Len(t, store.Visible(), 2)
}

func TestBridgeReadEventUpdatesStoreAndList(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	msg := srv.seed("c1", "alice", "seen yet?")

	store := NewStore(srv.view("alice"), "c1")
	require.NoError(t, store.LoadInitial(context.Background()))
	agg := NewAggregator(srv.view("bob"))
	require.NoError(t, agg.Load(context.Background()))
	require.Equal(t, 1, agg.TotalUnread())

	feed := newFakeFeed()
	bridge := NewBridge(feed, "bob")
	bridge.AttachStore(store)
	bridge.AttachAggregator(agg)
	require.True(t, feed.subscribed(ws.UserTopic("bob")))
	runBridge(t, bridge)

	feed.events <- Event{Type: ws.EventMessageRead, ChatID: "c1",
		UserID: "bob", MessageIDs: []string{msg.ID}}
	waitFor(t, func() bool { return agg.TotalUnread() == 0 })
	waitFor(t, func() bool {
		v := store.Visible()
		return len(v[0].Message.ReadBy) == 1 && v[0].Message.ReadBy[0].UserID == "bob"
	})
}

func TestBridgeInvalidateRefreshesList(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")

	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))
	require.Len(t, agg.Summaries(), 1)

	feed := newFakeFeed()
	bridge := NewBridge(feed, "alice")
	bridge.AttachAggregator(agg)
	runBridge(t, bridge)

	// A chat the viewer was just added to shows up on the scoped refresh.
	srv.addChat("c2", "new project")
	srv.seed("c2", "bob", "welcome")
	feed.events <- Event{Type: ws.EventMemberAdded, ChatID: "c2", UserID: "alice"}
	waitFor(t, func() bool { return len(agg.Summaries()) == 2 })

	srv.seed("c1", "bob", "bump")
	feed.events <- Event{Type: ws.EventListInvalidate, ChatID: "c1"}
	waitFor(t, func() bool {
		rows := agg.Summaries()
		return rows[0].Chat.ID == "c1" && rows[0].LastMessage != nil
	})
}

func TestBridgeMemberRemovedDropsOwnChat(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")

	store := NewStore(srv.view("alice"), "c1")
	agg := NewAggregator(srv.view("alice"))
	require.NoError(t, agg.Load(context.Background()))

	feed := newFakeFeed()
	bridge := NewBridge(feed, "alice")
	bridge.AttachStore(store)
	bridge.AttachAggregator(agg)
	runBridge(t, bridge)

	// Someone else leaving only refreshes the row.
	feed.events <- Event{Type: ws.EventMemberRemoved, ChatID: "c1", UserID: "bob"}
	// The viewer being removed drops the row and the subscription.
	feed.events <- Event{Type: ws.EventMemberRemoved, ChatID: "c1", UserID: "alice"}
	waitFor(t, func() bool { return len(agg.Summaries()) == 0 })
	require.False(t, feed.subscribed(ws.ChatTopic("c1")))

	// The detached store no longer sees pushes.
	stray := srv.seed("c1", "bob", "after removal")
	feed.events <- Event{Type: ws.EventMessageNew, Message: stray}
	feed.events <- Event{Type: ws.EventPresence, UserID: "bob", Status: presence.StatusOnline}
	waitFor(t, func() bool { return len(feed.events) == 0 })
	require.Empty(t, store.Visible())
}

func TestBridgePresenceObserver(t *testing.T) {
	feed := newFakeFeed()
	var mu sync.Mutex
	got := make(map[string]presence.Status)
	bridge := NewBridge(feed, "alice", WithPresenceObserver(func(userID string, st presence.Status) {
		mu.Lock()
		got[userID] = st
		mu.Unlock()
	}))
	runBridge(t, bridge)

	feed.events <- Event{Type: ws.EventPresence, UserID: "bob", Status: presence.StatusOnline}
	feed.events <- Event{Type: ws.EventPresence, UserID: "carol", Status: presence.StatusAway}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["bob"] == presence.StatusOnline && got["carol"] == presence.StatusAway
	})
}

func TestBridgeReconnectCatchesUpOnce(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "before the drop")

	backend := &countingBackend{Backend: srv.view("alice")}
	store := NewStore(backend, "c1")
	require.NoError(t, store.LoadInitial(context.Background()))
	agg := NewAggregator(backend)
	require.NoError(t, agg.Load(context.Background()))
	msgsBefore, chatsBefore := backend.calls()

	feed := newFakeFeed()
	bridge := NewBridge(feed, "alice")
	bridge.AttachStore(store)
	bridge.AttachAggregator(agg)
	runBridge(t, bridge)

	// Missed while disconnected.
	srv.seed("c1", "bob", "you there?")
	srv.addChat("c2", "started without you")
	srv.seed("c2", "carol", "hi")

	feed.reconn <- struct{}{}
	waitFor(t, func() bool {
		return len(store.Visible()) == 2 && len(agg.Summaries()) == 2
	})
	require.Equal(t, 3, agg.TotalUnread())

	msgsAfter, chatsAfter := backend.calls()
	// One page per attached store, one list reload. Not one per event.
	require.Equal(t, msgsBefore+1, msgsAfter)
	require.Equal(t, chatsBefore+1, chatsAfter)
}
