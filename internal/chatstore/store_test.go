package chatstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepup/flick/internal/model"
)

func confirmedIDs(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		if e.State == StateConfirmed {
			out = append(out, e.Message.ID)
		}
	}
	return out
}

// requireOrdered checks the list invariant: a confirmed prefix ascending by
// (created_at, id), then only pending and failed entries.
func requireOrdered(t *testing.T, entries []Entry) {
	t.Helper()
	tailStarted := false
	var prev *model.Message
	for i, e := range entries {
		if e.State != StateConfirmed {
			tailStarted = true
			continue
		}
		require.False(t, tailStarted, "confirmed entry at %d after unconfirmed tail", i)
		if prev != nil {
			require.False(t, laterThan(prev, e.Message),
				"entries out of order: %s before %s", prev.ID, e.Message.ID)
		}
		prev = e.Message
	}
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	store := NewStore(srv.view("alice"), "c1")

	tag, err := store.Send(context.Background(), Draft{Content: "hello", Format: model.FormatPlain})
	require.NoError(t, err)
	require.NotEmpty(t, tag)

	entries := store.Visible()
	require.Len(t, entries, 1)
	require.Equal(t, StateConfirmed, entries[0].State)
	require.NotEmpty(t, entries[0].Message.ID)
	require.Equal(t, "hello", entries[0].Message.Content)
	require.True(t, entries[0].Message.SentBy("alice"))
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	store := NewStore(srv.view("alice"), "c1")

	_, err := store.Send(context.Background(), Draft{})
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, store.Visible())
}

func TestConcurrentSendsNoLossNoDuplicates(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")

	var failed sync.Map
	srv.createHook = func(_ string, draft Draft, tag string) error {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		if draft.Content == "drop me" {
			failed.Store(tag, true)
			return errors.New("backend down")
		}
		return nil
	}

	store := NewStore(srv.view("alice"), "c1")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("msg %d", i)
			if i%5 == 0 {
				content = "drop me"
			}
			store.Send(context.Background(), Draft{Content: content, Format: model.FormatPlain})
		}(i)
	}
	wg.Wait()

	entries := store.Visible()
	requireOrdered(t, entries)

	failCount := 0
	failed.Range(func(_, _ any) bool { failCount++; return true })

	var gotConfirmed, gotFailed int
	seen := make(map[string]bool)
	for _, e := range entries {
		switch e.State {
		case StateConfirmed:
			gotConfirmed++
			require.False(t, seen[e.Message.ID], "duplicate %s", e.Message.ID)
			seen[e.Message.ID] = true
		case StateFailed:
			gotFailed++
			require.Error(t, e.Err)
		default:
			t.Fatalf("unexpected state %s", e.State)
		}
	}
	require.Equal(t, n-failCount, gotConfirmed, "every successful create must be confirmed exactly once")
	require.Equal(t, failCount, gotFailed)
	require.Len(t, srv.messageIDs("c1"), gotConfirmed)
}

func TestFailedSendRetryAndDiscard(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")

	down := true
	srv.createHook = func(_ string, _ Draft, _ string) error {
		if down {
			return errors.New("backend down")
		}
		return nil
	}
	store := NewStore(srv.view("alice"), "c1")

	tag1, err := store.Send(context.Background(), Draft{Content: "first"})
	require.Error(t, err)
	tag2, err := store.Send(context.Background(), Draft{Content: "second"})
	require.Error(t, err)

	entries := store.Visible()
	require.Len(t, entries, 2)
	require.Equal(t, StateFailed, entries[0].State)
	require.Equal(t, StateFailed, entries[1].State)

	down = false
	require.NoError(t, store.Retry(context.Background(), tag1))
	require.True(t, store.Discard(tag2))

	entries = store.Visible()
	require.Len(t, entries, 1)
	require.Equal(t, StateConfirmed, entries[0].State)
	require.Equal(t, "first", entries[0].Message.Content)

	require.ErrorIs(t, store.Retry(context.Background(), "nope"), ErrNoSuchTag)
	require.False(t, store.Discard(tag2))
}

func TestFeedEchoBeforeCreateResponse(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	store := NewStore(srv.view("alice"), "c1")

	// The realtime echo lands while the create response is still on the
	// wire. The feed push confirms the entry first; the late response must
	// not double-append.
	var echo *model.Message
	srv.returnHook = func(msg *model.Message) {
		echo = msg
		store.ApplyNew(msg, msg.ClientTag)
	}

	_, err := store.Send(context.Background(), Draft{Content: "raced"})
	require.NoError(t, err)

	entries := store.Visible()
	require.Len(t, entries, 1)
	require.Equal(t, StateConfirmed, entries[0].State)
	require.Equal(t, echo.ID, entries[0].Message.ID)
}

func TestLoadInitialPreservesUnconfirmedTail(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "old one")
	srv.seed("c1", "bob", "old two")

	srv.createHook = func(_ string, _ Draft, _ string) error { return errors.New("down") }
	store := NewStore(srv.view("alice"), "c1")
	tag, err := store.Send(context.Background(), Draft{Content: "stuck"})
	require.Error(t, err)

	require.NoError(t, store.LoadInitial(context.Background()))

	entries := store.Visible()
	require.Len(t, entries, 3)
	require.Equal(t, "old one", entries[0].Message.Content)
	require.Equal(t, "old two", entries[1].Message.Content)
	require.Equal(t, StateFailed, entries[2].State)
	require.Equal(t, tag, entries[2].ClientTag)
	requireOrdered(t, entries)
}

func TestPaginationWalksFullHistory(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	for i := 0; i < 125; i++ {
		srv.seed("c1", "bob", fmt.Sprintf("msg %d", i))
	}

	store := NewStore(srv.view("alice"), "c1", WithPageSize(50))
	require.NoError(t, store.LoadInitial(context.Background()))
	require.True(t, store.HasMore())

	for store.HasMore() {
		require.NoError(t, store.LoadMore(context.Background()))
	}

	got := confirmedIDs(store.Visible())
	require.Equal(t, srv.messageIDs("c1"), got, "paged view must equal the server set, in order")
	requireOrdered(t, store.Visible())

	// Exhausted history stays exhausted.
	require.NoError(t, store.LoadMore(context.Background()))
	require.Equal(t, got, confirmedIDs(store.Visible()))
}

func TestPaginationDeduplicatesOverlap(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	for i := 0; i < 60; i++ {
		srv.seed("c1", "bob", fmt.Sprintf("msg %d", i))
	}

	store := NewStore(srv.view("alice"), "c1", WithPageSize(50))
	require.NoError(t, store.LoadInitial(context.Background()))

	// New rows arriving between pages shift the server windows; the cursor
	// pages by position of the oldest held row, so nothing duplicates.
	srv.seed("c1", "bob", "fresh while paging")
	require.NoError(t, store.LoadMore(context.Background()))

	got := confirmedIDs(store.Visible())
	seen := make(map[string]bool)
	for _, id := range got {
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	require.Len(t, got, 60)
}

func TestLoadsAreSingleFlight(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "hello")
	store := NewStore(srv.view("alice"), "c1")

	gen, err := store.beginLoad()
	require.NoError(t, err)
	require.ErrorIs(t, store.LoadInitial(context.Background()), ErrBusy)
	require.ErrorIs(t, store.LoadMore(context.Background()), ErrBusy)
	require.ErrorIs(t, store.Resync(context.Background()), ErrBusy)
	store.endLoad()

	require.NoError(t, store.LoadInitial(context.Background()))
	require.Equal(t, gen+1, store.resetGen)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "unread one")
	srv.seed("c1", "bob", "unread two")

	store := NewStore(srv.view("alice"), "c1")
	require.NoError(t, store.LoadInitial(context.Background()))

	require.NoError(t, store.MarkRead(context.Background()))
	require.NoError(t, store.MarkRead(context.Background()))

	for _, e := range store.Visible() {
		require.Len(t, e.Message.ReadBy, 1, "one receipt per (message, user)")
		require.Equal(t, "alice", e.Message.ReadBy[0].UserID)
		require.True(t, srv.isRead("c1", "alice", e.Message.ID))
	}
}

func TestApplyReadIgnoresRepeats(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	msg := srv.seed("c1", "alice", "seen by bob")

	store := NewStore(srv.view("alice"), "c1")
	require.NoError(t, store.LoadInitial(context.Background()))

	at := time.Now().UTC()
	store.ApplyRead("bob", []string{msg.ID}, at)
	store.ApplyRead("bob", []string{msg.ID}, at.Add(time.Minute))

	entries := store.Visible()
	require.Len(t, entries[0].Message.ReadBy, 1)
	require.Equal(t, at, entries[0].Message.ReadBy[0].ReadAt)
}

func TestApplyEditedAndDeleted(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	m1 := srv.seed("c1", "bob", "tpyo")
	m2 := srv.seed("c1", "bob", "regret")

	store := NewStore(srv.view("alice"), "c1")
	require.NoError(t, store.LoadInitial(context.Background()))

	editedAt := time.Now().UTC()
	store.ApplyEdited(m1.ID, "typo", editedAt)
	store.ApplyDeleted(m2.ID)

	entries := store.Visible()
	require.Len(t, entries, 2)
	require.Equal(t, "typo", entries[0].Message.Content)
	require.NotNil(t, entries[0].Message.EditedAt)

	// Deletion is a tombstone: the row stays, content goes.
	require.True(t, entries[1].Message.IsDeleted)
	require.Empty(t, entries[1].Message.Content)

	// Unknown ids are ignored.
	store.ApplyEdited("m9999", "ghost", editedAt)
	store.ApplyDeleted("m9999")
	require.Len(t, store.Visible(), 2)
}

func TestApplyNewInsertsInOrder(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	m1 := srv.seed("c1", "bob", "first")
	m2 := srv.seed("c1", "bob", "second")
	m3 := srv.seed("c1", "bob", "third")

	store := NewStore(srv.view("alice"), "c1")
	// Feed pushes arrive out of order.
	store.ApplyNew(m2, "")
	store.ApplyNew(m3, "")
	store.ApplyNew(m1, "")
	store.ApplyNew(m2, "")

	got := confirmedIDs(store.Visible())
	require.Equal(t, []string{m1.ID, m2.ID, m3.ID}, got)
}

func TestApplyNewIgnoresOtherChats(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.addChat("c2", "random")
	other := srv.seed("c2", "bob", "elsewhere")

	store := NewStore(srv.view("alice"), "c1")
	store.ApplyNew(other, "")
	require.Empty(t, store.Visible())
}

func TestResyncMergesMissedRows(t *testing.T) {
	srv := newFakeServer()
	srv.addChat("c1", "general")
	srv.seed("c1", "bob", "before drop")

	store := NewStore(srv.view("alice"), "c1")
	require.NoError(t, store.LoadInitial(context.Background()))
	require.Len(t, store.Visible(), 1)

	// Rows pushed while the connection was down.
	srv.seed("c1", "bob", "missed one")
	srv.seed("c1", "bob", "missed two")

	require.NoError(t, store.Resync(context.Background()))

	got := confirmedIDs(store.Visible())
	require.Equal(t, srv.messageIDs("c1"), got)
	requireOrdered(t, store.Visible())
}
