package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveStaleReadsOffline(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Presence{UserID: "u1", Status: StatusOnline, LastSeen: t0, UpdatedAt: t0}

	require.Equal(t, StatusOnline, Resolve(p, t0.Add(45*time.Second)))
	require.Equal(t, StatusOffline, Resolve(p, t0.Add(90*time.Second)))

	p.Status = StatusAway
	require.Equal(t, StatusAway, Resolve(p, t0.Add(45*time.Second)))
	require.Equal(t, StatusOffline, Resolve(p, t0.Add(90*time.Second)))
}

func TestResolveOfflineAndEmpty(t *testing.T) {
	now := time.Now()
	require.Equal(t, StatusOffline, Resolve(Presence{Status: StatusOffline, UpdatedAt: now}, now))
	require.Equal(t, StatusOffline, Resolve(Presence{}, now))
}

func TestTrackerIdleGoesAway(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tr := StartTracker(store, "u1", WithClock(clock), WithIdleAfter(5*time.Minute))
	defer tr.Stop()

	p, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, StatusOnline, p.Status)

	// Heartbeat within the idle window keeps online.
	now = now.Add(30 * time.Second)
	tr.Beat()
	p, _ = store.Get(context.Background(), "u1")
	require.Equal(t, StatusOnline, p.Status)

	// Past the idle threshold the heartbeat demotes to away.
	now = now.Add(5 * time.Minute)
	tr.Beat()
	p, _ = store.Get(context.Background(), "u1")
	require.Equal(t, StatusAway, p.Status)

	// Input promotes back to online without waiting for a heartbeat.
	tr.Input()
	p, _ = store.Get(context.Background(), "u1")
	require.Equal(t, StatusOnline, p.Status)
}

func TestTrackerHiddenVisible(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tr := StartTracker(store, "u1", WithClock(clock))
	defer tr.Stop()

	tr.Hidden()
	p, _ := store.Get(context.Background(), "u1")
	require.Equal(t, StatusOffline, p.Status)

	// Heartbeat while hidden must not resurrect the record.
	now = now.Add(30 * time.Second)
	tr.Beat()
	p, _ = store.Get(context.Background(), "u1")
	require.Equal(t, StatusOffline, p.Status)

	tr.Visible()
	p, _ = store.Get(context.Background(), "u1")
	require.Equal(t, StatusOnline, p.Status)
}

func TestTrackerStopWritesOffline(t *testing.T) {
	store := NewMemoryStore()
	tr := StartTracker(store, "u1")
	tr.Stop()

	// Final write is fire-and-forget.
	require.Eventually(t, func() bool {
		p, err := store.Get(context.Background(), "u1")
		return err == nil && p.Status == StatusOffline
	}, time.Second, 10*time.Millisecond)

	// Idempotent.
	tr.Stop()
}

func TestMemoryStoreGetManyFallsBackToOffline(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Set(context.Background(), Presence{
		UserID: "u1", Status: StatusOnline, LastSeen: now, UpdatedAt: now,
	}))

	got, err := store.GetMany(context.Background(), []string{"u1", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, StatusOnline, got["u1"].Status)
	require.Equal(t, StatusOffline, got["ghost"].Status)
	require.Equal(t, "ghost", got["ghost"].UserID)
}
