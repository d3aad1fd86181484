package presence

import (
	"context"
	"sync"
	"time"

	"github.com/stepup/flick/internal/logger"
)

const writeTimeout = 5 * time.Second

// Tracker drives the presence of a single user's session. Start writes online
// immediately and then a heartbeat goroutine rewrites the record every
// HeartbeatInterval. No input for idleAfter demotes online to away; input
// promotes back. Hidden writes offline and pauses the heartbeat, Visible
// resumes. Stop fires one last offline write without waiting for it.
type Tracker struct {
	store     Store
	userID    string
	idleAfter time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastInput time.Time
	hidden    bool
	stopped   bool

	stopCh chan struct{}
}

type TrackerOption func(*Tracker)

// WithIdleAfter overrides the idle threshold for the away transition.
func WithIdleAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.idleAfter = d }
}

// WithClock replaces the time source. Tests use it together with Beat to step
// the state machine without real timers.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// StartTracker writes online and launches the heartbeat loop.
func StartTracker(store Store, userID string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:     store,
		userID:    userID,
		idleAfter: DefaultIdleAfter,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastInput = t.now()
	t.write(StatusOnline)
	go t.loop()
	return t
}

func (t *Tracker) loop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Beat()
		}
	}
}

// Beat performs one heartbeat: rewrites the record with a fresh timestamp,
// demoting to away when the user has been idle past the threshold. While the
// session is hidden the record is left alone so the offline write stands.
func (t *Tracker) Beat() {
	t.mu.Lock()
	if t.hidden || t.stopped {
		t.mu.Unlock()
		return
	}
	status := StatusOnline
	if t.now().Sub(t.lastInput) >= t.idleAfter {
		status = StatusAway
	}
	t.mu.Unlock()
	t.write(status)
}

// Input records user activity. A session that had gone away is promoted back
// to online right away instead of waiting for the next heartbeat.
func (t *Tracker) Input() {
	t.mu.Lock()
	if t.hidden || t.stopped {
		t.mu.Unlock()
		return
	}
	wasIdle := t.now().Sub(t.lastInput) >= t.idleAfter
	t.lastInput = t.now()
	t.mu.Unlock()
	if wasIdle {
		t.write(StatusOnline)
	}
}

// Hidden marks the session backgrounded: one offline write, heartbeat paused.
func (t *Tracker) Hidden() {
	t.mu.Lock()
	if t.hidden || t.stopped {
		t.mu.Unlock()
		return
	}
	t.hidden = true
	t.mu.Unlock()
	t.write(StatusOffline)
}

// Visible resumes a hidden session.
func (t *Tracker) Visible() {
	t.mu.Lock()
	if !t.hidden || t.stopped {
		t.mu.Unlock()
		return
	}
	t.hidden = false
	t.lastInput = t.now()
	t.mu.Unlock()
	t.write(StatusOnline)
}

// Stop tears the tracker down. The final offline write is fire-and-forget
// with its own timeout: teardown must not block on a slow store, and a lost
// write only costs a stale record that readers resolve to offline anyway.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	close(t.stopCh)

	p := Presence{
		UserID:    t.userID,
		Status:    StatusOffline,
		LastSeen:  t.now(),
		UpdatedAt: t.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := t.store.Set(ctx, p); err != nil {
			logger.Errorf("presence: final offline write for %s: %v", t.userID, err)
		}
	}()
}

func (t *Tracker) write(status Status) {
	now := t.now()
	t.mu.Lock()
	lastSeen := t.lastInput
	t.mu.Unlock()
	p := Presence{
		UserID:    t.userID,
		Status:    status,
		LastSeen:  lastSeen,
		UpdatedAt: now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.store.Set(ctx, p); err != nil {
		logger.Errorf("presence: write %s for %s: %v", status, t.userID, err)
	}
}
