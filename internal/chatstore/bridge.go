package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/presence"
	"github.com/stepup/flick/internal/ws"
)

// Event is one decoded realtime notification.
type Event struct {
	Type ws.EventType

	Message   *model.Message
	ClientTag string

	ChatID     string
	MessageID  string
	UserID     string
	MessageIDs []string
	Content    string
	EditedAt   time.Time

	Status presence.Status
}

// Feed is the realtime transport: a stream of decoded events plus topic
// subscription management. Reconnected fires after the transport re-dialed
// and re-subscribed, so consumers can catch up on what they missed.
type Feed interface {
	Subscribe(topics ...string)
	Unsubscribe(topics ...string)
	Events() <-chan Event
	Reconnected() <-chan struct{}
	Close() error
}

// Bridge routes feed events to per-chat stores and the chat list. On
// reconnect each attached consumer performs exactly one catch-up refetch;
// between reconnects delivery is incremental.
type Bridge struct {
	feed   Feed
	userID string

	mu     sync.Mutex
	stores map[string]*Store
	agg    *Aggregator

	// onPresence observes presence transitions pushed on the feed.
	onPresence func(userID string, status presence.Status)

	wg sync.WaitGroup
}

type BridgeOption func(*Bridge)

func WithPresenceObserver(fn func(userID string, status presence.Status)) BridgeOption {
	return func(b *Bridge) { b.onPresence = fn }
}

func NewBridge(feed Feed, userID string, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		feed:   feed,
		userID: userID,
		stores: make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AttachStore subscribes the chat topic and routes its events to the store.
func (b *Bridge) AttachStore(s *Store) {
	b.mu.Lock()
	b.stores[s.ChatID()] = s
	b.mu.Unlock()
	b.feed.Subscribe(ws.ChatTopic(s.ChatID()))
}

// DetachStore stops routing and unsubscribes the chat topic. A fetch still
// in flight lands in a store nothing references, not in the bridge.
func (b *Bridge) DetachStore(chatID string) {
	b.mu.Lock()
	delete(b.stores, chatID)
	b.mu.Unlock()
	b.feed.Unsubscribe(ws.ChatTopic(chatID))
}

// AttachAggregator subscribes the viewer's user topic for list invalidation.
func (b *Bridge) AttachAggregator(a *Aggregator) {
	b.mu.Lock()
	b.agg = a
	b.mu.Unlock()
	b.feed.Subscribe(ws.UserTopic(b.userID))
}

// Run consumes the feed until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	b.wg.Add(1)
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.feed.Events():
			if !ok {
				return
			}
			b.dispatch(ctx, ev)
		case <-b.feed.Reconnected():
			b.catchUp(ctx)
		}
	}
}

// Wait blocks until Run has exited.
func (b *Bridge) Wait() { b.wg.Wait() }

func (b *Bridge) store(chatID string) *Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stores[chatID]
}

func (b *Bridge) aggregator() *Aggregator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agg
}

func (b *Bridge) dispatch(ctx context.Context, ev Event) {
	switch ev.Type {
	case ws.EventMessageNew:
		if ev.Message == nil {
			return
		}
		if s := b.store(ev.Message.ChatID); s != nil {
			s.ApplyNew(ev.Message, ev.ClientTag)
		}
	case ws.EventMessageEdited:
		if s := b.store(ev.ChatID); s != nil {
			s.ApplyEdited(ev.MessageID, ev.Content, ev.EditedAt)
		}
	case ws.EventMessageDeleted:
		if s := b.store(ev.ChatID); s != nil {
			s.ApplyDeleted(ev.MessageID)
		}
	case ws.EventMessageRead:
		if s := b.store(ev.ChatID); s != nil {
			s.ApplyRead(ev.UserID, ev.MessageIDs, time.Now().UTC())
		}
		if a := b.aggregator(); a != nil {
			a.ApplyRead(ev.ChatID, ev.UserID)
		}
	case ws.EventListInvalidate, ws.EventChatCreated, ws.EventChatUpdated, ws.EventMemberAdded:
		if a := b.aggregator(); a != nil {
			if err := a.Refresh(ctx, ev.ChatID); err != nil {
				logger.Warnf("chatstore: invalidate chat=%s: %v", ev.ChatID, err)
			}
		}
	case ws.EventMemberRemoved:
		a := b.aggregator()
		if a == nil {
			return
		}
		if ev.UserID == b.userID {
			a.Remove(ev.ChatID)
			b.DetachStore(ev.ChatID)
			return
		}
		if err := a.Refresh(ctx, ev.ChatID); err != nil {
			logger.Warnf("chatstore: member change chat=%s: %v", ev.ChatID, err)
		}
	case ws.EventPresence:
		if b.onPresence != nil {
			b.onPresence(ev.UserID, ev.Status)
		}
	}
}

// catchUp runs the one refetch per reconnect: every attached store merges
// the latest page, the chat list reloads.
func (b *Bridge) catchUp(ctx context.Context) {
	defer logger.DeferLogDuration("chatstore.Bridge.catchUp", time.Now())()

	b.mu.Lock()
	stores := make([]*Store, 0, len(b.stores))
	for _, s := range b.stores {
		stores = append(stores, s)
	}
	a := b.agg
	b.mu.Unlock()

	for _, s := range stores {
		if err := s.Resync(ctx); err != nil {
			logger.Warnf("chatstore: resync chat=%s: %v", s.ChatID(), err)
		}
	}
	if a != nil {
		if err := a.Load(ctx); err != nil {
			logger.Warnf("chatstore: reload chat list: %v", err)
		}
	}
}
