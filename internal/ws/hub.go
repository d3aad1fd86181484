package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/metrics"
)

// MembershipChecker answers whether a user belongs to a chat. The hub uses it
// to authorize chat topic subscriptions.
type MembershipChecker interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// Hub fans events out by topic. A topic is either chat:<id> (one
// conversation) or user:<id> (one user's chat list). Clients join and leave
// topics over the wire; delivery to a topic touches only its subscribers.
type Hub struct {
	mu       sync.RWMutex
	topics   map[string]map[*Client]struct{}
	total    int
	maxConns int

	members MembershipChecker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(members MembershipChecker, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		topics:     make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		members:    members,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	seen := make(map[*Client]struct{}, h.total)
	for _, subs := range h.topics {
		for c := range subs {
			seen[c] = struct{}{}
		}
	}
	h.topics = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	// Close connections outside the lock (network I/O).
	for c := range seen {
		c.Close()
	}
	for c := range seen {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.total++
	h.joinLocked(c, UserTopic(c.userID))
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !c.registered() {
		h.mu.Unlock()
		return
	}
	for topic := range c.topics {
		h.leaveLocked(c, topic)
	}
	h.total--
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	// Network I/O outside the lock.
	c.Close()
}

func (h *Hub) joinLocked(c *Client, topic string) {
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	delete(c.topics, topic)
}

// HandleEvent dispatches incoming WebSocket events.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventSubscribe:
		h.handleSubscribe(ctx, c, ev.Topics)
	case EventUnsubscribe:
		h.handleUnsubscribe(c, ev.Topics)
	case EventTyping:
		if c.tracker != nil {
			c.tracker.Input()
		}
		h.handleTyping(ctx, c, ev)
	case EventPresenceInput:
		if c.tracker != nil {
			c.tracker.Input()
		}
	case EventPresenceHidden:
		if c.tracker != nil {
			c.tracker.Hidden()
		}
	case EventPresenceVisible:
		if c.tracker != nil {
			c.tracker.Visible()
		}
	default:
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "unknown event type"}})
	}
}

// handleSubscribe joins the client to the requested topics. Chat topics
// require membership; a user may only subscribe to their own user topic.
func (h *Hub) handleSubscribe(ctx context.Context, c *Client, topics []string) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, topic := range topics {
		switch {
		case strings.HasPrefix(topic, "chat:"):
			chatID := strings.TrimPrefix(topic, "chat:")
			ok, err := h.members.IsMember(ctx, chatID, c.userID)
			if err != nil {
				logger.Errorf("ws subscribe membership chat=%s user=%s: %v", chatID, c.userID, err)
				h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "internal error"}})
				continue
			}
			if !ok {
				h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "not a member of " + chatID}})
				continue
			}
		case topic == UserTopic(c.userID):
			// Already joined at registration, re-subscribing is harmless.
		default:
			h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "invalid topic " + topic}})
			continue
		}
		h.mu.Lock()
		h.joinLocked(c, topic)
		h.mu.Unlock()
	}
}

func (h *Hub) handleUnsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	for _, topic := range topics {
		if topic == UserTopic(c.userID) {
			// The user topic lives as long as the connection.
			continue
		}
		h.leaveLocked(c, topic)
	}
	h.mu.Unlock()
}

// handleTyping relays a typing indicator to the other chat subscribers.
// Not persisted, membership enforced via the topic subscription itself.
func (h *Hub) handleTyping(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		return
	}
	topic := ChatTopic(ev.ChatID)
	h.mu.RLock()
	_, subscribed := c.topics[topic]
	h.mu.RUnlock()
	if !subscribed {
		return
	}
	h.PublishExcept(topic, c.userID, OutgoingEvent{
		Type:    EventTyping,
		Payload: TypingPayload{ChatID: ev.ChatID, UserID: c.userID},
	})
}

// Publish delivers an event to every subscriber of the topic.
func (h *Hub) Publish(topic string, ev OutgoingEvent) {
	h.publish(topic, "", ev)
}

// PublishExcept delivers to every subscriber except connections of one user.
func (h *Hub) PublishExcept(topic, exceptUserID string, ev OutgoingEvent) {
	h.publish(topic, exceptUserID, ev)
}

func (h *Hub) publish(topic, exceptUserID string, ev OutgoingEvent) {
	h.mu.RLock()
	subs, ok := h.topics[topic]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		if exceptUserID != "" && c.userID == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
