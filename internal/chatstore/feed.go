package chatstore

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/presence"
	"github.com/stepup/flick/internal/ws"
)

const (
	feedMinBackoff = time.Second
	feedMaxBackoff = 30 * time.Second
)

// wireEvent is the server envelope. Payload stays raw until the type is known.
type wireEvent struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSFeed is the websocket implementation of Feed. It redials with backoff,
// re-subscribes the tracked topic set after every dial and signals
// Reconnected so consumers run their catch-up refetch.
type WSFeed struct {
	url    string
	events chan Event
	reconn chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSFeed dials baseURL (http or https, the scheme is rewritten) and starts
// the read loop. The token authenticates the connection via query parameter.
func NewWSFeed(baseURL, token string) (*WSFeed, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	f := &WSFeed{
		url:    u.String(),
		events: make(chan Event, 64),
		reconn: make(chan struct{}, 1),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *WSFeed) Events() <-chan Event         { return f.events }
func (f *WSFeed) Reconnected() <-chan struct{} { return f.reconn }

func (f *WSFeed) Subscribe(topics ...string) {
	f.mu.Lock()
	for _, t := range topics {
		f.topics[t] = struct{}{}
	}
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		f.send(conn, ws.IncomingEvent{Type: ws.EventSubscribe, Topics: topics})
	}
}

func (f *WSFeed) Unsubscribe(topics ...string) {
	f.mu.Lock()
	for _, t := range topics {
		delete(f.topics, t)
	}
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		f.send(conn, ws.IncomingEvent{Type: ws.EventUnsubscribe, Topics: topics})
	}
}

// Typing relays a typing signal for the chat. Also counts as user activity
// on the server side.
func (f *WSFeed) Typing(chatID string) {
	f.sendCurrent(ws.IncomingEvent{Type: ws.EventTyping, ChatID: chatID})
}

// Input reports user activity so the session does not drift to away.
func (f *WSFeed) Input() { f.sendCurrent(ws.IncomingEvent{Type: ws.EventPresenceInput}) }

// Hidden reports that the client window lost visibility.
func (f *WSFeed) Hidden() { f.sendCurrent(ws.IncomingEvent{Type: ws.EventPresenceHidden}) }

// Visible reports that the client window is visible again.
func (f *WSFeed) Visible() { f.sendCurrent(ws.IncomingEvent{Type: ws.EventPresenceVisible}) }

func (f *WSFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	close(f.done)
	if conn != nil {
		conn.Close()
	}
	f.wg.Wait()
	close(f.events)
	return nil
}

func (f *WSFeed) sendCurrent(ev ws.IncomingEvent) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		f.send(conn, ev)
	}
}

func (f *WSFeed) send(conn *websocket.Conn, ev ws.IncomingEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := conn.WriteJSON(ev); err != nil {
		logger.Warnf("feed: write %s: %v", ev.Type, err)
	}
}

func (f *WSFeed) run() {
	defer f.wg.Done()

	backoff := feedMinBackoff
	first := true
	for {
		select {
		case <-f.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			logger.Warnf("feed: dial: %v", err)
			select {
			case <-f.done:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, feedMaxBackoff)
			continue
		}
		backoff = feedMinBackoff

		f.mu.Lock()
		f.conn = conn
		topics := make([]string, 0, len(f.topics))
		for t := range f.topics {
			topics = append(topics, t)
		}
		f.mu.Unlock()

		if len(topics) > 0 {
			f.send(conn, ws.IncomingEvent{Type: ws.EventSubscribe, Topics: topics})
		}
		if !first {
			select {
			case f.reconn <- struct{}{}:
			default:
			}
		}
		first = false

		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		closed := f.closed
		f.mu.Unlock()
		conn.Close()
		if closed {
			return
		}
	}
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warnf("feed: read: %v", err)
			}
			return
		}
		var raw wireEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			logger.Warnf("feed: bad frame: %v", err)
			continue
		}
		ev, ok := decodeEvent(raw)
		if !ok {
			continue
		}
		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}

// decodeEvent maps the wire envelope onto the flat Event consumed by the
// bridge. Unknown types are dropped so server additions stay compatible.
func decodeEvent(raw wireEvent) (Event, bool) {
	ev := Event{Type: raw.Type}
	switch raw.Type {
	case ws.EventMessageNew:
		var p struct {
			ChatID    string         `json:"chat_id"`
			Message   *model.Message `json:"message"`
			ClientTag string         `json:"client_tag"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil || p.Message == nil {
			return ev, false
		}
		ev.ChatID, ev.Message, ev.ClientTag = p.ChatID, p.Message, p.ClientTag
	case ws.EventMessageEdited:
		var p struct {
			MessageID string    `json:"message_id"`
			ChatID    string    `json:"chat_id"`
			Content   string    `json:"content"`
			EditedAt  time.Time `json:"edited_at"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.MessageID, ev.ChatID, ev.Content, ev.EditedAt = p.MessageID, p.ChatID, p.Content, p.EditedAt
	case ws.EventMessageDeleted:
		var p struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.MessageID, ev.ChatID = p.MessageID, p.ChatID
	case ws.EventMessageRead:
		var p struct {
			ChatID     string   `json:"chat_id"`
			UserID     string   `json:"user_id"`
			MessageIDs []string `json:"message_ids"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.ChatID, ev.UserID, ev.MessageIDs = p.ChatID, p.UserID, p.MessageIDs
	case ws.EventListInvalidate, ws.EventChatCreated, ws.EventChatUpdated,
		ws.EventMemberAdded, ws.EventMemberRemoved:
		var p struct {
			ChatID string `json:"chat_id"`
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.ChatID, ev.UserID = p.ChatID, p.UserID
	case ws.EventPresence:
		var p struct {
			UserID string          `json:"user_id"`
			Status presence.Status `json:"status"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.UserID, ev.Status = p.UserID, p.Status
	case ws.EventTyping:
		var p struct {
			ChatID string `json:"chat_id"`
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.ChatID, ev.UserID = p.ChatID, p.UserID
	case ws.EventError:
		var p struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw.Payload, &p) != nil {
			return ev, false
		}
		ev.Content = p.Message
	default:
		return ev, false
	}
	return ev, true
}
