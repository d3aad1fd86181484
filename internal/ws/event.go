package ws

import (
	"time"

	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/presence"
)

type EventType string

const (
	// Client -> server.
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventTyping      EventType = "typing"
	// Presence signals from the client session: user activity and tab
	// visibility drive the server-side tracker.
	EventPresenceInput   EventType = "presence.input"
	EventPresenceHidden  EventType = "presence.hidden"
	EventPresenceVisible EventType = "presence.visible"

	// Server -> client.
	EventMessageNew     EventType = "message.new"
	EventMessageEdited  EventType = "message.edited"
	EventMessageDeleted EventType = "message.deleted"
	EventMessageRead    EventType = "message.read"
	EventChatCreated    EventType = "chat.created"
	EventChatUpdated    EventType = "chat.updated"
	EventMemberAdded    EventType = "member.added"
	EventMemberRemoved  EventType = "member.removed"
	EventListInvalidate EventType = "list.invalidate"
	EventPresence       EventType = "presence"
	EventError          EventType = "error"
)

// ChatTopic is the fan-out key for subscribers of one conversation.
func ChatTopic(chatID string) string { return "chat:" + chatID }

// UserTopic is the fan-out key for one user's chat-list updates. Every
// connection of that user is joined to it automatically.
func UserTopic(userID string) string { return "user:" + userID }

// IncomingEvent is what the client sends to the server.
type IncomingEvent struct {
	Type   EventType `json:"type"`
	Topics []string  `json:"topics,omitempty"`
	ChatID string    `json:"chat_id,omitempty"`
}

// OutgoingEvent is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessagePayload carries the full canonical row so subscribers merge it
// without a refetch. ClientTag travels only to the sender's own connections.
type MessagePayload struct {
	ChatID    string         `json:"chat_id"`
	Message   *model.Message `json:"message"`
	ClientTag string         `json:"client_tag,omitempty"`
}

// MessageEditedPayload is broadcast when a message is edited.
type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast when a message is soft-deleted.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// ReadPayload is broadcast when a user reads messages in a chat.
type ReadPayload struct {
	ChatID     string   `json:"chat_id"`
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// TypingPayload is relayed to other chat members.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// ChatPayload is broadcast on chat create/update and membership changes.
type ChatPayload struct {
	ChatID string      `json:"chat_id"`
	Chat   *model.Chat `json:"chat,omitempty"`
	UserID string      `json:"user_id,omitempty"`
}

// InvalidatePayload tells a chat list which conversation changed so it can
// refresh just that row instead of reloading everything.
type InvalidatePayload struct {
	ChatID string `json:"chat_id"`
}

// PresencePayload is broadcast on presence transitions.
type PresencePayload struct {
	UserID string          `json:"user_id"`
	Status presence.Status `json:"status"`
}

// ErrorPayload is sent to a single client on a rejected event.
type ErrorPayload struct {
	Message string `json:"message"`
}
