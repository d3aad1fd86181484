package model

import "time"

type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
)

type MemberRole string

const (
	RoleMember MemberRole = "member"
	RoleAdmin  MemberRole = "admin"
)

type Chat struct {
	ID        string    `json:"id"`
	Kind      ChatKind  `json:"kind"`
	Title     string    `json:"title"`
	AvatarURL string    `json:"avatar_url"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChatMember struct {
	ChatID    string     `json:"chat_id"`
	UserID    string     `json:"user_id"`
	Role      MemberRole `json:"role"`
	JoinedAt  time.Time  `json:"joined_at"`
	MuteUntil *time.Time `json:"mute_until,omitempty"`
}

// Muted reports whether the membership is muted at the given moment.
func (m *ChatMember) Muted(now time.Time) bool {
	return m.MuteUntil != nil && now.Before(*m.MuteUntil)
}

// ChatSummary is the derived per-viewer chat list row: chat metadata, the
// latest non-deleted message (nil for an empty chat) and the unread count.
// It is computed, never persisted.
type ChatSummary struct {
	Chat        Chat         `json:"chat"`
	LastMessage *Message     `json:"last_message,omitempty"`
	Members     []UserPublic `json:"members"`
	UnreadCount int          `json:"unread_count"`
}

// LastActivity returns the timestamp used for chat list ordering:
// the last message time, or chat creation for empty chats.
func (s *ChatSummary) LastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.Chat.CreatedAt
}
