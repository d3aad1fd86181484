package model

import "time"

type MessageFormat string

const (
	FormatPlain    MessageFormat = "plain"
	FormatMarkdown MessageFormat = "markdown"
)

type AttachmentKind string

const (
	AttachmentImage   AttachmentKind = "image"
	AttachmentVoice   AttachmentKind = "voice"
	AttachmentSticker AttachmentKind = "sticker"
	AttachmentVideo   AttachmentKind = "video"
	AttachmentFile    AttachmentKind = "file"
)

// Message belongs to its chat once created. A nil SenderID marks a system
// message ("Alice added Bob"). Deletion is a tombstone: IsDeleted flips and
// content is cleared, the row stays so ordering and counts remain stable.
type Message struct {
	ID          string              `json:"id"`
	ChatID      string              `json:"chat_id"`
	SenderID    *string             `json:"sender_id,omitempty"`
	Content     string              `json:"content"`
	Format      MessageFormat       `json:"format"`
	Attachments []MessageAttachment `json:"attachments,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	EditedAt    *time.Time          `json:"edited_at,omitempty"`
	IsDeleted   bool                `json:"is_deleted"`

	// ClientTag is the sender-generated reconciliation key for optimistic
	// inserts. It travels on the wire (create request, create response,
	// realtime push) but is not persisted.
	ClientTag string `json:"client_tag,omitempty"`

	Sender *UserPublic   `json:"sender,omitempty"`
	ReadBy []MessageRead `json:"read_by,omitempty"`
}

// SentBy reports whether the message was authored by the given user.
// System messages belong to nobody.
func (m *Message) SentBy(userID string) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// MessageAttachment is immutable once its message is sent.
type MessageAttachment struct {
	MessageID string         `json:"-"`
	URL       string         `json:"url"`
	Kind      AttachmentKind `json:"kind"`
	Name      string         `json:"name,omitempty"`
	Size      int64          `json:"size,omitempty"`
}

// MessageRead is a read receipt: at most one per (message, user), written
// once and never reverted.
type MessageRead struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
