// Package chatstore keeps a client-side view of conversations in sync with
// the server: per-chat message lists with optimistic sends, a chat list with
// unread counts, and the realtime feed that keeps both fresh.
package chatstore

import (
	"context"
	"errors"
	"time"

	"github.com/stepup/flick/internal/model"
)

var (
	// ErrEmptyMessage — a send needs text or at least one attachment.
	ErrEmptyMessage = errors.New("chatstore: empty message")
	// ErrBusy — another load for this store is already in flight.
	ErrBusy = errors.New("chatstore: load already in flight")
	// ErrNoSuchTag — no pending or failed entry carries the client tag.
	ErrNoSuchTag = errors.New("chatstore: unknown client tag")
)

// Cursor points just past the oldest message already held; the next page is
// strictly older. The id breaks ties between equal timestamps.
type Cursor struct {
	At time.Time
	ID string
}

// Draft is the outgoing message before the server assigns identity.
type Draft struct {
	Content     string
	Format      model.MessageFormat
	Attachments []model.MessageAttachment
}

func (d Draft) empty() bool {
	return d.Content == "" && len(d.Attachments) == 0
}

// Backend is the remote collaborator. The HTTP implementation lives in
// remote.go; tests substitute an in-memory fake.
type Backend interface {
	// CurrentUserID identifies the viewer all reads are scoped to.
	CurrentUserID() string

	// ListMessages returns up to limit non-deleted messages of the chat,
	// newest first. A nil cursor means the latest page.
	ListMessages(ctx context.Context, chatID string, limit int, before *Cursor) ([]*model.Message, error)

	// CreateMessage persists a draft and returns the canonical row. The
	// clientTag is echoed back on the realtime feed so the sender's other
	// connections reconcile instead of double-appending.
	CreateMessage(ctx context.Context, chatID string, draft Draft, clientTag string) (*model.Message, error)

	// MarkChatRead writes read receipts for every unread message of the
	// chat. Idempotent.
	MarkChatRead(ctx context.Context, chatID string) error

	// ListChats returns the chats the viewer belongs to, with members.
	ListChats(ctx context.Context) ([]*model.Chat, error)

	// ChatSummary returns one chat list row: metadata, last message,
	// unread count.
	ChatSummary(ctx context.Context, chatID string) (*model.ChatSummary, error)
}
