package chatstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepup/flick/internal/model"
)

// fakeServer is the in-memory stand-in for the chat service. Views over it
// implement Backend for a given user, so one server can back several stores
// in a test.
type fakeServer struct {
	mu    sync.Mutex
	seq   int
	now   time.Time
	chats map[string]*model.Chat
	msgs  map[string][]*model.Message
	reads map[string]map[string]map[string]bool

	// createHook runs before a create is applied; returning an error fails
	// the create. Called outside the server lock so it may sleep.
	createHook func(chatID string, draft Draft, tag string) error
	// returnHook runs after the row is stored but before the create response
	// returns, to model a slow response racing the realtime echo.
	returnHook func(msg *model.Message)

	readCalls int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		now:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		chats: make(map[string]*model.Chat),
		msgs:  make(map[string][]*model.Message),
		reads: make(map[string]map[string]map[string]bool),
	}
}

func (f *fakeServer) addChat(id, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[id] = &model.Chat{ID: id, Kind: model.ChatKindGroup, Title: title, CreatedAt: f.now}
}

// seed inserts a message directly, bypassing create hooks.
func (f *fakeServer) seed(chatID, senderID, content string) *model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(chatID, senderID, Draft{Content: content, Format: model.FormatPlain}, "")
}

func (f *fakeServer) insertLocked(chatID, senderID string, draft Draft, tag string) *model.Message {
	f.seq++
	f.now = f.now.Add(time.Millisecond)
	msg := &model.Message{
		ID:          fmt.Sprintf("m%04d", f.seq),
		ChatID:      chatID,
		SenderID:    &senderID,
		Content:     draft.Content,
		Format:      draft.Format,
		Attachments: draft.Attachments,
		CreatedAt:   f.now,
		ClientTag:   tag,
	}
	f.msgs[chatID] = append(f.msgs[chatID], msg)
	return msg
}

func (f *fakeServer) messageIDs(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs[chatID]))
	for _, m := range f.msgs[chatID] {
		out = append(out, m.ID)
	}
	return out
}

func (f *fakeServer) isRead(chatID, userID, messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[chatID][userID][messageID]
}

// view returns the Backend this user sees.
func (f *fakeServer) view(userID string) *fakeBackend {
	return &fakeBackend{srv: f, userID: userID}
}

type fakeBackend struct {
	srv    *fakeServer
	userID string
}

func (b *fakeBackend) CurrentUserID() string { return b.userID }

func (b *fakeBackend) ListMessages(_ context.Context, chatID string, limit int, before *Cursor) ([]*model.Message, error) {
	b.srv.mu.Lock()
	defer b.srv.mu.Unlock()
	all := b.srv.msgs[chatID]
	out := make([]*model.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		m := all[i]
		if before != nil {
			older := m.CreatedAt.Before(before.At) ||
				(m.CreatedAt.Equal(before.At) && m.ID < before.ID)
			if !older {
				continue
			}
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (b *fakeBackend) CreateMessage(ctx context.Context, chatID string, draft Draft, clientTag string) (*model.Message, error) {
	if hook := b.srv.createHook; hook != nil {
		if err := hook(chatID, draft, clientTag); err != nil {
			return nil, err
		}
	}
	b.srv.mu.Lock()
	msg := b.srv.insertLocked(chatID, b.userID, draft, clientTag)
	cp := *msg
	b.srv.mu.Unlock()
	if hook := b.srv.returnHook; hook != nil {
		hook(&cp)
	}
	return &cp, nil
}

func (b *fakeBackend) MarkChatRead(_ context.Context, chatID string) error {
	b.srv.mu.Lock()
	defer b.srv.mu.Unlock()
	b.srv.readCalls++
	if b.srv.reads[chatID] == nil {
		b.srv.reads[chatID] = make(map[string]map[string]bool)
	}
	if b.srv.reads[chatID][b.userID] == nil {
		b.srv.reads[chatID][b.userID] = make(map[string]bool)
	}
	for _, m := range b.srv.msgs[chatID] {
		if m.SentBy(b.userID) || m.IsDeleted {
			continue
		}
		b.srv.reads[chatID][b.userID][m.ID] = true
	}
	return nil
}

func (b *fakeBackend) ListChats(_ context.Context) ([]*model.Chat, error) {
	b.srv.mu.Lock()
	defer b.srv.mu.Unlock()
	out := make([]*model.Chat, 0, len(b.srv.chats))
	for _, c := range b.srv.chats {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (b *fakeBackend) ChatSummary(_ context.Context, chatID string) (*model.ChatSummary, error) {
	b.srv.mu.Lock()
	defer b.srv.mu.Unlock()
	chat, ok := b.srv.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("no such chat %s", chatID)
	}
	sum := &model.ChatSummary{Chat: *chat}
	read := b.srv.reads[chatID][b.userID]
	for _, m := range b.srv.msgs[chatID] {
		if m.IsDeleted {
			continue
		}
		cp := *m
		sum.LastMessage = &cp
		if !m.SentBy(b.userID) && !read[m.ID] {
			sum.UnreadCount++
		}
	}
	return sum, nil
}
