package chatstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
)

// Aggregator keeps one summary row per chat the viewer belongs to: chat
// metadata, last non-deleted message, unread count. Rows refresh one at a
// time on scoped invalidation events; a failure on one chat degrades that
// row, never the whole list.
type Aggregator struct {
	backend Backend
	userID  string

	mu   sync.Mutex
	rows map[string]*model.ChatSummary

	onChange func()
}

type AggregatorOption func(*Aggregator)

func WithAggregatorOnChange(fn func()) AggregatorOption {
	return func(a *Aggregator) { a.onChange = fn }
}

func NewAggregator(backend Backend, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		backend: backend,
		userID:  backend.CurrentUserID(),
		rows:    make(map[string]*model.ChatSummary),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) notify() {
	if a.onChange != nil {
		a.onChange()
	}
}

// Load builds the full list. A summary fetch failing for one chat leaves a
// metadata-only row with a logged warning; the rest of the list still loads.
func (a *Aggregator) Load(ctx context.Context) error {
	defer logger.DeferLogDuration("chatstore.Aggregator.Load", time.Now())()
	chats, err := a.backend.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("chatstore.Aggregator.Load: %w", err)
	}

	rows := make(map[string]*model.ChatSummary, len(chats))
	for _, chat := range chats {
		sum, err := a.backend.ChatSummary(ctx, chat.ID)
		if err != nil {
			logger.Warnf("chatstore: summary for chat=%s: %v", chat.ID, err)
			rows[chat.ID] = &model.ChatSummary{Chat: *chat}
			continue
		}
		rows[chat.ID] = sum
	}

	a.mu.Lock()
	a.rows = rows
	a.mu.Unlock()
	a.notify()
	return nil
}

// Refresh re-fetches the summary of one chat. Used on scoped invalidation.
// A chat not yet held is added, covering chat.created and member.added.
func (a *Aggregator) Refresh(ctx context.Context, chatID string) error {
	sum, err := a.backend.ChatSummary(ctx, chatID)
	if err != nil {
		logger.Warnf("chatstore: refresh chat=%s: %v", chatID, err)
		return fmt.Errorf("chatstore.Aggregator.Refresh: %w", err)
	}
	a.mu.Lock()
	a.rows[chatID] = sum
	a.mu.Unlock()
	a.notify()
	return nil
}

// Remove drops a chat from the list, for member.removed on the viewer.
func (a *Aggregator) Remove(chatID string) {
	a.mu.Lock()
	_, ok := a.rows[chatID]
	delete(a.rows, chatID)
	a.mu.Unlock()
	if ok {
		a.notify()
	}
}

// ApplyMessage folds a pushed row into the held summary without a refetch:
// bump last message, and count it unread unless the viewer sent it.
func (a *Aggregator) ApplyMessage(msg *model.Message) {
	if msg == nil || msg.IsDeleted {
		return
	}
	a.mu.Lock()
	row, ok := a.rows[msg.ChatID]
	if !ok {
		a.mu.Unlock()
		return
	}
	if row.LastMessage == nil || laterThan(msg, row.LastMessage) {
		row.LastMessage = msg
	}
	if !msg.SentBy(a.userID) {
		row.UnreadCount++
	}
	a.mu.Unlock()
	a.notify()
}

// ApplyRead zeroes the unread count after the viewer read a chat.
func (a *Aggregator) ApplyRead(chatID, userID string) {
	if userID != a.userID {
		return
	}
	a.mu.Lock()
	row, ok := a.rows[chatID]
	if ok && row.UnreadCount != 0 {
		row.UnreadCount = 0
		a.mu.Unlock()
		a.notify()
		return
	}
	a.mu.Unlock()
}

// Summaries snapshots the list ordered by most recent activity.
func (a *Aggregator) Summaries() []*model.ChatSummary {
	a.mu.Lock()
	out := make([]*model.ChatSummary, 0, len(a.rows))
	for _, row := range a.rows {
		cp := *row
		out = append(out, &cp)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if ai.Equal(aj) {
			return out[i].Chat.ID > out[j].Chat.ID
		}
		return ai.After(aj)
	})
	return out
}

// TotalUnread sums unread counts across all chats.
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, row := range a.rows {
		total += row.UnreadCount
	}
	return total
}
