package chatstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
)

// DefaultPageSize is how many messages one page fetch returns.
const DefaultPageSize = 50

// DeliveryState tags a visible entry.
type DeliveryState string

const (
	// StatePending — optimistic insert, remote create not confirmed yet.
	StatePending DeliveryState = "pending"
	// StateConfirmed — the entry holds the canonical server row.
	StateConfirmed DeliveryState = "confirmed"
	// StateFailed — remote create failed, the entry awaits Retry or Discard.
	StateFailed DeliveryState = "failed"
)

// Entry is one visible list item: the message plus its delivery state.
// ClientTag is set for entries born from a local Send; it is the
// reconciliation key against the server echo.
type Entry struct {
	Message   *model.Message
	State     DeliveryState
	ClientTag string
	Err       error
}

// Store holds the ordered message list of a single chat. Confirmed rows are
// kept ascending by (created_at, id); pending and failed entries sit at the
// tail in send order. All methods are safe for concurrent use.
type Store struct {
	backend  Backend
	chatID   string
	userID   string
	pageSize int

	mu      sync.Mutex
	entries []Entry
	hasMore bool
	loaded  bool
	// inflight serializes page fetches: one load at a time per store.
	inflight bool
	// resetGen invalidates slow fetches that raced a newer LoadInitial.
	resetGen uint64

	onChange func()
}

type StoreOption func(*Store)

func WithPageSize(n int) StoreOption {
	return func(s *Store) { s.pageSize = n }
}

// WithOnChange installs a callback fired after every visible-list mutation.
// It runs outside the store lock.
func WithOnChange(fn func()) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

func NewStore(backend Backend, chatID string, opts ...StoreOption) *Store {
	s := &Store{
		backend:  backend,
		chatID:   chatID,
		userID:   backend.CurrentUserID(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ChatID() string { return s.chatID }

// Visible returns a snapshot of the list, oldest first.
func (s *Store) Visible() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// HasMore reports whether older history remains on the server.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// beginLoad claims the single load slot and stamps the current generation.
func (s *Store) beginLoad() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return 0, ErrBusy
	}
	s.inflight = true
	return s.resetGen, nil
}

func (s *Store) endLoad() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// LoadInitial fetches the latest page and replaces the confirmed list with
// it. Pending and failed entries survive the reset.
func (s *Store) LoadInitial(ctx context.Context) error {
	if _, err := s.beginLoad(); err != nil {
		return err
	}
	defer s.endLoad()

	page, err := s.backend.ListMessages(ctx, s.chatID, s.pageSize, nil)
	if err != nil {
		return fmt.Errorf("chatstore.LoadInitial: %w", err)
	}

	s.mu.Lock()
	s.resetGen++
	local := s.unconfirmedLocked()
	s.entries = s.entries[:0]
	// Pages arrive newest first, the view is oldest first.
	for i := len(page) - 1; i >= 0; i-- {
		s.entries = append(s.entries, Entry{Message: page[i], State: StateConfirmed})
	}
	s.entries = append(s.entries, local...)
	s.hasMore = len(page) == s.pageSize
	s.loaded = true
	s.mu.Unlock()
	s.notify()
	return nil
}

// LoadMore fetches the page strictly older than the oldest confirmed message
// and prepends it. A fetch that raced a newer LoadInitial is discarded.
func (s *Store) LoadMore(ctx context.Context) error {
	gen, err := s.beginLoad()
	if err != nil {
		return err
	}
	defer s.endLoad()

	s.mu.Lock()
	if !s.loaded || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	cursor := s.oldestCursorLocked()
	s.mu.Unlock()
	if cursor == nil {
		return nil
	}

	page, err := s.backend.ListMessages(ctx, s.chatID, s.pageSize, cursor)
	if err != nil {
		return fmt.Errorf("chatstore.LoadMore: %w", err)
	}

	s.mu.Lock()
	if s.resetGen != gen {
		// The list was reset while this fetch was in flight; applying the
		// stale page would resurrect rows the reset dropped.
		s.mu.Unlock()
		return nil
	}
	older := make([]Entry, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		if s.findByIDLocked(page[i].ID) >= 0 {
			continue
		}
		older = append(older, Entry{Message: page[i], State: StateConfirmed})
	}
	s.entries = append(older, s.entries...)
	s.hasMore = len(page) == s.pageSize
	s.mu.Unlock()
	s.notify()
	return nil
}

// oldestCursorLocked points at the oldest confirmed message.
func (s *Store) oldestCursorLocked() *Cursor {
	for i := range s.entries {
		if s.entries[i].State == StateConfirmed {
			m := s.entries[i].Message
			return &Cursor{At: m.CreatedAt, ID: m.ID}
		}
	}
	return nil
}

// unconfirmedLocked snapshots pending and failed entries.
func (s *Store) unconfirmedLocked() []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.State != StateConfirmed {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) findByIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].Message.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) findByTagLocked(tag string) int {
	if tag == "" {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].ClientTag == tag {
			return i
		}
	}
	return -1
}

// Send appends an optimistic entry and issues the remote create. On success
// the entry is swapped for the canonical row; on failure it is marked failed
// and kept for Retry or Discard. Returns the client tag identifying the
// entry either way.
func (s *Store) Send(ctx context.Context, draft Draft) (string, error) {
	defer logger.DeferLogDuration("chatstore.Send", time.Now())()
	if draft.empty() {
		return "", ErrEmptyMessage
	}
	tag := uuid.New().String()
	sender := s.userID
	temp := &model.Message{
		ID:          "",
		ChatID:      s.chatID,
		SenderID:    &sender,
		Content:     draft.Content,
		Format:      draft.Format,
		Attachments: draft.Attachments,
		CreatedAt:   time.Now().UTC(),
		ClientTag:   tag,
	}

	s.mu.Lock()
	s.entries = append(s.entries, Entry{Message: temp, State: StatePending, ClientTag: tag})
	s.mu.Unlock()
	s.notify()

	return tag, s.deliver(ctx, tag, draft)
}

// Retry re-issues the remote create for a failed entry.
func (s *Store) Retry(ctx context.Context, tag string) error {
	s.mu.Lock()
	i := s.findByTagLocked(tag)
	if i < 0 {
		s.mu.Unlock()
		return ErrNoSuchTag
	}
	e := s.entries[i]
	if e.State != StateFailed {
		s.mu.Unlock()
		return nil
	}
	s.entries[i].State = StatePending
	s.entries[i].Err = nil
	s.mu.Unlock()
	s.notify()

	draft := Draft{
		Content:     e.Message.Content,
		Format:      e.Message.Format,
		Attachments: e.Message.Attachments,
	}
	return s.deliver(ctx, tag, draft)
}

// Discard drops a pending or failed entry from the visible list.
func (s *Store) Discard(tag string) bool {
	s.mu.Lock()
	i := s.findByTagLocked(tag)
	if i < 0 || s.entries[i].State == StateConfirmed {
		s.mu.Unlock()
		return false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.mu.Unlock()
	s.notify()
	return true
}

// deliver runs the remote create and reconciles the optimistic entry. The
// server echo on the realtime feed may win the race; confirming twice is a
// no-op.
func (s *Store) deliver(ctx context.Context, tag string, draft Draft) error {
	msg, err := s.backend.CreateMessage(ctx, s.chatID, draft, tag)
	if err != nil {
		s.mu.Lock()
		if i := s.findByTagLocked(tag); i >= 0 && s.entries[i].State == StatePending {
			s.entries[i].State = StateFailed
			s.entries[i].Err = err
		}
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("chatstore.Send: %w", err)
	}
	s.confirm(tag, msg)
	return nil
}

// confirm swaps the optimistic entry for the canonical row, or merges the
// row if the feed already confirmed it.
func (s *Store) confirm(tag string, msg *model.Message) {
	s.mu.Lock()
	if i := s.findByIDLocked(msg.ID); i >= 0 {
		// Feed echo got here first.
		s.entries[i].Message = msg
		if j := s.findByTagLocked(tag); j >= 0 && j != i {
			s.entries = append(s.entries[:j], s.entries[j+1:]...)
		}
		s.mu.Unlock()
		s.notify()
		return
	}
	if i := s.findByTagLocked(tag); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
	s.insertConfirmedLocked(msg, tag)
	s.mu.Unlock()
	s.notify()
}

// insertConfirmedLocked places a canonical row among the confirmed prefix,
// ordered by (created_at, id). The list invariant is confirmed rows first,
// pending and failed entries at the tail.
func (s *Store) insertConfirmedLocked(msg *model.Message, tag string) {
	i := 0
	for i < len(s.entries) && s.entries[i].State == StateConfirmed {
		i++
	}
	for i > 0 && laterThan(s.entries[i-1].Message, msg) {
		i--
	}
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = Entry{Message: msg, State: StateConfirmed, ClientTag: tag}
}

// laterThan orders by creation time with the id as tie-break.
func laterThan(a, b *model.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// ApplyNew merges a canonical row pushed by the realtime feed. The sender's
// own echo reconciles against the optimistic entry by client tag; everything
// else deduplicates by id and inserts in order.
func (s *Store) ApplyNew(msg *model.Message, clientTag string) {
	if msg == nil || msg.ChatID != s.chatID {
		return
	}
	if clientTag != "" && msg.SentBy(s.userID) {
		s.confirm(clientTag, msg)
		return
	}
	s.mu.Lock()
	if i := s.findByIDLocked(msg.ID); i >= 0 {
		s.entries[i].Message = msg
		s.mu.Unlock()
		s.notify()
		return
	}
	s.insertConfirmedLocked(msg, "")
	s.mu.Unlock()
	s.notify()
}

// ApplyEdited updates content of a held message. Unknown ids are ignored;
// the row will arrive complete on the next refetch.
func (s *Store) ApplyEdited(messageID, content string, editedAt time.Time) {
	s.mu.Lock()
	i := s.findByIDLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.entries[i].Message.Content = content
	s.entries[i].Message.EditedAt = &editedAt
	s.mu.Unlock()
	s.notify()
}

// ApplyDeleted tombstones a held message. The entry stays so ordering and
// counts remain stable.
func (s *Store) ApplyDeleted(messageID string) {
	s.mu.Lock()
	i := s.findByIDLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.entries[i].Message.IsDeleted = true
	s.entries[i].Message.Content = ""
	s.entries[i].Message.Attachments = nil
	s.mu.Unlock()
	s.notify()
}

// ApplyRead merges read receipts pushed for another user.
func (s *Store) ApplyRead(userID string, messageIDs []string, readAt time.Time) {
	s.mu.Lock()
	changed := false
	for _, id := range messageIDs {
		i := s.findByIDLocked(id)
		if i < 0 {
			continue
		}
		if s.addReceiptLocked(i, userID, readAt) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// addReceiptLocked appends a receipt unless the pair already holds one.
func (s *Store) addReceiptLocked(i int, userID string, readAt time.Time) bool {
	m := s.entries[i].Message
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, model.MessageRead{
		MessageID: m.ID,
		UserID:    userID,
		ReadAt:    readAt,
	})
	return true
}

// MarkRead writes receipts for everything visible and unread by the viewer.
// The backend write is idempotent; the local merge mirrors it so unread
// counts drop without waiting for the feed.
func (s *Store) MarkRead(ctx context.Context) error {
	defer logger.DeferLogDuration("chatstore.MarkRead", time.Now())()
	if err := s.backend.MarkChatRead(ctx, s.chatID); err != nil {
		return fmt.Errorf("chatstore.MarkRead: %w", err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	changed := false
	for i := range s.entries {
		e := s.entries[i]
		if e.State != StateConfirmed || e.Message.IsDeleted || e.Message.SentBy(s.userID) {
			continue
		}
		if s.addReceiptLocked(i, s.userID, now) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return nil
}

// Resync performs the one catch-up refetch after a reconnect: the latest
// page is merged in so changes pushed while the connection was down are
// recovered without resetting scroll state.
func (s *Store) Resync(ctx context.Context) error {
	gen, err := s.beginLoad()
	if err != nil {
		return err
	}
	defer s.endLoad()

	page, err := s.backend.ListMessages(ctx, s.chatID, s.pageSize, nil)
	if err != nil {
		return fmt.Errorf("chatstore.Resync: %w", err)
	}

	s.mu.Lock()
	if s.resetGen != gen {
		s.mu.Unlock()
		return nil
	}
	for i := len(page) - 1; i >= 0; i-- {
		msg := page[i]
		if j := s.findByIDLocked(msg.ID); j >= 0 {
			s.entries[j].Message = msg
			continue
		}
		s.insertConfirmedLocked(msg, "")
	}
	s.loaded = true
	s.mu.Unlock()
	s.notify()
	return nil
}
