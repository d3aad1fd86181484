package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/metrics"
	"github.com/stepup/flick/internal/middleware"
	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/presence"
	"github.com/stepup/flick/internal/push"
	"github.com/stepup/flick/internal/repository"
	"github.com/stepup/flick/internal/ws"
)

const maxPageSize = 100

type MessageHandler struct {
	msgRepo  *repository.MessageRepository
	chatRepo *repository.ChatRepository
	readRepo *repository.ReadRepository
	userRepo *repository.UserRepository
	presence presence.Store
	hub      *ws.Hub
	pusher   *push.Sender
}

func NewMessageHandler(
	msgRepo *repository.MessageRepository,
	chatRepo *repository.ChatRepository,
	readRepo *repository.ReadRepository,
	userRepo *repository.UserRepository,
	presenceStore presence.Store,
	hub *ws.Hub,
	pusher *push.Sender,
) *MessageHandler {
	return &MessageHandler{
		msgRepo:  msgRepo,
		chatRepo: chatRepo,
		readRepo: readRepo,
		userRepo: userRepo,
		presence: presenceStore,
		hub:      hub,
		pusher:   pusher,
	}
}

// ListPage handles cursor pagination: ?before_at=RFC3339Nano&before_id=&limit=.
// No cursor means the latest page. Rows come back newest first.
func (h *MessageHandler) ListPage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > maxPageSize {
		limit = 50
	}

	var beforeAt time.Time
	if v := r.URL.Query().Get("before_at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_at")
			return
		}
		beforeAt = t
	}
	beforeID := r.URL.Query().Get("before_id")

	msgs, err := h.msgRepo.ListPage(r.Context(), chatID, beforeAt, beforeID, limit)
	if err != nil {
		logger.Errorf("list messages chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	h.attachSenders(r.Context(), msgs)
	writeJSON(w, http.StatusOK, msgs)
}

// attachSenders joins sender display info onto a page of messages. A lookup
// failure degrades the page to bare sender ids rather than failing it.
func (h *MessageHandler) attachSenders(ctx context.Context, msgs []model.Message) {
	ids := make([]string, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for i := range msgs {
		if msgs[i].SenderID == nil {
			continue
		}
		if _, ok := seen[*msgs[i].SenderID]; ok {
			continue
		}
		seen[*msgs[i].SenderID] = struct{}{}
		ids = append(ids, *msgs[i].SenderID)
	}
	if len(ids) == 0 {
		return
	}
	publics, err := h.userRepo.GetPublicByIDs(ctx, ids)
	if err != nil {
		logger.Warnf("attach senders: %v", err)
		return
	}
	for i := range msgs {
		if msgs[i].SenderID == nil {
			continue
		}
		if p, ok := publics[*msgs[i].SenderID]; ok {
			pub := p
			msgs[i].Sender = &pub
		}
	}
}

type SendMessageRequest struct {
	Content     string                    `json:"content"`
	Format      model.MessageFormat       `json:"format"`
	Attachments []model.MessageAttachment `json:"attachments"`
	ClientTag   string                    `json:"client_tag"`
}

// Send persists a message and fans it out: the full row to the chat topic
// (client tag included for the sender's own reconciliation), an invalidation
// to every member's user topic, and pushes to offline unmuted members.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.SendMessage", time.Now())()
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "content or attachments required")
		return
	}
	format := req.Format
	if format == "" {
		format = model.FormatPlain
	}

	sender := userID
	msg := &model.Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		SenderID:    &sender,
		Content:     req.Content,
		Format:      format,
		Attachments: req.Attachments,
		CreatedAt:   time.Now().UTC(),
		ClientTag:   req.ClientTag,
	}
	if err := h.msgRepo.Create(r.Context(), msg); err != nil {
		logger.Errorf("send message chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	metrics.IncMessageSent()

	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		pub := u.ToPublic()
		msg.Sender = &pub
	}

	h.hub.Publish(ws.ChatTopic(chatID), ws.OutgoingEvent{
		Type:    ws.EventMessageNew,
		Payload: ws.MessagePayload{ChatID: chatID, Message: msg, ClientTag: req.ClientTag},
	})
	h.fanOutToMembers(r.Context(), chatID, msg)

	writeJSON(w, http.StatusCreated, msg)
}

// fanOutToMembers sends list invalidations and offline pushes.
func (h *MessageHandler) fanOutToMembers(ctx context.Context, chatID string, msg *model.Message) {
	members, err := h.chatRepo.GetMembers(ctx, chatID)
	if err != nil {
		logger.Errorf("fan out chat=%s: %v", chatID, err)
		return
	}

	inv := ws.OutgoingEvent{Type: ws.EventListInvalidate, Payload: ws.InvalidatePayload{ChatID: chatID}}
	now := time.Now().UTC()
	for _, m := range members {
		h.hub.Publish(ws.UserTopic(m.UserID), inv)

		if h.pusher == nil || msg.SentBy(m.UserID) || m.Muted(now) {
			continue
		}
		p, err := h.presence.Get(ctx, m.UserID)
		if err == nil && presence.Resolve(p, now) != presence.StatusOffline {
			continue
		}
		title := "Новое сообщение"
		if msg.Sender != nil {
			title = msg.Sender.Username
		}
		body := msg.Content
		if body == "" {
			body = "Вложение"
		}
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		uid := m.UserID
		go h.pusher.Notify(context.Background(), uid, title, body, map[string]string{
			"chat_id": chatID, "message_id": msg.ID,
		})
	}
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	original, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if !original.SentBy(userID) {
		writeError(w, http.StatusForbidden, "can only edit own messages")
		return
	}

	now := time.Now().UTC()
	content := strings.TrimSpace(req.Content)
	if err := h.msgRepo.UpdateContent(r.Context(), messageID, content, now); err != nil {
		logger.Errorf("edit message %s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to edit")
		return
	}

	ev := ws.OutgoingEvent{Type: ws.EventMessageEdited, Payload: ws.MessageEditedPayload{
		MessageID: messageID,
		ChatID:    original.ChatID,
		Content:   content,
		EditedAt:  now,
	}}
	h.hub.Publish(ws.ChatTopic(original.ChatID), ev)
	h.invalidateMembers(r.Context(), original.ChatID)
	w.WriteHeader(http.StatusNoContent)
}

// Delete tombstones a message. The row survives so ordering and counts stay
// stable.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	original, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if !original.SentBy(userID) {
		writeError(w, http.StatusForbidden, "can only delete own messages")
		return
	}

	if err := h.msgRepo.SoftDelete(r.Context(), messageID); err != nil {
		logger.Errorf("delete message %s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete")
		return
	}

	ev := ws.OutgoingEvent{Type: ws.EventMessageDeleted, Payload: ws.MessageDeletedPayload{
		MessageID: messageID,
		ChatID:    original.ChatID,
	}}
	h.hub.Publish(ws.ChatTopic(original.ChatID), ev)
	h.invalidateMembers(r.Context(), original.ChatID)
	w.WriteHeader(http.StatusNoContent)
}

// MarkChatRead writes receipts for every unread message in the chat.
// Idempotent: re-reading an already-read chat affects zero rows.
func (h *MessageHandler) MarkChatRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	marked, err := h.readRepo.MarkChatRead(r.Context(), chatID, userID, time.Now().UTC())
	if err != nil {
		logger.Errorf("mark chat read chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	if len(marked) > 0 {
		ev := ws.OutgoingEvent{Type: ws.EventMessageRead, Payload: ws.ReadPayload{
			ChatID: chatID, UserID: userID, MessageIDs: marked,
		}}
		h.hub.PublishExcept(ws.ChatTopic(chatID), userID, ev)
		// Другие вкладки читателя обнуляют счётчик через user topic.
		h.hub.Publish(ws.UserTopic(userID), ev)
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": len(marked)})
}

// MarkMessageRead writes a single receipt. Duplicate-safe by the unique
// (message, user) key, not by a client-side check.
func (h *MessageHandler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	msg, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if !h.requireMember(w, r, msg.ChatID, userID) {
		return
	}

	if err := h.readRepo.MarkRead(r.Context(), messageID, userID, time.Now().UTC()); err != nil {
		logger.Errorf("mark read message=%s user=%s: %v", messageID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	ev := ws.OutgoingEvent{Type: ws.EventMessageRead, Payload: ws.ReadPayload{
		ChatID: msg.ChatID, UserID: userID, MessageIDs: []string{messageID},
	}}
	h.hub.PublishExcept(ws.ChatTopic(msg.ChatID), userID, ev)
	h.hub.Publish(ws.UserTopic(userID), ev)
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) invalidateMembers(ctx context.Context, chatID string) {
	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("invalidate members chat=%s: %v", chatID, err)
		return
	}
	inv := ws.OutgoingEvent{Type: ws.EventListInvalidate, Payload: ws.InvalidatePayload{ChatID: chatID}}
	for _, uid := range memberIDs {
		h.hub.Publish(ws.UserTopic(uid), inv)
	}
}

func (h *MessageHandler) requireMember(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
	ok, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member")
		return false
	}
	return true
}
