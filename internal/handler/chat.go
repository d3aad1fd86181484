package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/middleware"
	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/repository"
	"github.com/stepup/flick/internal/ws"
)

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	userRepo *repository.UserRepository
	msgRepo  *repository.MessageRepository
	hub      *ws.Hub
}

func NewChatHandler(chatRepo *repository.ChatRepository, userRepo *repository.UserRepository, msgRepo *repository.MessageRepository, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, userRepo: userRepo, msgRepo: msgRepo, hub: hub}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupChatRequest struct {
	Title     string   `json:"title"`
	MemberIDs []string `json:"member_ids"`
}

type UpdateChatRequest struct {
	Title     string `json:"title"`
	AvatarURL string `json:"avatar_url"`
}

// ListChats returns one summary per membership, most recent activity first.
// A failure building one row degrades it to bare chat metadata; the list
// itself always comes back.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chats, err := h.chatRepo.GetUserChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chats")
		return
	}

	summaries := make([]*model.ChatSummary, 0, len(chats))
	for i := range chats {
		sum, err := h.buildSummary(r.Context(), &chats[i], userID)
		if err != nil {
			logger.Warnf("chat summary chat=%s user=%s: %v", chats[i].ID, userID, err)
			sum = &model.ChatSummary{Chat: chats[i]}
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		ai, aj := summaries[i].LastActivity(), summaries[j].LastActivity()
		if ai.Equal(aj) {
			return summaries[i].Chat.ID > summaries[j].Chat.ID
		}
		return ai.After(aj)
	})
	writeJSON(w, http.StatusOK, summaries)
}

// buildSummary joins chat metadata with members, the last non-deleted
// message and the viewer's unread count.
func (h *ChatHandler) buildSummary(ctx context.Context, chat *model.Chat, viewerID string) (*model.ChatSummary, error) {
	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	publics, err := h.userRepo.GetPublicByIDs(ctx, memberIDs)
	if err != nil {
		return nil, err
	}
	members := make([]model.UserPublic, 0, len(memberIDs))
	for _, id := range memberIDs {
		if p, ok := publics[id]; ok {
			members = append(members, p)
		}
	}

	last, err := h.msgRepo.GetLastMessage(ctx, chat.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if last != nil && last.SenderID != nil {
		if p, ok := publics[*last.SenderID]; ok {
			pub := p
			last.Sender = &pub
		}
	}
	unread, err := h.chatRepo.GetUnreadCount(ctx, chat.ID, viewerID)
	if err != nil {
		return nil, err
	}

	return &model.ChatSummary{
		Chat:        *chat,
		LastMessage: last,
		Members:     members,
		UnreadCount: unread,
	}, nil
}

// CreateDirectChat looks up the chat for the user pair or creates it with
// both participants as plain members. At most one direct chat per pair.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" || req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "valid peer user_id required")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	chat, created, err := h.chatRepo.GetOrCreateDirectChat(r.Context(), uuid.New().String(), currentUserID, req.UserID)
	if err != nil {
		logger.Errorf("create direct chat %s<->%s: %v", currentUserID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	sum, err := h.buildSummary(r.Context(), chat, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}

	if created {
		h.notifyMembers(r.Context(), chat.ID, ws.OutgoingEvent{
			Type:    ws.EventChatCreated,
			Payload: ws.ChatPayload{ChatID: chat.ID, Chat: chat},
		})
		writeJSON(w, http.StatusCreated, sum)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// CreateGroupChat creates a group with the creator as admin plus the given
// initial members.
func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        uuid.New().String(),
		Kind:      model.ChatKindGroup,
		Title:     req.Title,
		CreatedBy: currentUserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.chatRepo.Create(r.Context(), chat); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	if err := h.chatRepo.AddMember(r.Context(), &model.ChatMember{
		ChatID: chat.ID, UserID: currentUserID, Role: model.RoleAdmin, JoinedAt: now,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add creator")
		return
	}
	for _, uid := range req.MemberIDs {
		if uid == currentUserID {
			continue
		}
		if err := h.chatRepo.AddMember(r.Context(), &model.ChatMember{
			ChatID: chat.ID, UserID: uid, Role: model.RoleMember, JoinedAt: now,
		}); err != nil {
			logger.Errorf("group chat %s add member %s: %v", chat.ID, uid, err)
		}
	}

	sum, err := h.buildSummary(r.Context(), chat, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}

	h.notifyMembers(r.Context(), chat.ID, ws.OutgoingEvent{
		Type:    ws.EventChatCreated,
		Payload: ws.ChatPayload{ChatID: chat.ID, Chat: chat},
	})
	writeJSON(w, http.StatusCreated, sum)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	if !h.requireMember(w, r, chatID, userID) {
		return
	}
	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	sum, err := h.buildSummary(r.Context(), chat, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// UpdateChat changes title/avatar. Group chats require the admin role.
func (h *ChatHandler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	var req UpdateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if chat.Kind == model.ChatKindDirect {
		writeError(w, http.StatusBadRequest, "direct chats have no editable metadata")
		return
	}
	if !h.requireAdmin(w, r, chatID, userID) {
		return
	}

	if err := h.chatRepo.UpdateChat(r.Context(), chatID, strings.TrimSpace(req.Title), req.AvatarURL); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update chat")
		return
	}
	chat, err = h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload chat")
		return
	}

	ev := ws.OutgoingEvent{Type: ws.EventChatUpdated, Payload: ws.ChatPayload{ChatID: chatID, Chat: chat}}
	h.hub.Publish(ws.ChatTopic(chatID), ev)
	h.notifyMembers(r.Context(), chatID, ev)
	writeJSON(w, http.StatusOK, chat)
}

type MemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	actorID := middleware.GetUserID(r.Context())

	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if chat.Kind == model.ChatKindDirect {
		writeError(w, http.StatusBadRequest, "cannot add members to a direct chat")
		return
	}
	if !h.requireAdmin(w, r, chatID, actorID) {
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := h.chatRepo.AddMember(r.Context(), &model.ChatMember{
		ChatID: chatID, UserID: req.UserID, Role: model.RoleMember, JoinedAt: time.Now().UTC(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}

	ev := ws.OutgoingEvent{
		Type:    ws.EventMemberAdded,
		Payload: ws.ChatPayload{ChatID: chatID, UserID: req.UserID},
	}
	h.hub.Publish(ws.ChatTopic(chatID), ev)
	h.notifyMembers(r.Context(), chatID, ev)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	targetID := chi.URLParam(r, "userId")
	actorID := middleware.GetUserID(r.Context())

	if !h.requireAdmin(w, r, chatID, actorID) {
		return
	}
	h.removeAndNotify(w, r, chatID, targetID)
}

// LeaveChat removes the caller from the chat.
func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	if !h.requireMember(w, r, chatID, userID) {
		return
	}
	h.removeAndNotify(w, r, chatID, userID)
}

func (h *ChatHandler) removeAndNotify(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	if err := h.chatRepo.RemoveMember(r.Context(), chatID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}
	ev := ws.OutgoingEvent{
		Type:    ws.EventMemberRemoved,
		Payload: ws.ChatPayload{ChatID: chatID, UserID: userID},
	}
	h.hub.Publish(ws.ChatTopic(chatID), ev)
	h.notifyMembers(r.Context(), chatID, ev)
	// Члена уже нет в списке, уведомляем его отдельно.
	h.hub.Publish(ws.UserTopic(userID), ev)
	w.WriteHeader(http.StatusNoContent)
}

type MuteRequest struct {
	// MuteUntil в RFC3339; null снимает mute.
	MuteUntil *time.Time `json:"mute_until"`
}

func (h *ChatHandler) MuteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	var req MuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !h.requireMember(w, r, chatID, userID) {
		return
	}
	if err := h.chatRepo.SetMuteUntil(r.Context(), chatID, userID, req.MuteUntil); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update mute")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) requireMember(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
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

func (h *ChatHandler) requireAdmin(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
	role, err := h.chatRepo.GetMemberRole(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusForbidden, "not a member")
		return false
	}
	if role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}

// notifyMembers pushes a list invalidation to every member's user topic so
// open chat lists refresh the affected row.
func (h *ChatHandler) notifyMembers(ctx context.Context, chatID string, ev ws.OutgoingEvent) {
	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("notify members chat=%s: %v", chatID, err)
		return
	}
	for _, uid := range memberIDs {
		h.hub.Publish(ws.UserTopic(uid), ev)
	}
}
