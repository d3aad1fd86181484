package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/middleware"
	"github.com/stepup/flick/internal/presence"
	"github.com/stepup/flick/internal/repository"
	"github.com/stepup/flick/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	chatRepo       *repository.ChatRepository
	presenceStore  presence.Store
	allowedOrigins string
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, chatRepo *repository.ChatRepository, presenceStore presence.Store, allowedOrigins string) *WSHandler {
	return &WSHandler{
		hub:            hub,
		chatRepo:       chatRepo,
		presenceStore:  presenceStore,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the connection, starts the presence tracker for the
// session and registers the client with the hub. Presence transitions are
// announced to the chat topics the user is a member of.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	tracker := presence.StartTracker(h.presenceStore, userID)
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID)
	client.SetTracker(tracker)
	client.Start(ctx, cancel)
	h.hub.Register(client)
	h.announce(userID, presence.StatusOnline)

	// Трекер живёт ровно столько, сколько соединение.
	go func() {
		client.Wait()
		tracker.Stop()
		h.announce(userID, presence.StatusOffline)
	}()
}

// announce publishes the transition to every chat the user belongs to.
func (h *WSHandler) announce(userID string, status presence.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chats, err := h.chatRepo.GetUserChats(ctx, userID)
	if err != nil {
		logger.Errorf("ws presence announce user=%s: %v", userID, err)
		return
	}
	ev := ws.OutgoingEvent{
		Type:    ws.EventPresence,
		Payload: ws.PresencePayload{UserID: userID, Status: status},
	}
	for _, chat := range chats {
		h.hub.PublishExcept(ws.ChatTopic(chat.ID), userID, ev)
	}
}
