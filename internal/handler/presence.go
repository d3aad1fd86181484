package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/presence"
)

const maxPresenceQuery = 100

type PresenceHandler struct {
	store presence.Store
}

func NewPresenceHandler(store presence.Store) *PresenceHandler {
	return &PresenceHandler{store: store}
}

type PresenceEntry struct {
	UserID   string          `json:"user_id"`
	Status   presence.Status `json:"status"`
	LastSeen time.Time       `json:"last_seen"`
}

// Get returns resolved statuses for ?user_ids=a,b,c. Stale online/away reads
// as offline; the raw record is never exposed.
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_ids"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "user_ids required")
		return
	}
	ids := strings.Split(raw, ",")
	if len(ids) > maxPresenceQuery {
		writeError(w, http.StatusBadRequest, "too many user_ids")
		return
	}

	records, err := h.store.GetMany(r.Context(), ids)
	if err != nil {
		logger.Errorf("presence get: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load presence")
		return
	}

	now := time.Now().UTC()
	out := make([]PresenceEntry, 0, len(ids))
	for _, id := range ids {
		p := records[id]
		out = append(out, PresenceEntry{
			UserID:   id,
			Status:   presence.Resolve(p, now),
			LastSeen: p.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
