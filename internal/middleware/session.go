package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/repository"
)

// HashToken возвращает hex SHA-256 токена. В БД хранится только хэш,
// сам токен живёт у клиента.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionAuth проверяет bearer-токен (заголовок Authorization или query
// token= для WebSocket) и кладёт user_id/session_id в контекст.
// Отсутствие или отзыв сессии — 401.
func SessionAuth(sessionRepo *repository.SessionRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			session, err := sessionRepo.GetByTokenHash(r.Context(), HashToken(token))
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			if err := sessionRepo.UpdateLastSeen(r.Context(), session.ID, time.Now().UTC()); err != nil {
				logger.Errorf("session middleware UpdateLastSeen session_id=%s: %v", session.ID, err)
			}

			ctx := context.WithValue(r.Context(), UserIDKey, session.UserID)
			ctx = context.WithValue(ctx, SessionIDKey, session.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Браузерный WebSocket API не умеет ставить заголовки на upgrade.
	return r.URL.Query().Get("token")
}
