package model

import "time"

// Session — авторизованная сессия. Токен хранится хешем (SHA-256),
// сам токен отдаётся клиенту один раз при входе.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	RevokedAt  *time.Time `json:"-"`
}
