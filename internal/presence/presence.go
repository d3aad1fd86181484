// Package presence отслеживает онлайн-статус пользователей: heartbeat каждые
// 30 секунд, переход в away по бездействию, best-effort offline при закрытии
// соединения. Хранилище — last-write-wins, одна запись на пользователя,
// история не ведётся.
package presence

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

const (
	// HeartbeatInterval — период перезаписи online с обновлённым last_seen.
	HeartbeatInterval = 30 * time.Second
	// StaleAfter — два пропущенных heartbeat: online/away старше этого
	// срока читается как offline.
	StaleAfter = 60 * time.Second
	// DefaultIdleAfter — бездействие, после которого online переходит в away.
	DefaultIdleAfter = 5 * time.Minute
)

// Presence — текущее состояние пользователя. UpdatedAt — момент последней
// записи (heartbeat или переход), LastSeen — последняя активность.
type Presence struct {
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolve возвращает эффективный статус для читателя: запись online/away без
// heartbeat дольше StaleAfter считается offline. Само хранилище записи не
// инвалидирует — протухание решается на чтении.
func Resolve(p Presence, now time.Time) Status {
	if p.Status == StatusOffline || p.Status == "" {
		return StatusOffline
	}
	if now.Sub(p.UpdatedAt) > StaleAfter {
		return StatusOffline
	}
	return p.Status
}
