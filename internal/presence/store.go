package presence

import "context"

// Store — хранилище статусов. Реализации: redis (прод), memory (-dev и тесты).
// Запись перезаписывает предыдущую (last-write-wins), Get по неизвестному
// пользователю возвращает offline-запись, не ошибку.
type Store interface {
	Set(ctx context.Context, p Presence) error
	Get(ctx context.Context, userID string) (Presence, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]Presence, error)
	Close() error
}
