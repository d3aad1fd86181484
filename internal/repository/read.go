package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stepup/flick/internal/logger"
)

// ReadRepository хранит расписки о прочтении. Идемпотентность держится на
// уникальном ключе (message_id, user_id), а не на проверках в коде.
type ReadRepository struct {
	pool *pgxpool.Pool
}

func NewReadRepository(pool *pgxpool.Pool) *ReadRepository {
	return &ReadRepository{pool: pool}
}

// MarkRead записывает расписку для одного сообщения. Повторный вызов — no-op.
func (r *ReadRepository) MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) error {
	defer logger.DeferLogDuration("read.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, readAt,
	)
	if err != nil {
		return fmt.Errorf("readRepo.MarkRead: %w", err)
	}
	return nil
}

// MarkChatRead записывает расписки на все непрочитанные сообщения чата разом
// (кроме собственных). Возвращает id сообщений, получивших новую расписку,
// чтобы обработчик разослал их открытым окнам чата.
func (r *ReadRepository) MarkChatRead(ctx context.Context, chatID, userID string, readAt time.Time) ([]string, error) {
	defer logger.DeferLogDuration("read.MarkChatRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $2, $3 FROM messages m
		 WHERE m.chat_id = $1 AND m.is_deleted = false
		   AND (m.sender_id IS NULL OR m.sender_id != $2)
		 ON CONFLICT DO NOTHING
		 RETURNING message_id`,
		chatID, userID, readAt,
	)
	if err != nil {
		return nil, fmt.Errorf("readRepo.MarkChatRead: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("readRepo.MarkChatRead scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readRepo.MarkChatRead rows: %w", err)
	}
	return ids, nil
}

// IsRead reports whether a receipt exists for the pair.
func (r *ReadRepository) IsRead(ctx context.Context, messageID, userID string) (bool, error) {
	defer logger.DeferLogDuration("read.IsRead", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM message_reads WHERE message_id = $1 AND user_id = $2)`,
		messageID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("readRepo.IsRead: %w", err)
	}
	return exists, nil
}
