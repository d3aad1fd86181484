package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const msgCols = `m.id, m.chat_id, m.sender_id, m.content, m.format, m.created_at, m.edited_at, m.is_deleted`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Format, &m.CreatedAt, &m.EditedAt, &m.IsDeleted)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, format, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Format, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	for i := range m.Attachments {
		a := &m.Attachments[i]
		a.MessageID = m.ID
		_, err := r.pool.Exec(ctx,
			`INSERT INTO message_attachments (message_id, url, kind, name, size)
			 VALUES ($1, $2, $3, $4, $5)`,
			a.MessageID, a.URL, a.Kind, a.Name, a.Size,
		)
		if err != nil {
			return fmt.Errorf("msgRepo.Create attachment: %w", err)
		}
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages m WHERE m.id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if err := r.attachAttachments(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// ListPage возвращает страницу сообщений чата для курсорной пагинации:
// не удалённые, строго старше курсора (created_at, id), по убыванию.
// Нулевой beforeAt — первая страница (самые новые). Ничья по created_at
// разрешается по id, чтобы страницы не имели дыр и дублей.
func (r *MessageRepository) ListPage(ctx context.Context, chatID string, beforeAt time.Time, beforeID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListPage", time.Now())()
	var (
		rows pgx.Rows
		err  error
	)
	if beforeAt.IsZero() {
		rows, err = r.pool.Query(ctx,
			`SELECT `+msgCols+` FROM messages m
			 WHERE m.chat_id = $1 AND m.is_deleted = false
			 ORDER BY m.created_at DESC, m.id DESC
			 LIMIT $2`, chatID, limit,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+msgCols+` FROM messages m
			 WHERE m.chat_id = $1 AND m.is_deleted = false
			   AND (m.created_at, m.id) < ($2, $3)
			 ORDER BY m.created_at DESC, m.id DESC
			 LIMIT $4`, chatID, beforeAt, beforeID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListPage scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage rows: %w", err)
	}

	ptrs := make([]*model.Message, len(messages))
	for i := range messages {
		ptrs[i] = &messages[i]
	}
	if err := r.attachAttachments(ctx, ptrs); err != nil {
		return nil, err
	}
	if err := r.attachReceipts(ctx, ptrs); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages m
		 WHERE m.chat_id = $1 AND m.is_deleted = false
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, chatID), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	if err := r.attachAttachments(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateContent edits a message's content and sets edited_at.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3`,
		content, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return nil
}

// SoftDelete marks a message as deleted and clears content. The row stays
// so that ordering and unread accounting remain stable.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}

func (r *MessageRepository) attachAttachments(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, url, kind, COALESCE(name,''), COALESCE(size,0)
		 FROM message_attachments WHERE message_id = ANY($1)
		 ORDER BY message_id, url`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.attachAttachments query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.MessageAttachment
		if err := rows.Scan(&a.MessageID, &a.URL, &a.Kind, &a.Name, &a.Size); err != nil {
			return fmt.Errorf("msgRepo.attachAttachments scan: %w", err)
		}
		if m, ok := byID[a.MessageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.attachAttachments rows: %w", err)
	}
	return nil
}

func (r *MessageRepository) attachReceipts(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, read_at
		 FROM message_reads WHERE message_id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.attachReceipts query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mr model.MessageRead
		if err := rows.Scan(&mr.MessageID, &mr.UserID, &mr.ReadAt); err != nil {
			return fmt.Errorf("msgRepo.attachReceipts scan: %w", err)
		}
		if m, ok := byID[mr.MessageID]; ok {
			m.ReadBy = append(m.ReadBy, mr)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.attachReceipts rows: %w", err)
	}
	return nil
}
