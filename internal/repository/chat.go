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

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

const chatCols = `id, kind, COALESCE(title,''), avatar_url, created_by, created_at, updated_at`

func scanChat(s interface{ Scan(dest ...any) error }, c *model.Chat) error {
	return s.Scan(&c.ID, &c.Kind, &c.Title, &c.AvatarURL, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
}

func (r *ChatRepository) Create(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chats (id, kind, title, avatar_url, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Kind, c.Title, c.AvatarURL, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := scanChat(r.pool.QueryRow(ctx,
		`SELECT `+chatCols+` FROM chats WHERE id = $1`, id), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) UpdateChat(ctx context.Context, id, title, avatarURL string) error {
	defer logger.DeferLogDuration("chat.UpdateChat", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET title = $1, avatar_url = $2, updated_at = $3 WHERE id = $4`,
		title, avatarURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpdateChat: %w", err)
	}
	return nil
}

func (r *ChatRepository) AddMember(ctx context.Context, m *model.ChatMember) error {
	defer logger.DeferLogDuration("chat.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_members (chat_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		m.ChatID, m.UserID, m.Role, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.AddMember: %w", err)
	}
	return nil
}

func (r *ChatRepository) RemoveMember(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.RemoveMember: %w", err)
	}
	return nil
}

// SetMuteUntil включает/выключает mute участника (nil — снять mute).
func (r *ChatRepository) SetMuteUntil(ctx context.Context, chatID, userID string, until *time.Time) error {
	defer logger.DeferLogDuration("chat.SetMuteUntil", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_members SET mute_until = $1 WHERE chat_id = $2 AND user_id = $3`,
		until, chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SetMuteUntil: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetMembers(ctx context.Context, chatID string) ([]model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id, user_id, role, joined_at, mute_until
		 FROM chat_members WHERE chat_id = $1
		 ORDER BY joined_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.ChatMember, 0, 8)
	for rows.Next() {
		var m model.ChatMember
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt, &m.MuteUntil); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers rows: %w", err)
	}
	return members, nil
}

func (r *ChatRepository) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ChatRepository) GetMemberRole(ctx context.Context, chatID, userID string) (model.MemberRole, error) {
	defer logger.DeferLogDuration("chat.GetMemberRole", time.Now())()
	var role model.MemberRole
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("chatRepo.GetMemberRole: %w", err)
	}
	return role, nil
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.kind, COALESCE(c.title,''), c.avatar_url, c.created_by, c.created_at, c.updated_at
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}

// FindDirectChat ищет direct-чат между двумя пользователями (порядок не важен).
func (r *ChatRepository) FindDirectChat(ctx context.Context, userID1, userID2 string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindDirectChat", time.Now())()
	c := &model.Chat{}
	err := scanChat(r.pool.QueryRow(ctx,
		`SELECT c.id, c.kind, COALESCE(c.title,''), c.avatar_url, c.created_by, c.created_at, c.updated_at
		 FROM chats c
		 WHERE c.kind = 'direct'
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)`,
		userID1, userID2), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindDirectChat: %w", err)
	}
	return c, nil
}

// GetOrCreateDirectChat возвращает direct-чат пары пользователей, создавая его
// при отсутствии. Инвариант "не более одного direct-чата на пару" держится на
// этой lookup-or-create операции; оба участника получают роль member.
func (r *ChatRepository) GetOrCreateDirectChat(ctx context.Context, chatID, userID1, userID2 string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.GetOrCreateDirectChat", time.Now())()
	c, err := r.FindDirectChat(ctx, userID1, userID2)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	now := time.Now().UTC()
	c = &model.Chat{
		ID:        chatID,
		Kind:      model.ChatKindDirect,
		CreatedBy: userID1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Create(ctx, c); err != nil {
		return nil, false, err
	}
	for _, uid := range []string{userID1, userID2} {
		m := &model.ChatMember{ChatID: c.ID, UserID: uid, Role: model.RoleMember, JoinedAt: now}
		if err := r.AddMember(ctx, m); err != nil {
			return nil, false, err
		}
	}
	return c, true, nil
}

// GetUnreadCount считает непрочитанные сообщения: не удалённые, не от самого
// пользователя (системные тоже считаются) и без расписки о прочтении.
func (r *ChatRepository) GetUnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.GetUnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.chat_id = $1 AND m.is_deleted = false
		   AND (m.sender_id IS NULL OR m.sender_id != $2)
		   AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $2)`,
		chatID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.GetUnreadCount: %w", err)
	}
	return count, nil
}
