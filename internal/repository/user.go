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

var ErrNotFound = errors.New("not found")

const userCols = `id, username, email, password_hash, avatar_url, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.AvatarURL, &u.CreatedAt)
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, avatar_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.AvatarURL, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id), u)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	u := &model.User{}
	err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email), u)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByEmail: %w", err)
	}
	return u, nil
}

// GetPublicByIDs returns display info for a set of users (for message senders
// and chat member lists). Missing ids are silently absent from the result.
func (r *UserRepository) GetPublicByIDs(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	defer logger.DeferLogDuration("user.GetPublicByIDs", time.Now())()
	if len(ids) == 0 {
		return map[string]model.UserPublic{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, avatar_url FROM users WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetPublicByIDs query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.UserPublic, len(ids))
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("userRepo.GetPublicByIDs scan: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetPublicByIDs rows: %w", err)
	}
	return out, nil
}

// SearchUsers ищет пользователей по имени или email (для начала нового чата).
func (r *UserRepository) SearchUsers(ctx context.Context, query string, limit int) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("user.SearchUsers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, avatar_url FROM users
		 WHERE username ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'
		 ORDER BY username
		 LIMIT $2`, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.SearchUsers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, limit)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("userRepo.SearchUsers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.SearchUsers rows: %w", err)
	}
	return users, nil
}
