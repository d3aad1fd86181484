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

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	defer logger.DeferLogDuration("session.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, created_at, last_seen_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, NULL)`,
		s.ID, s.UserID, s.TokenHash, s.CreatedAt, s.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create: %w", err)
	}
	return nil
}

// GetByTokenHash возвращает активную (не отозванную) сессию по хешу токена.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	defer logger.DeferLogDuration("session.GetByTokenHash", time.Now())()
	s := &model.Session{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, created_at, last_seen_at, revoked_at
		 FROM sessions WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash,
	).Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.LastSeenAt, &s.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetByTokenHash: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id string, t time.Time) error {
	defer logger.DeferLogDuration("session.UpdateLastSeen", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_seen_at = $1 WHERE id = $2`, t, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateLastSeen: %w", err)
	}
	return nil
}

// Revoke помечает сессию отозванной (logout). Токен перестаёт действовать.
func (r *SessionRepository) Revoke(ctx context.Context, id string, t time.Time) error {
	defer logger.DeferLogDuration("session.Revoke", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, t, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Revoke: %w", err)
	}
	return nil
}
