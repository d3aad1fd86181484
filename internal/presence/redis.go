package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// presenceTTL чуть больше StaleAfter: протухание решает Resolve на чтении,
// TTL лишь выметает записи умерших сессий. Пропавший ключ читается как offline.
const presenceTTL = 2 * StaleAfter

const keyPrefix = "presence:"

// RedisStore хранит статусы в Redis по ключу presence:{user_id} (JSON).
type RedisStore struct {
	cli *redis.Client
}

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{cli: cli}, nil
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}

func (s *RedisStore) Set(ctx context.Context, p Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence marshal: %w", err)
	}
	if err := s.cli.Set(ctx, keyPrefix+p.UserID, data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("presence set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Presence, error) {
	val, err := s.cli.Get(ctx, keyPrefix+userID).Result()
	if err == redis.Nil {
		return Presence{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return Presence{}, fmt.Errorf("presence get: %w", err)
	}
	var p Presence
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return Presence{}, fmt.Errorf("presence unmarshal: %w", err)
	}
	return p, nil
}

func (s *RedisStore) GetMany(ctx context.Context, userIDs []string) (map[string]Presence, error) {
	out := make(map[string]Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = keyPrefix + id
	}
	vals, err := s.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence mget: %w", err)
	}
	for i, v := range vals {
		uid := userIDs[i]
		raw, ok := v.(string)
		if !ok {
			out[uid] = Presence{UserID: uid, Status: StatusOffline}
			continue
		}
		var p Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			out[uid] = Presence{UserID: uid, Status: StatusOffline}
			continue
		}
		out[uid] = p
	}
	return out, nil
}
