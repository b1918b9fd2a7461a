package loginstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	enginerrors "kinvault/pkg/engine-errors"
)

// RedisStore keeps pending login state in Redis, where the TTL is enforced
// by the server and one-time semantics by GETDEL. Used when more than one
// instance terminates logins.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(clientID string) string {
	return "loginstate:" + clientID
}

func (s *RedisStore) Put(ctx context.Context, clientID string, state []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key(clientID), state, ttl).Err(); err != nil {
		return fmt.Errorf("storing login state: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, clientID string) ([]byte, error) {
	state, err := s.client.GetDel(ctx, key(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, enginerrors.New(enginerrors.CodeNotFound, "no pending login")
	}
	if err != nil {
		return nil, fmt.Errorf("taking login state: %w", err)
	}
	return state, nil
}
