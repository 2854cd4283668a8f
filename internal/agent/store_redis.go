package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seenimoa/efundkyc/internal/jsonx"
	"github.com/seenimoa/efundkyc/internal/llm"
)

const redisKeyPrefix = "efund:memory:"

// RedisStore keeps each session log in a Redis list of JSON messages. The
// list expiry is refreshed on every append.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps client. A ttl of zero keeps logs until cleared.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func redisKey(sessionID string) string { return redisKeyPrefix + sessionID }

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs ...llm.Message) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		data, err := jsonx.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		values = append(values, string(data))
	}

	key := redisKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

// Messages implements Store.
func (s *RedisStore) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	key := redisKey(sessionID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read %s: %w", key, err)
	}
	msgs := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var msg llm.Message
		if err := jsonx.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", key, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	if err := s.client.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}
