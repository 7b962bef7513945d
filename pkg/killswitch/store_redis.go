package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisHashKey     = "stackpilot:killswitch"
	redisReadOnlyKey = "stackpilot:killswitch:readonly"
)

// RedisStore shares switch state across processes. Every Get is a
// round trip, so an activation written by one node blocks the next
// step on every other node with no propagation delay beyond Redis
// itself.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, a Activation) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("killswitch: marshal activation: %w", err)
	}
	return s.client.HSet(ctx, redisHashKey, key(a.Scope, a.ID), raw).Err()
}

func (s *RedisStore) Delete(ctx context.Context, scope Scope, id string) error {
	return s.client.HDel(ctx, redisHashKey, key(scope, id)).Err()
}

func (s *RedisStore) Get(ctx context.Context, scope Scope, id string) (*Activation, error) {
	raw, err := s.client.HGet(ctx, redisHashKey, key(scope, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a Activation
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("killswitch: unmarshal activation: %w", err)
	}
	return &a, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Activation, error) {
	all, err := s.client.HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Activation, 0, len(all))
	for _, raw := range all {
		var a Activation
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("killswitch: unmarshal activation: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) SetReadOnly(ctx context.Context, on bool) error {
	if on {
		return s.client.Set(ctx, redisReadOnlyKey, "1", 0).Err()
	}
	return s.client.Del(ctx, redisReadOnlyKey).Err()
}

func (s *RedisStore) ReadOnly(ctx context.Context) (bool, error) {
	_, err := s.client.Get(ctx, redisReadOnlyKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
