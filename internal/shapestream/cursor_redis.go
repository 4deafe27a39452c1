package shapestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCursorPrefix = "deskrelay:cursor:"

type RedisCursorStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCursorStore(redisURL string) (*RedisCursorStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCursorStoreWithClient(client), nil
}

func NewRedisCursorStoreWithClient(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client, prefix: redisCursorPrefix}
}

func (s *RedisCursorStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisCursorStore) Load(ctx context.Context, key string) (Cursor, bool, error) {
	if err := validateKey(key); err != nil {
		return Cursor{}, false, err
	}
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("load cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Cursor{}, false, fmt.Errorf("decode cursor: %w", err)
	}
	return c, true, nil
}

func (s *RedisCursorStore) Save(ctx context.Context, key string, cursor Cursor) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(cursorWith(cursor.HandleString(), cursor.Offset))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *RedisCursorStore) Close() error {
	return s.client.Close()
}
