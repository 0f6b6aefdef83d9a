package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/SharmARohitt/Hypnos/pkg/mirror"
)

// DefaultCursorKey is the Redis hash holding one field per shard cursor.
const DefaultCursorKey = "hypnos:reconciler:cursors"

// RedisCursorStore keeps shard cursors in a Redis hash so several mirror
// replicas can share progress.
type RedisCursorStore struct {
	client *redis.Client
	key    string
}

var _ mirror.CursorStore = (*RedisCursorStore)(nil)

// NewRedisCursorStore connects lazily to the Redis server at addr.
func NewRedisCursorStore(addr, password string, db int) *RedisCursorStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCursorStore{client: rdb, key: DefaultCursorKey}
}

// WithKey overrides the hash key, e.g. to isolate environments.
func (s *RedisCursorStore) WithKey(key string) *RedisCursorStore {
	s.key = key
	return s
}

func (s *RedisCursorStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCursorStore) Cursor(ctx context.Context, name string) (uint64, error) {
	raw, err := s.client.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis cursor %s: %w", name, err)
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis cursor %s: %w", name, err)
	}
	return seq, nil
}

func (s *RedisCursorStore) SaveCursor(ctx context.Context, name string, seq uint64) error {
	if err := s.client.HSet(ctx, s.key, name, strconv.FormatUint(seq, 10)).Err(); err != nil {
		return fmt.Errorf("redis save cursor %s: %w", name, err)
	}
	return nil
}

func (s *RedisCursorStore) Close() error {
	return s.client.Close()
}
