package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries はWATCHが競合した場合の再試行回数。
const maxTxRetries = 4

// RedisStore はRedisを使用したStore実装。TTLはRedisのキー期限で強制する。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore はRedisStoreを生成する。prefixが空の場合は "propauth:sess" を使う。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "propauth:sess"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sid, key string) string {
	return s.prefix + ":" + sid + ":" + key
}

// Get は値を取得する。
func (s *RedisStore) Get(ctx context.Context, sid, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(sid, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session value: %w", err)
	}
	return data, nil
}

// Set は値をTTL付きで保存する。
func (s *RedisStore) Set(ctx context.Context, sid, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, sid, key)
	}
	if err := s.client.Set(ctx, s.key(sid, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session value: %w", err)
	}
	return nil
}

// Delete は値を削除する。
func (s *RedisStore) Delete(ctx context.Context, sid, key string) error {
	if err := s.client.Del(ctx, s.key(sid, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session value: %w", err)
	}
	return nil
}

// Update はWATCH/MULTIで読み取りと書き込みを不可分に行う。
// 競合した場合はmaxTxRetries回まで再試行し、それでも失敗した場合はErrConflictを返す。
func (s *RedisStore) Update(ctx context.Context, sid, key string, fn UpdateFunc) error {
	k := s.key(sid, key)

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return fmt.Errorf("failed to get session value: %w", err)
			}

			next, ttl, err := fn(current)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil || ttl <= 0 {
					pipe.Del(ctx, k)
					return nil
				}
				pipe.Set(ctx, k, next, ttl)
				return nil
			})
			return err
		}, k)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return ErrConflict
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
