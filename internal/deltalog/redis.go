package deltalog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	co "github.com/ilnaes/quillsync/internal/common"
)

// RedisStore keeps each log in a redis list. RPUSH appends and returns the new
// list length in one command, which is what makes Append atomic across
// processes sharing the same redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an already connected client. Keys are prefix+docId; an
// empty prefix stores logs directly under the document id.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) key(docId string) string {
	return r.prefix + docId
}

func (r *RedisStore) Append(ctx context.Context, docId string, delta co.Delta) (int, error) {
	n, err := r.rdb.RPush(ctx, r.key(docId), []byte(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to rpush %s: %w", docId, err)
	}
	return int(n), nil
}

func (r *RedisStore) ReadAll(ctx context.Context, docId string) ([]co.Delta, error) {
	vals, err := r.rdb.LRange(ctx, r.key(docId), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lrange %s: %w", docId, err)
	}

	res := make([]co.Delta, len(vals))
	for i, v := range vals {
		res[i] = co.Delta(v)
	}
	return res, nil
}

func (r *RedisStore) Clear(ctx context.Context, docId string) error {
	if err := r.rdb.Del(ctx, r.key(docId)).Err(); err != nil {
		return fmt.Errorf("failed to del %s: %w", docId, err)
	}
	return nil
}

// Close is a no-op; the client is shared with the relay and closed by its owner.
func (r *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
