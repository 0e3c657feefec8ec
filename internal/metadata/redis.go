package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "shelf:metadata:"

// Redis keeps every record in a hash. Save replaces the hash in a MULTI
// transaction, so concurrent readers see either the old or the new record.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the server given by a redis:// url.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Load(ctx context.Context, uri string) (Values, error) {
	m, err := r.rdb.HGetAll(ctx, redisKey(uri)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return Values(m), nil
}

func (r *Redis) Save(ctx context.Context, uri string, v Values) error {
	key := redisKey(uri)
	fields := make(map[string]any, len(v))
	for k, s := range v {
		fields[k] = s
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, uri string) error {
	if err := r.rdb.Del(ctx, redisKey(uri)).Err(); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	return nil
}

func (r *Redis) URIs(ctx context.Context) ([]string, error) {
	var uris []string
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		uris = append(uris, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	return uris, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func redisKey(uri string) string {
	return redisKeyPrefix + uri
}
