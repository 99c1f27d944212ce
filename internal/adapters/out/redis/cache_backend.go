package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/authstate/internal/domain/errs"
)

const scanCount = 500

// 仅当值与持有者令牌一致时删除，迟到的释放不会清掉新持有者的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CacheBackend Redis 缓存后端的原始键值视图，同时提供同步锁
type CacheBackend struct {
	client redis.UniversalClient
}

func NewCacheBackend(client redis.UniversalClient) *CacheBackend {
	return &CacheBackend{client: client}
}

func (b *CacheBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	return scanKeys(ctx, b.client, prefix+"*")
}

func (b *CacheBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Backend("redis get", err)
	}
	return data, nil
}

func (b *CacheBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Backend("redis set", err)
	}
	return nil
}

func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return errs.Backend("redis del", err)
	}
	return nil
}

func (b *CacheBackend) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, errs.Backend("redis setnx", err)
	}
	return ok, nil
}

func (b *CacheBackend) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := unlockScript.Run(ctx, b.client, []string{key}, token).Int64()
	if err != nil {
		return false, errs.Backend("redis unlock", err)
	}
	return n == 1, nil
}

// scanKeys 用 SCAN 遍历，避免 KEYS 阻塞实例
func scanKeys(ctx context.Context, client redis.UniversalClient, pattern string) ([]string, error) {
	var keys []string
	seen := make(map[string]struct{})
	iter := client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		// SCAN 可能返回重复键
		k := iter.Val()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Backend("redis scan", err)
	}
	return keys, nil
}
