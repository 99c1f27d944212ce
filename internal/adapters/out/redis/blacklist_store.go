package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/authstate/internal/domain/codec"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// BlacklistStoreRedis Redis黑名单仓储实现
// 条目键的 TTL 跟随 ExpiresAt，blacklist_index 集合记录全部条目
type BlacklistStoreRedis struct {
	client     redis.UniversalClient
	keys       entity.KeySpace
	defaultTTL time.Duration
	now        func() time.Time
}

func NewBlacklistStoreRedis(client redis.UniversalClient, keys entity.KeySpace, defaultTTL time.Duration) *BlacklistStoreRedis {
	return &BlacklistStoreRedis{
		client:     client,
		keys:       keys,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

var _ out.BlacklistStore = (*BlacklistStoreRedis)(nil)
var _ out.IndexRebuilder = (*BlacklistStoreRedis)(nil)

func (r *BlacklistStoreRedis) Add(ctx context.Context, entry *entity.BlacklistEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := codec.EncodeBlacklist(entry)
	if err != nil {
		return err
	}
	ttl := entity.RemainingTTL(entry.ExpiresAt, r.now(), r.defaultTTL)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.BlacklistKey(entry.TokenHash), data, ttl)
		pipe.SAdd(ctx, r.keys.BlacklistIndexKey(), entry.TokenHash)
		return nil
	})
	if err != nil {
		return errs.Backend("redis add blacklist", err)
	}
	return nil
}

func (r *BlacklistStoreRedis) Get(ctx context.Context, tokenHash string) (*entity.BlacklistEntry, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	data, err := r.client.Get(ctx, r.keys.BlacklistKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errs.Backend("redis get blacklist", err)
	}
	e, err := codec.DecodeBlacklist(data)
	if err != nil {
		return nil, err
	}
	// TTL 至少一分钟，过期后键可能还在
	if !e.IsActive(r.now()) {
		return nil, nil
	}
	return e, nil
}

func (r *BlacklistStoreRedis) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	e, err := r.Get(ctx, tokenHash)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

func (r *BlacklistStoreRedis) Remove(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return errs.Validation("token hash is empty")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys.BlacklistKey(tokenHash))
		pipe.SRem(ctx, r.keys.BlacklistIndexKey(), tokenHash)
		return nil
	})
	if err != nil {
		return errs.Backend("redis remove blacklist", err)
	}
	return nil
}

// scan 遍历索引成员，缺失或无法解码的条目回调收到 nil
func (r *BlacklistStoreRedis) scan(ctx context.Context, fn func(hash string, e *entity.BlacklistEntry)) error {
	hashes, err := r.client.SMembers(ctx, r.keys.BlacklistIndexKey()).Result()
	if err != nil {
		return errs.Backend("redis smembers blacklist index", err)
	}
	for start := 0; start < len(hashes); start += mgetChunk {
		end := min(start+mgetChunk, len(hashes))
		chunk := hashes[start:end]
		keys := make([]string, len(chunk))
		for i, h := range chunk {
			keys[i] = r.keys.BlacklistKey(h)
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return errs.Backend("redis mget blacklist", err)
		}
		for i, v := range vals {
			var e *entity.BlacklistEntry
			if s, ok := v.(string); ok {
				if decoded, derr := codec.DecodeBlacklist([]byte(s)); derr == nil {
					e = decoded
				}
			}
			fn(chunk[i], e)
		}
	}
	return nil
}

func (r *BlacklistStoreRedis) Size(ctx context.Context) (int64, error) {
	now := r.now()
	var n int64
	err := r.scan(ctx, func(_ string, e *entity.BlacklistEntry) {
		if e != nil && e.IsActive(now) {
			n++
		}
	})
	return n, err
}

// RemoveExpired 删除已过期条目，并修剪主键已被 TTL 淘汰的索引成员，两者都计数
func (r *BlacklistStoreRedis) RemoveExpired(ctx context.Context) (int64, error) {
	now := r.now()
	var gone []string
	err := r.scan(ctx, func(hash string, e *entity.BlacklistEntry) {
		if e == nil || !e.IsActive(now) {
			gone = append(gone, hash)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(gone) == 0 {
		return 0, nil
	}

	members := make([]any, len(gone))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, h := range gone {
			pipe.Del(ctx, r.keys.BlacklistKey(h))
			members[i] = h
		}
		pipe.SRem(ctx, r.keys.BlacklistIndexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, errs.Backend("redis remove expired blacklist", err)
	}
	return int64(len(gone)), nil
}

func (r *BlacklistStoreRedis) CountExpiring(ctx context.Context, within time.Duration) (int64, error) {
	now := r.now()
	deadline := now.Add(within)
	var n int64
	err := r.scan(ctx, func(_ string, e *entity.BlacklistEntry) {
		if e != nil && e.IsActive(now) && !e.ExpiresAt.After(deadline) {
			n++
		}
	})
	return n, err
}

// RebuildIndexes 按主键重建 blacklist_index
func (r *BlacklistStoreRedis) RebuildIndexes(ctx context.Context) (int, error) {
	keys, err := scanKeys(ctx, r.client, r.keys.BlacklistPrefix()+"*")
	if err != nil {
		return 0, err
	}
	members := make([]any, 0, len(keys))
	for _, k := range keys {
		if h, ok := entity.HashFromKey(r.keys.BlacklistPrefix(), k); ok {
			members = append(members, h)
		}
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys.BlacklistIndexKey())
		if len(members) > 0 {
			pipe.SAdd(ctx, r.keys.BlacklistIndexKey(), members...)
		}
		return nil
	})
	if err != nil {
		return 0, errs.Backend("redis rebuild blacklist index", err)
	}
	return len(members), nil
}
