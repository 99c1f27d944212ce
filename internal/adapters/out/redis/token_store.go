package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/authstate/internal/domain/codec"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

const (
	// 乐观事务冲突时的重试次数
	maxWatchRetries = 3
	// MGET 分批大小
	mgetChunk = 200
)

// TokenStoreRedis Redis令牌仓储实现
// 主记录带 TTL，user_tokens 与 status 两类索引集合不设 TTL，由 RemoveExpired 修剪
type TokenStoreRedis struct {
	client     redis.UniversalClient
	keys       entity.KeySpace
	defaultTTL time.Duration
	now        func() time.Time
}

func NewTokenStoreRedis(client redis.UniversalClient, keys entity.KeySpace, defaultTTL time.Duration) *TokenStoreRedis {
	return &TokenStoreRedis{
		client:     client,
		keys:       keys,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

var _ out.TokenStore = (*TokenStoreRedis)(nil)
var _ out.IndexRebuilder = (*TokenStoreRedis)(nil)

func (r *TokenStoreRedis) Save(ctx context.Context, token *entity.TokenRecord) error {
	if err := token.Validate(); err != nil {
		return err
	}
	data, err := codec.EncodeToken(token)
	if err != nil {
		return err
	}

	key := r.keys.TokenKey(token.TokenHash)
	prev, err := r.load(ctx, r.client, key)
	if err != nil && !errors.Is(err, errs.ErrSerialization) {
		return err
	}

	ttl := entity.RemainingTTL(token.ExpiresAt, r.now(), r.defaultTTL)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		if prev != nil && prev.UserID != token.UserID {
			pipe.SRem(ctx, r.keys.UserTokensKey(prev.UserID), token.TokenHash)
		}
		r.indexStatus(ctx, pipe, token.TokenHash, token.Status)
		pipe.SAdd(ctx, r.keys.UserTokensKey(token.UserID), token.TokenHash)
		return nil
	})
	if err != nil {
		return errs.Backend("redis save token", err)
	}
	return nil
}

// indexStatus 令牌只出现在当前状态对应的集合里
func (r *TokenStoreRedis) indexStatus(ctx context.Context, pipe redis.Pipeliner, hash string, status entity.TokenStatus) {
	for _, s := range entity.AllTokenStatuses {
		if s == status {
			pipe.SAdd(ctx, r.keys.StatusKey(s), hash)
		} else {
			pipe.SRem(ctx, r.keys.StatusKey(s), hash)
		}
	}
}

func (r *TokenStoreRedis) load(ctx context.Context, c redis.Cmdable, key string) (*entity.TokenRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errs.Backend("redis get token", err)
	}
	return codec.DecodeToken(data)
}

func (r *TokenStoreRedis) FindByHash(ctx context.Context, tokenHash string) (*entity.TokenRecord, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	return r.load(ctx, r.client, r.keys.TokenKey(tokenHash))
}

// FindByID 没有 ID 索引，按前缀扫描主记录
func (r *TokenStoreRedis) FindByID(ctx context.Context, id string) (*entity.TokenRecord, error) {
	if id == "" {
		return nil, errs.Validation("token id is empty")
	}
	keys, err := scanKeys(ctx, r.client, r.keys.TokenPrefix()+"*")
	if err != nil {
		return nil, err
	}
	var found *entity.TokenRecord
	err = r.eachRecord(ctx, keys, func(_ string, t *entity.TokenRecord) bool {
		if t != nil && t.ID == id {
			found = t
			return false
		}
		return true
	})
	return found, err
}

// eachRecord 分批 MGET，记录缺失时回调收到 nil，回调返回 false 停止遍历
// 无法解码的记录跳过
func (r *TokenStoreRedis) eachRecord(ctx context.Context, keys []string, fn func(key string, t *entity.TokenRecord) bool) error {
	for start := 0; start < len(keys); start += mgetChunk {
		end := min(start+mgetChunk, len(keys))
		chunk := keys[start:end]
		vals, err := r.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return errs.Backend("redis mget tokens", err)
		}
		for i, v := range vals {
			var t *entity.TokenRecord
			if s, ok := v.(string); ok {
				t, err = codec.DecodeToken([]byte(s))
				if err != nil {
					continue
				}
			}
			if !fn(chunk[i], t) {
				return nil
			}
		}
	}
	return nil
}

func (r *TokenStoreRedis) FindActiveByUserID(ctx context.Context, userID string) ([]*entity.TokenRecord, error) {
	if userID == "" {
		return nil, errs.Validation("user id is empty")
	}
	setKey := r.keys.UserTokensKey(userID)
	hashes, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, errs.Backend("redis smembers user tokens", err)
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = r.keys.TokenKey(h)
	}

	now := r.now()
	var result []*entity.TokenRecord
	var stale []any
	err = r.eachRecord(ctx, keys, func(key string, t *entity.TokenRecord) bool {
		if t == nil {
			if h, ok := entity.HashFromKey(r.keys.TokenPrefix(), key); ok {
				stale = append(stale, h)
			}
			return true
		}
		if t.Status == entity.TokenStatusActive && !t.IsExpired(now) {
			result = append(result, t)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	// 主记录已被 TTL 淘汰的索引成员顺手清掉
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, setKey, stale...).Err()
	}
	return result, nil
}

func (r *TokenStoreRedis) UpdateStatus(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (*entity.TokenRecord, error) {
	t, _, err := r.updateStatus(ctx, tokenHash, status, reason, actor)
	return t, err
}

// updateStatus 在 WATCH 下读改写主记录并同步状态索引
func (r *TokenStoreRedis) updateStatus(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (*entity.TokenRecord, bool, error) {
	if tokenHash == "" {
		return nil, false, errs.Validation("token hash is empty")
	}
	if !status.Valid() {
		return nil, false, errs.Validation("unknown token status %q", status)
	}

	key := r.keys.TokenKey(tokenHash)
	var updated *entity.TokenRecord
	var changed bool

	txf := func(tx *redis.Tx) error {
		t, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("token %s: %w", tokenHash, errs.ErrNotFound)
		}
		now := r.now()
		changed, err = t.ApplyStatus(status, reason, actor, now)
		if err != nil {
			return err
		}
		updated = t
		if !changed {
			return nil
		}
		data, err := codec.EncodeToken(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, entity.RemainingTTL(t.ExpiresAt, now, r.defaultTTL))
			r.indexStatus(ctx, pipe, tokenHash, status)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, changed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errs.IsValidation(err) || errs.IsNotFound(err) || errors.Is(err, errs.ErrSerialization) || errors.Is(err, errs.ErrBackend) {
			return nil, false, err
		}
		return nil, false, errs.Backend("redis update token status", err)
	}
	return nil, false, errs.Backend("redis update token status", redis.TxFailedErr)
}

// BatchUpdateStatus 不存在的令牌跳过，其余错误立即返回
func (r *TokenStoreRedis) BatchUpdateStatus(ctx context.Context, tokenHashes []string, status entity.TokenStatus, reason, actor string) (int64, error) {
	var n int64
	for _, h := range tokenHashes {
		_, changed, err := r.updateStatus(ctx, h, status, reason, actor)
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (r *TokenStoreRedis) CountActive(ctx context.Context) (int64, error) {
	return r.CountByStatus(ctx, entity.TokenStatusActive)
}

func (r *TokenStoreRedis) CountByStatus(ctx context.Context, status entity.TokenStatus) (int64, error) {
	if !status.Valid() {
		return 0, errs.Validation("unknown token status %q", status)
	}
	n, err := r.client.SCard(ctx, r.keys.StatusKey(status)).Result()
	if err != nil {
		return 0, errs.Backend("redis scard", err)
	}
	return n, nil
}

// RemoveExpired 删除已过期主记录，并修剪主记录已被 TTL 淘汰的索引成员
// 两者都计入删除数
func (r *TokenStoreRedis) RemoveExpired(ctx context.Context) (int64, error) {
	now := r.now()
	removed := make(map[string]struct{})

	for _, status := range entity.AllTokenStatuses {
		setKey := r.keys.StatusKey(status)
		hashes, err := r.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return int64(len(removed)), errs.Backend("redis smembers status", err)
		}
		keys := make([]string, len(hashes))
		for i, h := range hashes {
			keys[i] = r.keys.TokenKey(h)
		}

		var expired []*entity.TokenRecord
		var stale []any
		err = r.eachRecord(ctx, keys, func(key string, t *entity.TokenRecord) bool {
			switch {
			case t == nil:
				if h, ok := entity.HashFromKey(r.keys.TokenPrefix(), key); ok {
					stale = append(stale, h)
				}
			case t.IsExpired(now):
				expired = append(expired, t)
			}
			return true
		})
		if err != nil {
			return int64(len(removed)), err
		}

		_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.SRem(ctx, setKey, stale...)
			}
			for _, t := range expired {
				pipe.Del(ctx, r.keys.TokenKey(t.TokenHash))
				pipe.SRem(ctx, setKey, t.TokenHash)
				pipe.SRem(ctx, r.keys.UserTokensKey(t.UserID), t.TokenHash)
			}
			return nil
		})
		if err != nil {
			return int64(len(removed)), errs.Backend("redis remove expired tokens", err)
		}
		for _, h := range stale {
			removed[h.(string)] = struct{}{}
		}
		for _, t := range expired {
			removed[t.TokenHash] = struct{}{}
		}
	}
	return int64(len(removed)), nil
}

// RebuildIndexes 清空 user_tokens 与 status 集合后按主记录重建
func (r *TokenStoreRedis) RebuildIndexes(ctx context.Context) (int, error) {
	primaries, err := scanKeys(ctx, r.client, r.keys.TokenPrefix()+"*")
	if err != nil {
		return 0, err
	}
	userSets, err := scanKeys(ctx, r.client, r.keys.UserTokensKey("*"))
	if err != nil {
		return 0, err
	}

	byUser := make(map[string][]any)
	byStatus := make(map[entity.TokenStatus][]any)
	indexed := 0
	err = r.eachRecord(ctx, primaries, func(_ string, t *entity.TokenRecord) bool {
		if t == nil {
			return true
		}
		byUser[t.UserID] = append(byUser[t.UserID], t.TokenHash)
		byStatus[t.Status] = append(byStatus[t.Status], t.TokenHash)
		indexed++
		return true
	})
	if err != nil {
		return 0, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range userSets {
			pipe.Del(ctx, k)
		}
		for _, s := range entity.AllTokenStatuses {
			pipe.Del(ctx, r.keys.StatusKey(s))
		}
		for uid, hashes := range byUser {
			pipe.SAdd(ctx, r.keys.UserTokensKey(uid), hashes...)
		}
		for s, hashes := range byStatus {
			pipe.SAdd(ctx, r.keys.StatusKey(s), hashes...)
		}
		return nil
	})
	if err != nil {
		return 0, errs.Backend("redis rebuild token indexes", err)
	}
	return indexed, nil
}
