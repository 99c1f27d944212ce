package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EthanQC/authstate/internal/domain/codec"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// TokenStoreDurable 持久层令牌仓储
// 没有二级索引，按用户、状态、ID 的查询都通过前缀扫描完成
type TokenStoreDurable struct {
	store out.ConfigStore
	keys  entity.KeySpace
	now   func() time.Time
	// 串行化本进程内的读改写
	mu sync.Mutex
}

func NewTokenStoreDurable(store out.ConfigStore, keys entity.KeySpace) *TokenStoreDurable {
	return &TokenStoreDurable{store: store, keys: keys, now: time.Now}
}

var _ out.TokenStore = (*TokenStoreDurable)(nil)

func (s *TokenStoreDurable) Save(ctx context.Context, token *entity.TokenRecord) error {
	if err := token.Validate(); err != nil {
		return err
	}
	data, err := codec.EncodeToken(token)
	if err != nil {
		return err
	}
	return s.store.SaveConfig(ctx, s.keys.TokenKey(token.TokenHash), data)
}

func (s *TokenStoreDurable) load(ctx context.Context, key string) (*entity.TokenRecord, error) {
	data, err := s.store.GetConfig(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return codec.DecodeToken(data)
}

func (s *TokenStoreDurable) FindByHash(ctx context.Context, tokenHash string) (*entity.TokenRecord, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	return s.load(ctx, s.keys.TokenKey(tokenHash))
}

// each 遍历全部令牌记录，无法解码或已被并发删除的记录跳过；fn 返回 false 停止
func (s *TokenStoreDurable) each(ctx context.Context, fn func(t *entity.TokenRecord) bool) error {
	keys, err := s.store.Keys(ctx, s.keys.TokenPrefix())
	if err != nil {
		return err
	}
	for _, key := range keys {
		t, err := s.load(ctx, key)
		if err != nil {
			if errors.Is(err, errs.ErrSerialization) {
				continue
			}
			return err
		}
		if t == nil {
			continue
		}
		if !fn(t) {
			return nil
		}
	}
	return nil
}

func (s *TokenStoreDurable) FindByID(ctx context.Context, id string) (*entity.TokenRecord, error) {
	if id == "" {
		return nil, errs.Validation("token id is empty")
	}
	var found *entity.TokenRecord
	err := s.each(ctx, func(t *entity.TokenRecord) bool {
		if t.ID == id {
			found = t
			return false
		}
		return true
	})
	return found, err
}

func (s *TokenStoreDurable) FindActiveByUserID(ctx context.Context, userID string) ([]*entity.TokenRecord, error) {
	if userID == "" {
		return nil, errs.Validation("user id is empty")
	}
	now := s.now()
	var result []*entity.TokenRecord
	err := s.each(ctx, func(t *entity.TokenRecord) bool {
		if t.UserID == userID && t.Status == entity.TokenStatusActive && !t.IsExpired(now) {
			result = append(result, t)
		}
		return true
	})
	return result, err
}

func (s *TokenStoreDurable) UpdateStatus(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (*entity.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, err := s.updateStatusLocked(ctx, tokenHash, status, reason, actor)
	return t, err
}

func (s *TokenStoreDurable) updateStatusLocked(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (*entity.TokenRecord, bool, error) {
	if tokenHash == "" {
		return nil, false, errs.Validation("token hash is empty")
	}
	t, err := s.load(ctx, s.keys.TokenKey(tokenHash))
	if err != nil {
		return nil, false, err
	}
	if t == nil {
		return nil, false, fmt.Errorf("token %s: %w", tokenHash, errs.ErrNotFound)
	}
	changed, err := t.ApplyStatus(status, reason, actor, s.now())
	if err != nil || !changed {
		return t, false, err
	}
	data, err := codec.EncodeToken(t)
	if err != nil {
		return nil, false, err
	}
	if err := s.store.SaveConfig(ctx, s.keys.TokenKey(tokenHash), data); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (s *TokenStoreDurable) BatchUpdateStatus(ctx context.Context, tokenHashes []string, status entity.TokenStatus, reason, actor string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, h := range tokenHashes {
		_, changed, err := s.updateStatusLocked(ctx, h, status, reason, actor)
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

func (s *TokenStoreDurable) CountActive(ctx context.Context) (int64, error) {
	return s.CountByStatus(ctx, entity.TokenStatusActive)
}

func (s *TokenStoreDurable) CountByStatus(ctx context.Context, status entity.TokenStatus) (int64, error) {
	if !status.Valid() {
		return 0, errs.Validation("unknown token status %q", status)
	}
	var n int64
	err := s.each(ctx, func(t *entity.TokenRecord) bool {
		if t.Status == status {
			n++
		}
		return true
	})
	return n, err
}

func (s *TokenStoreDurable) RemoveExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var expired []string
	err := s.each(ctx, func(t *entity.TokenRecord) bool {
		if t.IsExpired(now) {
			expired = append(expired, t.TokenHash)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, h := range expired {
		if err := s.store.DeleteConfig(ctx, s.keys.TokenKey(h)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
