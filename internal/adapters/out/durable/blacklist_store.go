package durable

import (
	"context"
	"errors"
	"time"

	"github.com/EthanQC/authstate/internal/domain/codec"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// BlacklistStoreDurable 持久层黑名单仓储
type BlacklistStoreDurable struct {
	store out.ConfigStore
	keys  entity.KeySpace
	now   func() time.Time
}

func NewBlacklistStoreDurable(store out.ConfigStore, keys entity.KeySpace) *BlacklistStoreDurable {
	return &BlacklistStoreDurable{store: store, keys: keys, now: time.Now}
}

var _ out.BlacklistStore = (*BlacklistStoreDurable)(nil)

func (s *BlacklistStoreDurable) Add(ctx context.Context, entry *entity.BlacklistEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := codec.EncodeBlacklist(entry)
	if err != nil {
		return err
	}
	return s.store.SaveConfig(ctx, s.keys.BlacklistKey(entry.TokenHash), data)
}

func (s *BlacklistStoreDurable) load(ctx context.Context, key string) (*entity.BlacklistEntry, error) {
	data, err := s.store.GetConfig(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return codec.DecodeBlacklist(data)
}

func (s *BlacklistStoreDurable) Get(ctx context.Context, tokenHash string) (*entity.BlacklistEntry, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	e, err := s.load(ctx, s.keys.BlacklistKey(tokenHash))
	if err != nil || e == nil {
		return nil, err
	}
	if !e.IsActive(s.now()) {
		return nil, nil
	}
	return e, nil
}

func (s *BlacklistStoreDurable) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	e, err := s.Get(ctx, tokenHash)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

func (s *BlacklistStoreDurable) Remove(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return errs.Validation("token hash is empty")
	}
	return deleteIfExists(ctx, s.store, s.keys.BlacklistKey(tokenHash))
}

func (s *BlacklistStoreDurable) each(ctx context.Context, fn func(key string, e *entity.BlacklistEntry)) error {
	keys, err := s.store.Keys(ctx, s.keys.BlacklistPrefix())
	if err != nil {
		return err
	}
	for _, key := range keys {
		e, err := s.load(ctx, key)
		if err != nil {
			if errors.Is(err, errs.ErrSerialization) {
				continue
			}
			return err
		}
		if e != nil {
			fn(key, e)
		}
	}
	return nil
}

func (s *BlacklistStoreDurable) Size(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.each(ctx, func(_ string, e *entity.BlacklistEntry) {
		if e.IsActive(now) {
			n++
		}
	})
	return n, err
}

func (s *BlacklistStoreDurable) RemoveExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var expired []string
	err := s.each(ctx, func(key string, e *entity.BlacklistEntry) {
		if !e.IsActive(now) {
			expired = append(expired, key)
		}
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, key := range expired {
		if err := s.store.DeleteConfig(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *BlacklistStoreDurable) CountExpiring(ctx context.Context, within time.Duration) (int64, error) {
	now := s.now()
	deadline := now.Add(within)
	var n int64
	err := s.each(ctx, func(_ string, e *entity.BlacklistEntry) {
		if e.IsActive(now) && !e.ExpiresAt.After(deadline) {
			n++
		}
	})
	return n, err
}
