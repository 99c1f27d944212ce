package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EthanQC/authstate/internal/domain/codec"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// recordMeta 对账只关心的两个时间
type recordMeta struct {
	expiresAt time.Time
	// version 越新越优先：令牌取 UpdatedAt，黑名单取 AddedAt
	version time.Time
}

func (m recordMeta) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && !m.expiresAt.After(now)
}

type recordKind struct {
	name    string
	prefix  string
	inspect func([]byte) (recordMeta, error)
}

func recordKinds(keys entity.KeySpace) []recordKind {
	return []recordKind{
		{
			name:   entity.KindToken,
			prefix: keys.TokenPrefix(),
			inspect: func(data []byte) (recordMeta, error) {
				t, err := codec.DecodeToken(data)
				if err != nil {
					return recordMeta{}, err
				}
				return recordMeta{expiresAt: t.ExpiresAt, version: t.UpdatedAt}, nil
			},
		},
		{
			name:   entity.KindBlacklist,
			prefix: keys.BlacklistPrefix(),
			inspect: func(data []byte) (recordMeta, error) {
				e, err := codec.DecodeBlacklist(data)
				if err != nil {
					return recordMeta{}, err
				}
				return recordMeta{expiresAt: e.ExpiresAt, version: e.AddedAt}, nil
			},
		},
	}
}

func (r *Reconciler) kindOf(key string) (recordKind, bool) {
	for _, k := range r.kinds {
		if strings.HasPrefix(key, k.prefix) {
			return k, true
		}
	}
	return recordKind{}, false
}

// tally 并发安全的计数
type tally struct {
	processed, succeeded, failed atomic.Int64
}

func (t *tally) add(err error) {
	t.processed.Add(1)
	if err != nil {
		t.failed.Add(1)
		return
	}
	t.succeeded.Add(1)
}

func (t *tally) result(prefix string, elapsed time.Duration) entity.SyncResult {
	p, s, f := int(t.processed.Load()), int(t.succeeded.Load()), int(t.failed.Load())
	msg := fmt.Sprintf("%s: %d processed, %d success, %d failure", prefix, p, s, f)
	return entity.NewSyncResult(p, s, f, msg, elapsed)
}

// forEachBatch 批与批之间顺序执行，批内并发；单条失败不影响其他记录
func (r *Reconciler) forEachBatch(ctx context.Context, keys []string, t *tally, fn func(context.Context, string) error) {
	for start := 0; start < len(keys); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(keys))
		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for _, key := range keys[start:end] {
			key := key
			g.Go(func() error {
				t.add(r.guard(ctx, key, fn))
				return nil
			})
		}
		_ = g.Wait()
	}
}

// guard 单条记录的 panic 计为失败
func (r *Reconciler) guard(ctx context.Context, key string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("record %s panicked: %v", key, p)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	if err = fn(cctx, key); err != nil {
		zap.L().Warn("reconcile record failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

func (r *Reconciler) copyAll(ctx context.Context, k recordKind, keys []string, from, to out.RawStore, toCache bool, t *tally) {
	r.forEachBatch(ctx, keys, t, func(ctx context.Context, key string) error {
		return r.copyOne(ctx, k, key, from, to, toCache)
	})
}

// copyOne 源端已不存在或已过期的记录跳过，计为成功
func (r *Reconciler) copyOne(ctx context.Context, k recordKind, key string, from, to out.RawStore, toCache bool) error {
	data, err := from.Get(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	return r.put(ctx, k, key, data, to, toCache)
}

func (r *Reconciler) put(ctx context.Context, k recordKind, key string, data []byte, to out.RawStore, toCache bool) error {
	meta, err := k.inspect(data)
	if err != nil {
		return err
	}
	now := r.now()
	if meta.expired(now) {
		return nil
	}
	var ttl time.Duration
	if toCache {
		ttl = entity.RemainingTTL(meta.expiresAt, now, r.cfg.DefaultTTL)
	}
	return to.Put(ctx, key, data, ttl)
}
