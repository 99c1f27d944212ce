package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// BlacklistRouter 黑名单的双后端路由
type BlacklistRouter struct {
	*core
	cache      out.BlacklistStore
	durable    out.BlacklistStore
	defaultTTL time.Duration
	now        func() time.Time
}

func NewBlacklistRouter(cache, durable out.BlacklistStore, health HealthTracker, m *metrics.Metrics, opts Options) *BlacklistRouter {
	ttl := opts.BlacklistTTL
	if ttl <= 0 {
		ttl = entity.DefaultBlacklistTTL
	}
	return &BlacklistRouter{
		core:       newCore(entity.KindBlacklist, health, m, opts),
		cache:      cache,
		durable:    durable,
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// AddToBlacklist reason、addedBy 为空时使用默认值，有效期为默认 TTL
func (r *BlacklistRouter) AddToBlacklist(ctx context.Context, tokenHash, reason, addedBy string) error {
	return r.AddEntry(ctx, entity.NewBlacklistEntry(tokenHash, reason, addedBy, r.now(), r.defaultTTL))
}

// AddEntry 写入调用方构造好的条目，可自带过期时间
func (r *BlacklistRouter) AddEntry(ctx context.Context, entry *entity.BlacklistEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := write(ctx, r.core, "add",
		func(ctx context.Context) (struct{}, error) { return struct{}{}, r.cache.Add(ctx, entry) },
		func(ctx context.Context) (struct{}, error) { return struct{}{}, r.durable.Add(ctx, entry) },
		func(ctx context.Context, _ struct{}) error { return r.durable.Add(ctx, entry) },
	)
	return err
}

// BatchAddToBlacklist 返回成功条数，失败的条目合并为一个错误
func (r *BlacklistRouter) BatchAddToBlacklist(ctx context.Context, tokenHashes []string, reason, addedBy string) (int, error) {
	var result *multierror.Error
	added := 0
	for _, h := range tokenHashes {
		if err := r.AddToBlacklist(ctx, h, reason, addedBy); err != nil {
			result = multierror.Append(result, fmt.Errorf("token %s: %w", h, err))
			continue
		}
		added++
	}
	return added, result.ErrorOrNil()
}

// IsBlacklisted 已过期条目不会被报告
func (r *BlacklistRouter) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	if tokenHash == "" {
		return false, errs.Validation("token hash is empty")
	}
	return read(ctx, r.core, "is_blacklisted",
		func(ctx context.Context) (bool, error) { return r.cache.IsBlacklisted(ctx, tokenHash) },
		func(ctx context.Context) (bool, error) { return r.durable.IsBlacklisted(ctx, tokenHash) },
		func(b bool) bool { return !b },
	)
}

func (r *BlacklistRouter) GetBlacklistEntry(ctx context.Context, tokenHash string) (*entity.BlacklistEntry, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	return read(ctx, r.core, "get",
		func(ctx context.Context) (*entity.BlacklistEntry, error) { return r.cache.Get(ctx, tokenHash) },
		func(ctx context.Context) (*entity.BlacklistEntry, error) { return r.durable.Get(ctx, tokenHash) },
		isNil[entity.BlacklistEntry],
	)
}

// RemoveFromBlacklist 幂等
func (r *BlacklistRouter) RemoveFromBlacklist(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return errs.Validation("token hash is empty")
	}
	_, err := write(ctx, r.core, "remove",
		func(ctx context.Context) (struct{}, error) { return struct{}{}, r.cache.Remove(ctx, tokenHash) },
		func(ctx context.Context) (struct{}, error) { return struct{}{}, r.durable.Remove(ctx, tokenHash) },
		func(ctx context.Context, _ struct{}) error { return r.durable.Remove(ctx, tokenHash) },
	)
	return err
}

func (r *BlacklistRouter) BlacklistSize(ctx context.Context) (int64, error) {
	return read(ctx, r.core, "size",
		r.cache.Size,
		r.durable.Size,
		func(n int64) bool { return n == 0 },
	)
}

// CleanupExpiredEntries 清理两个后端的过期条目并返回删除数
func (r *BlacklistRouter) CleanupExpiredEntries(ctx context.Context) (int64, error) {
	return sweep(ctx, r.core, "remove_expired", r.cache.RemoveExpired, r.durable.RemoveExpired)
}

// ExpiringEntriesCount 统计 hours 小时内将过期的有效条目
func (r *BlacklistRouter) ExpiringEntriesCount(ctx context.Context, hours int) (int64, error) {
	if hours <= 0 {
		return 0, errs.Validation("hours must be positive, got %d", hours)
	}
	within := time.Duration(hours) * time.Hour
	return read(ctx, r.core, "count_expiring",
		func(ctx context.Context) (int64, error) { return r.cache.CountExpiring(ctx, within) },
		func(ctx context.Context) (int64, error) { return r.durable.CountExpiring(ctx, within) },
		func(n int64) bool { return n == 0 },
	)
}

func (r *BlacklistRouter) IsServiceAvailable(ctx context.Context) bool {
	return r.health.IsServiceAvailable(ctx)
}
