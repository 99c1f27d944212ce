package routing

import (
	"context"
	"fmt"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// TokenRouter 令牌记录的双后端路由
type TokenRouter struct {
	*core
	cache   out.TokenStore
	durable out.TokenStore
}

func NewTokenRouter(cache, durable out.TokenStore, health HealthTracker, m *metrics.Metrics, opts Options) *TokenRouter {
	return &TokenRouter{
		core:    newCore(entity.KindToken, health, m, opts),
		cache:   cache,
		durable: durable,
	}
}

func (r *TokenRouter) SaveToken(ctx context.Context, token *entity.TokenRecord) error {
	if err := token.Validate(); err != nil {
		return err
	}
	_, err := write(ctx, r.core, "save",
		func(ctx context.Context) (struct{}, error) { return struct{}{}, r.cache.Save(ctx, token) },
		func(ctx context.Context) (struct{}, error) { return struct{}{}, r.durable.Save(ctx, token) },
		func(ctx context.Context, _ struct{}) error { return r.durable.Save(ctx, token) },
	)
	return err
}

func (r *TokenRouter) FindByTokenHash(ctx context.Context, tokenHash string) (*entity.TokenRecord, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	return read(ctx, r.core, "find_by_hash",
		func(ctx context.Context) (*entity.TokenRecord, error) { return r.cache.FindByHash(ctx, tokenHash) },
		func(ctx context.Context) (*entity.TokenRecord, error) { return r.durable.FindByHash(ctx, tokenHash) },
		isNil[entity.TokenRecord],
	)
}

func (r *TokenRouter) FindByTokenID(ctx context.Context, id string) (*entity.TokenRecord, error) {
	if id == "" {
		return nil, errs.Validation("token id is empty")
	}
	return read(ctx, r.core, "find_by_id",
		func(ctx context.Context) (*entity.TokenRecord, error) { return r.cache.FindByID(ctx, id) },
		func(ctx context.Context) (*entity.TokenRecord, error) { return r.durable.FindByID(ctx, id) },
		isNil[entity.TokenRecord],
	)
}

func (r *TokenRouter) FindActiveTokensByUserID(ctx context.Context, userID string) ([]*entity.TokenRecord, error) {
	if userID == "" {
		return nil, errs.Validation("user id is empty")
	}
	return read(ctx, r.core, "find_active_by_user",
		func(ctx context.Context) ([]*entity.TokenRecord, error) { return r.cache.FindActiveByUserID(ctx, userID) },
		func(ctx context.Context) ([]*entity.TokenRecord, error) { return r.durable.FindActiveByUserID(ctx, userID) },
		func(v []*entity.TokenRecord) bool { return len(v) == 0 },
	)
}

// UpdateTokenStatus 缓存更新成功后把更新后的整条记录影子写入持久层，两边字节一致
func (r *TokenRouter) UpdateTokenStatus(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (*entity.TokenRecord, error) {
	if tokenHash == "" {
		return nil, errs.Validation("token hash is empty")
	}
	if !status.Valid() {
		return nil, errs.Validation("unknown token status %q", status)
	}
	return write(ctx, r.core, "update_status",
		func(ctx context.Context) (*entity.TokenRecord, error) {
			return r.cache.UpdateStatus(ctx, tokenHash, status, reason, actor)
		},
		func(ctx context.Context) (*entity.TokenRecord, error) {
			return r.durable.UpdateStatus(ctx, tokenHash, status, reason, actor)
		},
		func(ctx context.Context, updated *entity.TokenRecord) error {
			return r.durable.Save(ctx, updated)
		},
	)
}

// BatchUpdateTokenStatus 返回实际变更的条数
// 缓存中不存在的令牌直接在持久层更新
func (r *TokenRouter) BatchUpdateTokenStatus(ctx context.Context, tokenHashes []string, status entity.TokenStatus, reason, actor string) (int64, error) {
	if !status.Valid() {
		return 0, errs.Validation("unknown token status %q", status)
	}
	for _, h := range tokenHashes {
		if h == "" {
			return 0, errs.Validation("token hash is empty")
		}
	}
	if len(tokenHashes) == 0 {
		return 0, nil
	}

	const op = "batch_update_status"
	onDurable := func(ctx context.Context) (int64, error) {
		return r.durable.BatchUpdateStatus(ctx, tokenHashes, status, reason, actor)
	}
	if !r.cacheHealthy(ctx) {
		r.fellBack(op)
		return call(ctx, r.core, entity.BackendDurable, op, onDurable)
	}

	n, err := call(ctx, r.core, entity.BackendCache, op, func(ctx context.Context) (int64, error) {
		return r.cache.BatchUpdateStatus(ctx, tokenHashes, status, reason, actor)
	})
	if err != nil {
		if errs.IsValidation(err) {
			return n, err
		}
		r.fellBack(op)
		dn, derr := call(ctx, r.core, entity.BackendDurable, op, onDurable)
		if derr != nil {
			return dn, r.bothFailed(op, err, derr)
		}
		return dn, nil
	}

	for _, h := range tokenHashes {
		extra, serr := r.shadowOne(ctx, h, status, reason, actor)
		if serr != nil {
			r.shadowFailed(ctx, op, fmt.Errorf("token %s: %w", h, serr))
			continue
		}
		n += extra
	}
	return n, nil
}

// shadowOne 缓存有记录时整条复制到持久层；没有时在持久层更新，返回持久层新增的变更数
func (r *TokenRouter) shadowOne(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (int64, error) {
	rec, err := call(ctx, r.core, entity.BackendCache, "find_by_hash", func(ctx context.Context) (*entity.TokenRecord, error) {
		return r.cache.FindByHash(ctx, tokenHash)
	})
	if err != nil {
		return 0, err
	}
	if rec != nil {
		_, err = call(ctx, r.core, entity.BackendDurable, "save", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.durable.Save(ctx, rec)
		})
		return 0, err
	}
	return call(ctx, r.core, entity.BackendDurable, "batch_update_status", func(ctx context.Context) (int64, error) {
		return r.durable.BatchUpdateStatus(ctx, []string{tokenHash}, status, reason, actor)
	})
}

func (r *TokenRouter) CountActiveTokens(ctx context.Context) (int64, error) {
	return r.CountTokensByStatus(ctx, entity.TokenStatusActive)
}

func (r *TokenRouter) CountTokensByStatus(ctx context.Context, status entity.TokenStatus) (int64, error) {
	if !status.Valid() {
		return 0, errs.Validation("unknown token status %q", status)
	}
	return read(ctx, r.core, "count_by_status",
		func(ctx context.Context) (int64, error) { return r.cache.CountByStatus(ctx, status) },
		func(ctx context.Context) (int64, error) { return r.durable.CountByStatus(ctx, status) },
		func(n int64) bool { return n == 0 },
	)
}

// RemoveExpiredTokens 两个后端都清理；删除数由调用方通过前后计数得出
func (r *TokenRouter) RemoveExpiredTokens(ctx context.Context) error {
	_, err := sweep(ctx, r.core, "remove_expired", r.cache.RemoveExpired, r.durable.RemoveExpired)
	return err
}

// IsServiceAvailable 任一后端健康即可服务
func (r *TokenRouter) IsServiceAvailable(ctx context.Context) bool {
	return r.health.IsServiceAvailable(ctx)
}
