package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/pkg/zlog"
)

// HealthTracker 路由所需的健康检查能力，由 health.Monitor 实现
type HealthTracker interface {
	IsHealthy(ctx context.Context, b entity.Backend) bool
	IsServiceAvailable(ctx context.Context) bool
	RecordSuccess(b entity.Backend, op string)
	RecordFailure(b entity.Backend, op string, err error)
}

const defaultOpTimeout = 5 * time.Second

// Options 路由配置
type Options struct {
	// OpTimeout 单次后端调用超时
	OpTimeout time.Duration
	// BlacklistTTL 未指定过期时间时黑名单条目的有效期
	BlacklistTTL time.Duration
}

// core 令牌与黑名单路由共用的逻辑
type core struct {
	kind      string
	health    HealthTracker
	metrics   *metrics.Metrics
	opTimeout time.Duration
}

func newCore(kind string, health HealthTracker, m *metrics.Metrics, opts Options) *core {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &core{kind: kind, health: health, metrics: m, opTimeout: opts.OpTimeout}
}

func (c *core) cacheHealthy(ctx context.Context) bool {
	return c.health.IsHealthy(ctx, entity.BackendCache)
}

// report 不存在与校验错误说明后端本身可用
func (c *core) report(b entity.Backend, op string, err error) {
	if err == nil || errs.IsNotFound(err) || errs.IsValidation(err) {
		c.health.RecordSuccess(b, op)
		return
	}
	c.health.RecordFailure(b, op, err)
}

func (c *core) fellBack(op string) {
	if c.metrics != nil {
		c.metrics.Fallbacks.WithLabelValues(c.kind, op).Inc()
	}
}

func (c *core) shadowFailed(ctx context.Context, op string, err error) {
	if c.metrics != nil {
		c.metrics.ShadowWriteFailures.WithLabelValues(c.kind, op).Inc()
	}
	zlog.C(ctx).Warn("durable shadow write failed",
		zap.String("kind", c.kind),
		zap.String("op", op),
		zap.Error(err))
}

// bothFailed 合并两个后端的错误；持久层给出的确定答复优先
func (c *core) bothFailed(op string, cacheErr, durableErr error) error {
	if errs.IsNotFound(durableErr) || errs.IsValidation(durableErr) || cacheErr == nil || errs.IsNotFound(cacheErr) {
		return durableErr
	}
	return fmt.Errorf("%s %s failed on both backends: %w", c.kind, op, multierror.Append(cacheErr, durableErr))
}

// call 在超时内调用单个后端并上报结果
func call[T any](ctx context.Context, c *core, b entity.Backend, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	res, err := fn(cctx)
	c.report(b, op, err)
	return res, err
}

// write 缓存健康时先写缓存再影子写持久层，缓存失败或不存在时只在持久层执行
func write[T any](
	ctx context.Context,
	c *core,
	op string,
	onCache, onDurable func(context.Context) (T, error),
	shadow func(context.Context, T) error,
) (T, error) {
	var zero T
	if !c.cacheHealthy(ctx) {
		c.fellBack(op)
		return call(ctx, c, entity.BackendDurable, op, onDurable)
	}

	res, err := call(ctx, c, entity.BackendCache, op, onCache)
	if err == nil {
		if shadow != nil {
			if serr := shadowCall(ctx, c, op, res, shadow); serr != nil {
				c.shadowFailed(ctx, op, serr)
			}
		}
		return res, nil
	}
	if errs.IsValidation(err) {
		return zero, err
	}

	if !errs.IsNotFound(err) {
		c.fellBack(op)
		zlog.C(ctx).Warn("cache operation failed, falling back to durable",
			zap.String("kind", c.kind),
			zap.String("op", op),
			zap.Error(err))
	}
	dres, derr := call(ctx, c, entity.BackendDurable, op, onDurable)
	if derr == nil {
		return dres, nil
	}
	return zero, c.bothFailed(op, err, derr)
}

func shadowCall[T any](ctx context.Context, c *core, op string, res T, shadow func(context.Context, T) error) error {
	_, err := call(ctx, c, entity.BackendDurable, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, shadow(ctx, res)
	})
	return err
}

// read 缓存为空不代表真的不存在，需要再查一次持久层，结果不做累加
func read[T any](
	ctx context.Context,
	c *core,
	op string,
	onCache, onDurable func(context.Context) (T, error),
	empty func(T) bool,
) (T, error) {
	var zero T
	if !c.cacheHealthy(ctx) {
		c.fellBack(op)
		return call(ctx, c, entity.BackendDurable, op, onDurable)
	}

	res, err := call(ctx, c, entity.BackendCache, op, onCache)
	if err == nil && !empty(res) {
		return res, nil
	}
	if err != nil {
		if errs.IsValidation(err) {
			return zero, err
		}
		c.fellBack(op)
	}

	dres, derr := call(ctx, c, entity.BackendDurable, op, onDurable)
	if derr == nil {
		return dres, nil
	}
	if err == nil {
		// 缓存已给出空结果，持久层复查失败时返回缓存结果
		zlog.C(ctx).Warn("durable re-check failed after empty cache read",
			zap.String("kind", c.kind),
			zap.String("op", op),
			zap.Error(derr))
		return res, nil
	}
	return zero, c.bothFailed(op, err, derr)
}

// sweep 两个后端都执行清理，返回较大的删除数，避免同一条记录被计两次
func sweep(
	ctx context.Context,
	c *core,
	op string,
	onCache, onDurable func(context.Context) (int64, error),
) (int64, error) {
	if !c.cacheHealthy(ctx) {
		c.fellBack(op)
		return call(ctx, c, entity.BackendDurable, op, onDurable)
	}
	cn, cerr := call(ctx, c, entity.BackendCache, op, onCache)
	dn, derr := call(ctx, c, entity.BackendDurable, op, onDurable)
	switch {
	case cerr == nil && derr == nil:
		return max(cn, dn), nil
	case cerr == nil:
		c.shadowFailed(ctx, op, derr)
		return cn, nil
	case derr == nil:
		c.fellBack(op)
		return dn, nil
	default:
		return 0, c.bothFailed(op, cerr, derr)
	}
}

func isNil[T any](v *T) bool { return v == nil }
