package cleanup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/pkg/zlog"
)

// retry 最多执行 MaxAttempts 次，间隔从 InitialBackoff 开始翻倍
// 只重试瞬时错误，校验与序列化错误立即返回
func (s *Scheduler) retry(ctx context.Context, phase string, fn func(context.Context) (int64, error)) (int64, error) {
	ctx = zlog.With(ctx, zap.String("phase", phase))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 64 * s.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	var (
		removed int64
		attempt int
	)
	op := func() error {
		attempt++
		n, err := fn(ctx)
		if err != nil {
			if !errs.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		removed = n
		return nil
	}
	notify := func(err error, wait time.Duration) {
		zlog.C(ctx).Warn("retrying cleanup",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		zlog.C(ctx).Error("cleanup retries exhausted",
			zap.Int("attempts", attempt),
			zap.Error(err))
		return 0, err
	}
	return removed, nil
}
