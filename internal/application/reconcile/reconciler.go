package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// 同步操作名，同时作为锁令牌前缀与指标标签
const (
	OpRecover       = "recover_to_cache"
	OpSyncToDurable = "sync_to_durable"
	OpBidirectional = "bidirectional_sync"
	OpRepair        = "repair"
	OpStartup       = "startup_recovery"
)

const msgLockHeld = "Another sync operation is in progress"

// Config 对账配置
type Config struct {
	BatchSize int
	// Concurrency 单批内并发处理的记录数
	Concurrency int
	LockTTL     time.Duration
	// DefaultTTL 记录没有过期时间时写入缓存的 TTL
	DefaultTTL time.Duration
	OpTimeout  time.Duration
	// EventTopic 为空时不发布同步事件
	EventTopic string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		Concurrency: 16,
		LockTTL:     30 * time.Minute,
		DefaultTTL:  24 * time.Hour,
		OpTimeout:   5 * time.Second,
	}
}

// HealthChecker 启动恢复前的健康门禁
type HealthChecker interface {
	IsHealthy(ctx context.Context, b entity.Backend) bool
}

// Backends 对账需要访问的两个后端
type Backends struct {
	Cache   out.RawStore
	Locker  out.Locker
	Durable out.RawStore
	// Indexes 恢复写入缓存后重建派生索引
	Indexes []out.IndexRebuilder
}

type syncCounters struct {
	Version    int       `json:"version"`
	Total      int64     `json:"total"`
	Successful int64     `json:"successful"`
	Failed     int64     `json:"failed"`
	LastSyncAt time.Time `json:"last_sync_at"`
}

const statsVersion = 1

// Reconciler 缓存与持久层之间的恢复、同步与一致性修复
// 所有入口都返回结果值，不返回错误也不向外抛出 panic
type Reconciler struct {
	cfg       Config
	keys      entity.KeySpace
	backends  Backends
	health    HealthChecker
	publisher out.EventPublisher
	metrics   *metrics.Metrics
	kinds     []recordKind
	now       func() time.Time

	mu    sync.Mutex
	stats syncCounters
}

func NewReconciler(cfg Config, keys entity.KeySpace, backends Backends, health HealthChecker, publisher out.EventPublisher, m *metrics.Metrics) *Reconciler {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	return &Reconciler{
		cfg:       cfg,
		keys:      keys,
		backends:  backends,
		health:    health,
		publisher: publisher,
		metrics:   m,
		kinds:     recordKinds(keys),
		now:       time.Now,
		stats:     syncCounters{Version: statsVersion},
	}
}

// withLock 抢占全局同步锁后执行 fn；锁被占用时立即返回失败结果
func (r *Reconciler) withLock(ctx context.Context, op string, fn func(context.Context) entity.SyncResult) (res entity.SyncResult) {
	start := r.now()
	key := r.keys.SyncLockKey()
	token := op + ":" + uuid.NewString()

	lctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	acquired, err := r.backends.Locker.TryLock(lctx, key, token, r.cfg.LockTTL)
	cancel()
	if err != nil {
		zap.L().Warn("acquire sync lock failed", zap.String("op", op), zap.Error(err))
		return r.finish(ctx, op, entity.FailedSyncResult(fmt.Sprintf("Failed to acquire sync lock: %v", err), r.now().Sub(start)))
	}
	if !acquired {
		zap.L().Warn("sync lock is held, skipping", zap.String("op", op))
		r.countRun(op, "skipped")
		return entity.FailedSyncResult(msgLockHeld, r.now().Sub(start))
	}
	zap.L().Debug("acquired sync lock", zap.String("op", op), zap.String("token", token))

	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OpTimeout)
		defer cancel()
		released, err := r.backends.Locker.Unlock(uctx, key, token)
		switch {
		case err != nil:
			zap.L().Warn("release sync lock failed", zap.String("op", op), zap.Error(err))
		case !released:
			zap.L().Warn("sync lock expired before release", zap.String("op", op))
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("sync operation panicked", zap.String("op", op), zap.Any("panic", p))
			res = r.finish(ctx, op, entity.FailedSyncResult(fmt.Sprintf("%s panicked: %v", op, p), r.now().Sub(start)))
		}
	}()

	return r.finish(ctx, op, fn(ctx))
}

// RecoverFromDurableToCache 把持久层全部未过期记录写回缓存
func (r *Reconciler) RecoverFromDurableToCache(ctx context.Context) entity.SyncResult {
	return r.withLock(ctx, OpRecover, r.recoverToCache)
}

func (r *Reconciler) recoverToCache(ctx context.Context) entity.SyncResult {
	start := r.now()
	var t tally
	for _, k := range r.kinds {
		keys, err := r.backends.Durable.Keys(ctx, k.prefix)
		if err != nil {
			return entity.FailedSyncResult(fmt.Sprintf("Failed to list durable %s keys: %v", k.name, err), r.now().Sub(start))
		}
		r.copyAll(ctx, k, keys, r.backends.Durable, r.backends.Cache, true, &t)
	}
	r.rebuildIndexes(ctx)
	return t.result("Recovery completed", r.now().Sub(start))
}

// SyncCacheToDurable 把缓存中的记录补写到持久层
func (r *Reconciler) SyncCacheToDurable(ctx context.Context) entity.SyncResult {
	return r.withLock(ctx, OpSyncToDurable, r.syncToDurable)
}

func (r *Reconciler) syncToDurable(ctx context.Context) entity.SyncResult {
	start := r.now()
	var t tally
	for _, k := range r.kinds {
		keys, err := r.backends.Cache.Keys(ctx, k.prefix)
		if err != nil {
			return entity.FailedSyncResult(fmt.Sprintf("Failed to list cache %s keys: %v", k.name, err), r.now().Sub(start))
		}
		r.copyAll(ctx, k, keys, r.backends.Cache, r.backends.Durable, false, &t)
	}
	return t.result("Sync to durable completed", r.now().Sub(start))
}

// PerformBidirectionalSync 先检查一致性，不一致时在同一把锁内修复
func (r *Reconciler) PerformBidirectionalSync(ctx context.Context) entity.SyncResult {
	return r.withLock(ctx, OpBidirectional, func(ctx context.Context) entity.SyncResult {
		start := r.now()
		report, err := r.checkConsistency(ctx)
		if err != nil {
			return entity.FailedSyncResult(fmt.Sprintf("Consistency check failed: %v", err), r.now().Sub(start))
		}
		if report.Consistent {
			return entity.NewSyncResult(0, 0, 0, "Data is already consistent", r.now().Sub(start))
		}
		return r.repair(ctx, report)
	})
}

// RepairDataInconsistency 只处理报告中列出的差异键
func (r *Reconciler) RepairDataInconsistency(ctx context.Context, report entity.ConsistencyCheckResult) entity.SyncResult {
	if report.Consistent {
		return entity.NewSyncResult(0, 0, 0, "Data is already consistent, no repair needed", 0)
	}
	return r.withLock(ctx, OpRepair, func(ctx context.Context) entity.SyncResult {
		return r.repair(ctx, report)
	})
}

// PerformStartupRecovery 两个后端都健康时才恢复；进程启动时调用，失败只体现在结果里
func (r *Reconciler) PerformStartupRecovery(ctx context.Context) entity.SyncResult {
	zap.L().Info("starting startup recovery")
	for _, b := range []entity.Backend{entity.BackendCache, entity.BackendDurable} {
		if !r.health.IsHealthy(ctx, b) {
			zap.L().Warn("backend unhealthy, skipping startup recovery", zap.String("backend", b.String()))
			res := entity.FailedSyncResult(fmt.Sprintf("%s backend is not healthy", b), 0)
			r.countRun(OpStartup, "skipped")
			return res
		}
	}
	res := r.RecoverFromDurableToCache(ctx)
	if res.Success {
		zap.L().Info("startup recovery completed", zap.Any("result", res))
	} else {
		zap.L().Warn("startup recovery failed", zap.Any("result", res))
	}
	return res
}

// SyncStats 累计的同步统计
func (r *Reconciler) SyncStats() entity.SyncStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := entity.SyncStats{
		TotalSyncs:      r.stats.Total,
		SuccessfulSyncs: r.stats.Successful,
		FailedSyncs:     r.stats.Failed,
		LastSyncTime:    r.stats.LastSyncAt,
		BatchSize:       r.cfg.BatchSize,
		LockTTL:         r.cfg.LockTTL,
	}
	if s.TotalSyncs > 0 {
		s.SuccessRate = float64(s.SuccessfulSyncs) / float64(s.TotalSyncs)
	}
	return s
}

// LoadStats 从缓存读回上次持久化的统计，读不到时保持为零
func (r *Reconciler) LoadStats(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	data, err := r.backends.Cache.Get(cctx, r.keys.SyncStatsKey())
	if err != nil {
		if !errs.IsNotFound(err) {
			zap.L().Warn("load sync stats failed", zap.Error(err))
		}
		return
	}
	var c syncCounters
	if err := json.Unmarshal(data, &c); err != nil || c.Version != statsVersion || c.Total < 0 || c.Successful+c.Failed > c.Total {
		zap.L().Warn("discarding invalid sync stats", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.stats = c
	r.mu.Unlock()
}

// ResetSyncData 强制清除同步锁与统计
func (r *Reconciler) ResetSyncData(ctx context.Context) error {
	r.mu.Lock()
	r.stats = syncCounters{Version: statsVersion}
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	var result *multierror.Error
	for _, key := range []string{r.keys.SyncLockKey(), r.keys.SyncStatsKey()} {
		if err := r.backends.Cache.Delete(cctx, key); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	zap.L().Info("sync data reset")
	return nil
}

func (r *Reconciler) rebuildIndexes(ctx context.Context) {
	for _, ix := range r.backends.Indexes {
		n, err := ix.RebuildIndexes(ctx)
		if err != nil {
			zap.L().Warn("rebuild cache indexes failed", zap.Error(err))
			continue
		}
		zap.L().Debug("rebuilt cache indexes", zap.Int("records", n))
	}
}

func (r *Reconciler) countRun(op, result string) {
	if r.metrics != nil {
		r.metrics.SyncRuns.WithLabelValues(op, result).Inc()
	}
}

// finish 更新统计、指标并发布事件
func (r *Reconciler) finish(ctx context.Context, op string, res entity.SyncResult) entity.SyncResult {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	r.countRun(op, outcome)
	if r.metrics != nil {
		r.metrics.SyncItems.WithLabelValues(op, "success").Add(float64(res.SuccessCount))
		r.metrics.SyncItems.WithLabelValues(op, "failure").Add(float64(res.FailureCount))
	}

	r.mu.Lock()
	r.stats.Total++
	if res.Success {
		r.stats.Successful++
	} else {
		r.stats.Failed++
	}
	r.stats.LastSyncAt = r.now()
	snapshot := r.stats
	r.mu.Unlock()

	zap.L().Info("sync operation finished",
		zap.String("op", op),
		zap.Bool("success", res.Success),
		zap.Int("processed", res.ProcessedCount),
		zap.Int("failed", res.FailureCount),
		zap.Int64("duration_ms", res.DurationMs),
		zap.String("message", res.Message))

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OpTimeout)
	defer cancel()
	if data, err := json.Marshal(snapshot); err == nil {
		if err := r.backends.Cache.Put(bctx, r.keys.SyncStatsKey(), data, 0); err != nil {
			zap.L().Warn("persist sync stats failed", zap.Error(err))
		}
	}
	r.publish(bctx, op, res)
	return res
}

type syncEvent struct {
	Event     string            `json:"event"`
	Operation string            `json:"operation"`
	Result    entity.SyncResult `json:"result"`
	At        time.Time         `json:"at"`
}

func (r *Reconciler) publish(ctx context.Context, op string, res entity.SyncResult) {
	if r.publisher == nil || r.cfg.EventTopic == "" {
		return
	}
	data, err := json.Marshal(syncEvent{Event: "sync.completed", Operation: op, Result: res, At: r.now()})
	if err != nil {
		return
	}
	if err := r.publisher.Publish(ctx, r.cfg.EventTopic, op, data); err != nil {
		zap.L().Warn("publish sync event failed", zap.String("op", op), zap.Error(err))
	}
}
