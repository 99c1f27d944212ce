package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// CheckDataConsistency 只读比较两端的键集合与同键的值，不加锁
func (r *Reconciler) CheckDataConsistency(ctx context.Context) entity.ConsistencyCheckResult {
	report, err := r.checkConsistency(ctx)
	if err != nil {
		zap.L().Error("data consistency check failed", zap.Error(err))
		return entity.ConsistencyCheckResult{Details: fmt.Sprintf("Consistency check failed: %v", err)}
	}
	zap.L().Info("data consistency check completed", zap.String("details", report.Details))
	return report
}

// checkConsistency 已过期的记录视为不存在：缓存靠 TTL 删除，持久层要等下一次清理
func (r *Reconciler) checkConsistency(ctx context.Context) (entity.ConsistencyCheckResult, error) {
	var report entity.ConsistencyCheckResult
	now := r.now()
	for _, k := range r.kinds {
		cacheKeys, err := r.backends.Cache.Keys(ctx, k.prefix)
		if err != nil {
			return report, fmt.Errorf("list cache %s keys: %w", k.name, err)
		}
		durableKeys, err := r.backends.Durable.Keys(ctx, k.prefix)
		if err != nil {
			return report, fmt.Errorf("list durable %s keys: %w", k.name, err)
		}
		inCache := r.liveRecords(ctx, k, r.backends.Cache, cacheKeys, now)
		inDurable := r.liveRecords(ctx, k, r.backends.Durable, durableKeys, now)
		report.CacheCount += len(inCache)
		report.DurableCount += len(inDurable)

		for key, d := range inDurable {
			c, ok := inCache[key]
			switch {
			case !ok:
				report.MissingInCacheKeys = append(report.MissingInCacheKeys, key)
			case c != nil && d != nil && !bytes.Equal(c, d):
				report.ConflictKeys = append(report.ConflictKeys, key)
			}
		}
		for key := range inCache {
			if _, ok := inDurable[key]; !ok {
				report.MissingInDurableKeys = append(report.MissingInDurableKeys, key)
			}
		}
	}

	sort.Strings(report.MissingInCacheKeys)
	sort.Strings(report.MissingInDurableKeys)
	sort.Strings(report.ConflictKeys)
	report.MissingInCache = len(report.MissingInCacheKeys)
	report.MissingInDurable = len(report.MissingInDurableKeys)
	report.ConflictCount = len(report.ConflictKeys)
	report.Consistent = report.MissingInCache == 0 && report.MissingInDurable == 0 && report.ConflictCount == 0
	report.Details = fmt.Sprintf("Cache: %d records, Durable: %d records, Missing in cache: %d, Missing in durable: %d, Conflicts: %d",
		report.CacheCount, report.DurableCount, report.MissingInCache, report.MissingInDurable, report.ConflictCount)
	return report, nil
}

// liveRecords 读出未过期记录的原始字节；已删除或已过期的键不在结果中
// 读取失败的键值为 nil，只参与存在性比较
func (r *Reconciler) liveRecords(ctx context.Context, k recordKind, from out.RawStore, keys []string, now time.Time) map[string][]byte {
	var (
		mu   sync.Mutex
		live = make(map[string][]byte, len(keys))
		t    tally
	)
	r.forEachBatch(ctx, keys, &t, func(ctx context.Context, key string) error {
		data, err := from.Get(ctx, key)
		if errs.IsNotFound(err) {
			return nil
		}
		if err != nil {
			data = nil
		} else if meta, derr := k.inspect(data); derr == nil && meta.expired(now) {
			return nil
		}
		mu.Lock()
		live[key] = data
		mu.Unlock()
		return err
	})
	return live
}

// repair 调用方已持有同步锁
func (r *Reconciler) repair(ctx context.Context, report entity.ConsistencyCheckResult) entity.SyncResult {
	start := r.now()
	var t tally

	r.forEachBatch(ctx, report.MissingInCacheKeys, &t, func(ctx context.Context, key string) error {
		k, ok := r.kindOf(key)
		if !ok {
			return errs.Validation("unknown record key %q", key)
		}
		return r.copyOne(ctx, k, key, r.backends.Durable, r.backends.Cache, true)
	})
	r.forEachBatch(ctx, report.MissingInDurableKeys, &t, func(ctx context.Context, key string) error {
		k, ok := r.kindOf(key)
		if !ok {
			return errs.Validation("unknown record key %q", key)
		}
		return r.copyOne(ctx, k, key, r.backends.Cache, r.backends.Durable, false)
	})
	r.forEachBatch(ctx, report.ConflictKeys, &t, r.resolveConflict)

	if len(report.MissingInCacheKeys)+len(report.ConflictKeys) > 0 {
		r.rebuildIndexes(ctx)
	}
	return t.result("Repair completed", r.now().Sub(start))
}

// resolveConflict 版本时间较新的一端胜出，相同时以持久层为准
func (r *Reconciler) resolveConflict(ctx context.Context, key string) error {
	k, ok := r.kindOf(key)
	if !ok {
		return errs.Validation("unknown record key %q", key)
	}
	cacheData, err := r.backends.Cache.Get(ctx, key)
	if errs.IsNotFound(err) {
		return r.copyOne(ctx, k, key, r.backends.Durable, r.backends.Cache, true)
	}
	if err != nil {
		return err
	}
	durableData, err := r.backends.Durable.Get(ctx, key)
	if errs.IsNotFound(err) {
		return r.put(ctx, k, key, cacheData, r.backends.Durable, false)
	}
	if err != nil {
		return err
	}

	cacheMeta, err := k.inspect(cacheData)
	if err != nil {
		// 缓存中的坏数据直接用持久层覆盖
		return r.put(ctx, k, key, durableData, r.backends.Cache, true)
	}
	durableMeta, err := k.inspect(durableData)
	if err != nil {
		return r.put(ctx, k, key, cacheData, r.backends.Durable, false)
	}
	if cacheMeta.version.After(durableMeta.version) {
		return r.put(ctx, k, key, cacheData, r.backends.Durable, false)
	}
	return r.put(ctx, k, key, durableData, r.backends.Cache, true)
}
