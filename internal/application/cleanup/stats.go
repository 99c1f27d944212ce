package cleanup

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
)

const statsVersion = 1

// statsDoc 持久化到持久层的累计统计
type statsDoc struct {
	Version                      int   `json:"version"`
	TotalRuns                    int64 `json:"total_runs"`
	SuccessfulRuns               int64 `json:"successful_runs"`
	FailedRuns                   int64 `json:"failed_runs"`
	TotalTokensRemoved           int64 `json:"total_tokens_removed"`
	TotalBlacklistEntriesRemoved int64 `json:"total_blacklist_entries_removed"`
	TotalDurationMs              int64 `json:"total_duration_ms"`

	LastCleanupTime time.Time `json:"last_cleanup_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
}

func (d *statsDoc) apply(res entity.CleanupResult) {
	d.TotalRuns++
	if res.Success {
		d.SuccessfulRuns++
		d.LastSuccessTime = res.EndTime
	} else {
		d.FailedRuns++
	}
	d.TotalTokensRemoved += res.RemovedTokens
	d.TotalBlacklistEntriesRemoved += res.RemovedBlacklistEntries
	d.TotalDurationMs += res.DurationMs
	d.LastCleanupTime = res.EndTime
}

// valid 负数或失败次数超过总次数视为损坏
func (d statsDoc) valid() bool {
	return d.Version == statsVersion &&
		d.TotalRuns >= 0 && d.SuccessfulRuns >= 0 && d.FailedRuns >= 0 &&
		d.TotalTokensRemoved >= 0 && d.TotalBlacklistEntriesRemoved >= 0 && d.TotalDurationMs >= 0 &&
		d.FailedRuns <= d.TotalRuns && d.SuccessfulRuns+d.FailedRuns == d.TotalRuns
}

func (s *Scheduler) loadStats(ctx context.Context) {
	if s.deps.Stats == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	data, err := s.deps.Stats.Get(cctx, s.keys.CleanupStatsKey())
	if err != nil {
		if !errs.IsNotFound(err) {
			zap.L().Warn("load cleanup stats failed", zap.Error(err))
		}
		return
	}
	var doc statsDoc
	if err := json.Unmarshal(data, &doc); err != nil || !doc.valid() {
		zap.L().Warn("cleanup stats corrupted, resetting", zap.Error(err))
		s.saveStats(cctx, s.counters)
		return
	}
	s.counters = doc
	zap.L().Info("loaded cleanup stats", zap.Int64("total_runs", doc.TotalRuns))
}

func (s *Scheduler) saveStats(ctx context.Context, doc statsDoc) {
	if s.deps.Stats == nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		zap.L().Warn("encode cleanup stats failed", zap.Error(err))
		return
	}
	if err := s.deps.Stats.Put(ctx, s.keys.CleanupStatsKey(), data, 0); err != nil {
		zap.L().Warn("save cleanup stats failed", zap.Error(err))
	}
}
